package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/agentgate/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the agentgate service",
	Long: `Check /healthz over HTTP, or the gRPC health service with --grpc.

Example:
  agentctl health
  agentctl health --grpc localhost:50051`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if addr, _ := cmd.Flags().GetString("grpc"); addr != "" {
			status, err := grpcHealth(cmd.Context(), addr)
			if err != nil {
				return fmt.Errorf("gRPC health check failed: %w", err)
			}
			if status != healthpb.HealthCheckResponse_SERVING {
				fmt.Fprintf(out, "✗ Service is %s (gRPC)\n", status)
				return nil
			}
			fmt.Fprintln(out, "✓ Service is healthy (gRPC)")
			return nil
		}

		var st health.Status
		if err := apiRequest(cmd.Context(), "GET", "/healthz", nil, &st); err != nil {
			fmt.Fprintf(out, "✗ Service is unhealthy: %v\n", err)
			return nil
		}
		if outputJSON {
			return printJSON(cmd, st)
		}
		fmt.Fprintf(out, "✓ Service is healthy (HTTP, %s stores)\n", st.Stores)
		return nil
	},
}

func grpcHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().String("grpc", "", "check the gRPC health service at this address instead")
}
