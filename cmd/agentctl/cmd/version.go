package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/agentgate/internal/tracing"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print agentctl build information",
	Long: `Print the agentctl build. Release builds stamp the version with
-ldflags "-X github.com/austindbirch/agentgate/internal/tracing.Version=v1.2.3";
otherwise the commit and time come from the VCS stamp of the Go build.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		b := tracing.Build()
		if outputJSON {
			return printJSON(cmd, b)
		}
		commit := b.GitCommit
		if b.Modified {
			commit += " (modified)"
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "agentctl %s\n", b.Version)
		fmt.Fprintf(out, "  commit:   %s\n", commit)
		fmt.Fprintf(out, "  built:    %s\n", b.BuildTime)
		fmt.Fprintf(out, "  go:       %s %s\n", b.GoVersion, b.Platform)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
