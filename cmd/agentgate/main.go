package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/agentgate/internal/api"
	"github.com/austindbirch/agentgate/internal/auth"
	"github.com/austindbirch/agentgate/internal/config"
	"github.com/austindbirch/agentgate/internal/db"
	"github.com/austindbirch/agentgate/internal/delivery"
	"github.com/austindbirch/agentgate/internal/event"
	"github.com/austindbirch/agentgate/internal/health"
	"github.com/austindbirch/agentgate/internal/jobs"
	"github.com/austindbirch/agentgate/internal/keystore"
	"github.com/austindbirch/agentgate/internal/logging"
	"github.com/austindbirch/agentgate/internal/manifest"
	"github.com/austindbirch/agentgate/internal/metrics"
	"github.com/austindbirch/agentgate/internal/subscription"
	"github.com/austindbirch/agentgate/internal/tracing"
)

const serviceName = "agentgate"

// app is the fully wired service before it starts listening.
type app struct {
	handler    http.Handler
	dispatcher *delivery.Dispatcher
	runner     *jobs.Runner
	pool       *pgxpool.Pool
	sink       *event.NSQSink
}

func (a *app) close(ctx context.Context) {
	a.runner.Stop(ctx)
	a.dispatcher.Stop()
	if a.sink != nil {
		a.sink.Stop()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// pinger returns nil when the file stores are in use, so health reports them.
func (a *app) pinger() health.Pinger {
	if a.pool == nil {
		return nil
	}
	return a.pool
}

// stores picks Postgres when a DB host is configured, JSON files otherwise.
type stores struct {
	subs     subscription.Store
	jobs     jobs.Store
	verified keystore.Directory
	peers    keystore.Directory
}

func openStores(ctx context.Context, cfg config.Config) (stores, *pgxpool.Pool, error) {
	if cfg.UsePostgres() {
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return stores{}, nil, fmt.Errorf("db connect: %w", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return stores{}, nil, fmt.Errorf("db migrate: %w", err)
		}
		return stores{
			subs:     subscription.NewPGStore(pool),
			jobs:     jobs.NewPGStore(pool),
			verified: keystore.NewPGDirectory(pool, keystore.SourceVerified),
			peers:    keystore.NewPGDirectory(pool, keystore.SourceHandshake),
		}, pool, nil
	}

	dir := cfg.Data.Dir
	subs, err := subscription.OpenFileStore(filepath.Join(dir, "subscriptions.json"), nil)
	if err != nil {
		return stores{}, nil, fmt.Errorf("open subscriptions: %w", err)
	}
	js, err := jobs.OpenFileStore(filepath.Join(dir, "jobs.json"))
	if err != nil {
		return stores{}, nil, fmt.Errorf("open jobs: %w", err)
	}
	return stores{
		subs:     subs,
		jobs:     js,
		verified: keystore.NewFileDirectory(filepath.Join(dir, "agent-directory.json")),
		peers:    keystore.NewFileDirectory(filepath.Join(dir, "handshake-peers.json")),
	}, nil, nil
}

func operatorValidator(cfg config.Operator) (*auth.OperatorValidator, error) {
	var pemKey string
	if cfg.JWTPublicKeyFile != "" {
		b, err := os.ReadFile(cfg.JWTPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read operator public key: %w", err)
		}
		pemKey = string(b)
	}
	return auth.NewOperatorValidator(cfg.Token, pemKey, cfg.JWTIssuer, cfg.JWTAudience)
}

// build wires every component from cfg. reg receives the service metrics.
func build(ctx context.Context, cfg config.Config, logger *logging.Logger, reg *prometheus.Registry) (*app, error) {
	st, pool, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{pool: pool}

	activity := event.NewActivityLog(cfg.Activity.Size, logger)
	if cfg.NSQ.NsqdTCPAddr != "" {
		sink, err := event.NewNSQSink(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.ActivityTopic)
		if err != nil {
			// The mirror is best effort; the service runs without it.
			logger.Plain().WithError(err).WithField("addr", cfg.NSQ.NsqdTCPAddr).Warn("NSQ activity mirror disabled")
		} else {
			a.sink = sink
			activity.AddSink(sink)
		}
	}

	a.dispatcher = delivery.NewDispatcher(st.subs,
		delivery.WithActivityLog(activity),
		delivery.WithDeliveryLog(subscription.NewDeliveryLog(cfg.Webhook.DeliveryLogSize)),
		delivery.WithLogger(logger),
		delivery.WithTimeout(cfg.Webhook.DeliveryTimeout),
		delivery.WithBackoff(cfg.Webhook.BackoffSchedule),
		delivery.WithHeaders(delivery.Headers{
			Event:     cfg.Webhook.EventHeader,
			Signature: cfg.Webhook.SignatureHeader,
			Delivery:  cfg.Webhook.DeliveryHeader,
		}),
	)

	a.runner = jobs.NewRunner(st.jobs, a.dispatcher,
		jobs.WithLogger(logger),
		jobs.WithLimits(jobs.Limits{
			Timeout:          cfg.Jobs.Timeout,
			FailureThreshold: cfg.Jobs.FailureThreshold,
			HistorySize:      cfg.Jobs.HistorySize,
			MinInterval:      cfg.Jobs.MinInterval,
			MaxInterval:      cfg.Jobs.MaxInterval,
		}),
	)
	if err := a.runner.Load(ctx); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	keys := keystore.New(st.verified, st.peers,
		keystore.WithRefresh(cfg.Identity.KeyRefresh),
		keystore.WithLogger(logger),
	)
	op, err := operatorValidator(cfg.Operator)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	if !op.Enabled() {
		logger.Plain().Warn("No operator credential configured; POST /v1/events is unreachable")
	}
	authn := auth.New(keys,
		auth.WithOperatorValidator(op),
		auth.WithWindow(cfg.Identity.ReplayWindow),
		auth.WithHeaders(auth.Headers{
			Handle:    cfg.Identity.HandleHeader,
			Timestamp: cfg.Identity.TimestampHeader,
			Signature: cfg.Identity.SignatureHeader,
		}),
		auth.WithLogger(logger),
	)
	verifier := manifest.NewVerifier(
		manifest.WithTimeout(cfg.Identity.ManifestTimeout),
		manifest.WithKeyRecorder(keys, keystore.SourceVerified),
		manifest.WithLogger(logger),
	)

	metrics.MustRegister(reg)
	a.handler = api.New(api.Deps{
		Dispatcher: a.dispatcher,
		Jobs:       a.runner,
		Keys:       keys,
		Verifier:   verifier,
		Auth:       authn,
		Limiter:    rate.NewLimiter(rate.Limit(cfg.Identity.VerifyRate), cfg.Identity.VerifyBurst),
		Health:     health.HTTPHandler(a.pinger()),
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:     logger,
	})
	return a, nil
}

func main() {
	configPath := flag.String("config", os.Getenv("AGENTGATE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	logger := logging.New(serviceName)
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	a, err := build(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to start")
	}
	a.runner.Start()

	// gRPC health
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go health.Watch(ctx, a.pinger(), hs, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPC.Addr).Info("gRPC health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Error("gRPC serve failed")
		}
	}()

	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      a.handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":     cfg.HTTP.Addr,
			"postgres": cfg.UsePostgres(),
		}).Info("HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Plain().Info("Shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	grpcSrv.GracefulStop()
	_ = httpSrv.Shutdown(shutdownCtx)
	a.close(shutdownCtx)
	cancel()
	logger.Plain().Info("agentgate stopped")
}
