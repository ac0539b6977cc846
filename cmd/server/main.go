package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	scansvc "github.com/openctemio/scanregistry/internal/app/scan"
	"github.com/openctemio/scanregistry/internal/config"
	"github.com/openctemio/scanregistry/internal/infra/archive"
	"github.com/openctemio/scanregistry/internal/infra/http"
	"github.com/openctemio/scanregistry/internal/infra/http/handler"
	"github.com/openctemio/scanregistry/internal/infra/http/routes"
	"github.com/openctemio/scanregistry/internal/infra/telemetry"
	"github.com/openctemio/scanregistry/internal/infra/websocket"
	"github.com/openctemio/scanregistry/internal/metrics"
	"github.com/openctemio/scanregistry/pkg/domain/scan"
	"github.com/openctemio/scanregistry/pkg/jwt"
	"github.com/openctemio/scanregistry/pkg/logger"
	"github.com/openctemio/scanregistry/pkg/validator"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Command line flags.
var (
	showRoutes  = flag.Bool("routes", false, "Print all registered routes and exit")
	routeFormat = flag.String("route-format", "table", "Route output format: table, json")
	routeMethod = flag.String("route-method", "", "Filter routes by HTTP method")
	routePath   = flag.String("route-path", "", "Filter routes containing this path")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ==========================================================================
	// Configuration & Logger
	// ==========================================================================
	cfg, err := config.Load()
	if err != nil {
		log := logger.NewDefault()
		log.Error("failed to load configuration", "error", err)
		return 1
	}

	log := initLogger(cfg)
	log.Info("starting application", "app", cfg.App.Name, "env", cfg.App.Env, "version", version)

	// ==========================================================================
	// Tracing
	// ==========================================================================
	tracerProvider, shutdownTracing, err := telemetry.Init(ctx, log, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.App.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Error("failed to initialize tracing", "error", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Error("failed to flush traces", "error", err)
		}
	}()

	// ==========================================================================
	// Scan registry, executor and progress stream
	// ==========================================================================
	registry := scansvc.NewRegistry(log)
	if err := metrics.RegisterRegistryGauges(prometheus.DefaultRegisterer, registry); err != nil {
		log.Error("failed to register registry gauges", "error", err)
		return 1
	}

	hub := websocket.NewHub(log)
	monitor := scansvc.NewMonitor(registry, websocket.NewScanPublisher(hub), scansvc.MonitorConfig{
		PollInterval:      cfg.Scan.PollInterval,
		HeartbeatInterval: cfg.Scan.HeartbeatInterval,
		MaxWait:           cfg.Scan.MaxWait,
	}, log)

	executor := scansvc.NewExecutor(registry, scansvc.ExecutorConfig{
		Command:   cfg.Scan.Command,
		ExtraArgs: cfg.Scan.ExtraArgs,
		Env:       cfg.Scan.Env,
	}, log)

	severity, _ := scan.ParseSeverityThreshold(cfg.Scan.DefaultSeverity)
	opts := []scansvc.ServiceOption{
		scansvc.WithLauncher(executor),
		scansvc.WithWatcher(monitor),
		scansvc.WithTracer(telemetry.Tracer(tracerProvider)),
		scansvc.WithCleanupConcurrency(cfg.Scan.CleanupConcurrency),
		scansvc.WithDefaultSeverity(severity),
		scansvc.WithOutputRoots(cfg.Scan.OutputRoots...),
	}

	if cfg.Archive.IsConfigured() {
		archiver, err := archive.NewS3Archiver(ctx, archive.Config{
			Bucket:     cfg.Archive.Bucket,
			Region:     cfg.Archive.Region,
			Prefix:     cfg.Archive.Prefix,
			Endpoint:   cfg.Archive.Endpoint,
			AuthType:   cfg.Archive.AuthType,
			AccessKey:  cfg.Archive.AccessKey,
			SecretKey:  cfg.Archive.SecretKey,
			RoleARN:    cfg.Archive.RoleARN,
			ExternalID: cfg.Archive.ExternalID,
		}, log)
		if err != nil {
			log.Error("failed to initialize archiver", "error", err)
			return 1
		}
		opts = append(opts, scansvc.WithArchiver(archiver))
		log.Info("result archiving enabled", "bucket", cfg.Archive.Bucket)
	}

	service := scansvc.NewService(registry, log, opts...)

	sweeper, err := scansvc.NewSweeper(service, scansvc.SweeperConfig{
		Enabled:      cfg.Sweeper.Enabled,
		Schedule:     cfg.Sweeper.Schedule,
		MaxAgeHours:  cfg.Sweeper.MaxAgeHours,
		RemoveOutput: cfg.Sweeper.RemoveOutput,
	}, log)
	if err != nil {
		log.Error("failed to initialize sweeper", "error", err)
		return 1
	}

	// ==========================================================================
	// HTTP Server
	// ==========================================================================
	var tokens *jwt.Generator
	if cfg.Auth.Enabled() {
		tokens = jwt.NewGenerator(jwt.TokenConfig{
			Secret: cfg.Auth.JWTSecret,
			Issuer: cfg.Auth.JWTIssuer,
		})
	} else {
		log.Warn("authentication disabled: set AUTH_JWT_SECRET to require bearer tokens")
	}

	server := http.NewServer(cfg, log)
	routes.Register(server.Router(), routes.Handlers{
		Health:    handler.NewHealthHandler(registry, version),
		Scan:      handler.NewScanHandler(service, validator.New(), http.PathParam, log),
		Results:   handler.NewResultsHandler(service, log),
		WebSocket: websocket.NewHandler(hub, cfg.CORS.AllowedOrigins, log),
	}, tokens, log)

	if *showRoutes {
		err := http.PrintRoutes(os.Stdout, http.CollectRoutes(server.Router()), *routeFormat,
			http.RouteFilters{Method: *routeMethod, Path: *routePath})
		if err != nil {
			log.Error("failed to print routes", "error", err)
			return 1
		}
		return 0
	}

	// ==========================================================================
	// Run until signalled
	// ==========================================================================
	sweeper.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		sweeper.Stop()
		return server.Shutdown(shutdownCtx)
	})

	log.Info("application started", "http_addr", cfg.Server.Addr())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", "error", err)
		return 1
	}

	// Scanner processes are children of this process and do not outlive it.
	cancelActiveScans(service, log)
	executor.Wait()
	monitor.Wait()

	log.Info("application stopped")
	return 0
}

func cancelActiveScans(service *scansvc.Service, log *logger.Logger) {
	ctx := context.Background()
	for _, snap := range service.ListActiveScans(ctx).Scans {
		if _, err := service.CancelScan(ctx, snap.ScanID); err != nil {
			log.Warn("failed to cancel scan on shutdown", "scan_id", snap.ScanID, "error", err)
		}
	}
}

func initLogger(cfg *config.Config) *logger.Logger {
	//nolint:gosec // G115: threshold is validated non-negative in config.Validate()
	threshold := uint64(cfg.Log.SamplingThreshold)
	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    os.Stdout,
		AddSource: cfg.Log.AddSource,
		Sampling: logger.SamplingConfig{
			Enabled:   cfg.Log.SamplingEnabled,
			Tick:      time.Second,
			Threshold: threshold,
			Rate:      cfg.Log.SamplingRate,
		},
	})
	log.SetDefault()
	return log
}
