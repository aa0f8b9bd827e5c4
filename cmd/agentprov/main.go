// @title			agentprov API
// @version		1.0
// @description	Provisions voice agents under per-project quotas with saga rollback.
// @BasePath		/api/v1

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/mtlprog/agentprov/internal/config"
	"github.com/mtlprog/agentprov/internal/controlplane"
	"github.com/mtlprog/agentprov/internal/database"
	"github.com/mtlprog/agentprov/internal/handler"
	"github.com/mtlprog/agentprov/internal/logger"
	"github.com/mtlprog/agentprov/internal/middleware"
	"github.com/mtlprog/agentprov/internal/repository"
	"github.com/mtlprog/agentprov/internal/service"
	"github.com/mtlprog/agentprov/internal/telemetry"
)

func main() {
	// A missing .env file is fine; flags and the environment still apply.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "agentprov",
		Usage: "Voice agent provisioning service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:     "database-url",
				Aliases:  []string{"d"},
				Value:    config.DefaultDatabaseURL,
				Usage:    "PostgreSQL database URL",
				EnvVars:  []string{"DATABASE_URL"},
				Required: true,
			},
		},
		Before: func(c *cli.Context) error {
			logger.Setup(logger.ParseLevel(c.String("log-level")))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the web server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "port",
						Aliases: []string{"p"},
						Value:   config.DefaultPort,
						Usage:   "HTTP server port",
						EnvVars: []string{"PORT"},
					},
					&cli.StringFlag{
						Name:     "control-plane-url",
						Usage:    "Base URL of the agent runtime control plane",
						EnvVars:  []string{"CONTROL_PLANE_URL"},
						Required: true,
					},
					&cli.StringFlag{
						Name:     "control-plane-api-key",
						Usage:    "Static API key for the control plane",
						EnvVars:  []string{"CONTROL_PLANE_API_KEY"},
						Required: true,
					},
					&cli.StringFlag{
						Name:    "nats-url",
						Usage:   "NATS server URL for saga events (disabled when empty)",
						EnvVars: []string{"NATS_URL"},
					},
					&cli.StringFlag{
						Name:    "nats-subject",
						Value:   config.DefaultNATSSubject,
						Usage:   "NATS subject for saga events",
						EnvVars: []string{"NATS_SUBJECT"},
					},
					&cli.IntFlag{
						Name:    "default-max-agents",
						Value:   config.DefaultMaxAgents,
						Usage:   "Agent ceiling for projects accessed for the first time",
						EnvVars: []string{"DEFAULT_MAX_AGENTS"},
					},
					&cli.DurationFlag{
						Name:    "store-timeout",
						Value:   config.DefaultStoreTimeout,
						Usage:   "Timeout of each quota store call",
						EnvVars: []string{"STORE_TIMEOUT"},
					},
					&cli.DurationFlag{
						Name:    "control-plane-timeout",
						Value:   config.DefaultControlPlaneTimeout,
						Usage:   "Timeout of each control plane request",
						EnvVars: []string{"CONTROL_PLANE_TIMEOUT"},
					},
					&cli.DurationFlag{
						Name:    "compensation-timeout",
						Value:   config.DefaultCompensationTimeout,
						Usage:   "Timeout of each rollback action",
						EnvVars: []string{"COMPENSATION_TIMEOUT"},
					},
					&cli.IntFlag{
						Name:    "rate-limit",
						Value:   config.DefaultRateLimit,
						Usage:   "Provisioning requests per minute per API key (0 disables limiting)",
						EnvVars: []string{"RATE_LIMIT"},
					},
					&cli.IntFlag{
						Name:    "rate-burst",
						Value:   config.DefaultRateBurst,
						Usage:   "Provisioning burst per API key",
						EnvVars: []string{"RATE_BURST"},
					},
				},
				Action: runServe,
			},
			{
				Name:  "reconcile",
				Usage: "Release quota slots held by abandoned reservations",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:    "stale-after",
						Value:   config.DefaultStaleAfter,
						Usage:   "Age after which a reservation is considered abandoned",
						EnvVars: []string{"STALE_AFTER"},
					},
				},
				Action: runReconcile,
			},
			{
				Name:  "create-api-key",
				Usage: "Issue an API key for a caller",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "name",
						Usage:    "Caller name",
						Required: true,
					},
				},
				Action: runCreateAPIKey,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

// openDatabase connects and applies migrations.
func openDatabase(ctx context.Context, databaseURL string) (*database.DB, error) {
	db, err := database.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.RunMigrations(ctx, db.Pool()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// connectNATS connects to NATS. An empty URL disables event publishing.
func connectNATS(url string) (*nats.Conn, error) {
	if url == "" {
		return nil, nil
	}
	nc, err := nats.Connect(url,
		nats.Name("agentprov"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

func runServe(c *cli.Context) error {
	ctx := c.Context

	port := c.String("port")
	if port == "" {
		port = config.DefaultPort
	}

	db, err := openDatabase(ctx, c.String("database-url"))
	if err != nil {
		return err
	}
	defer db.Close()

	controlPlane, err := controlplane.NewClient(controlplane.Config{
		BaseURL: c.String("control-plane-url"),
		APIKey:  c.String("control-plane-api-key"),
		Timeout: c.Duration("control-plane-timeout"),
	})
	if err != nil {
		return fmt.Errorf("failed to create control plane client: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := telemetry.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	observers := telemetry.Multi{telemetry.NewLogObserver(slog.Default()), metrics}

	nc, err := connectNATS(c.String("nats-url"))
	if err != nil {
		return err
	}
	if nc != nil {
		defer nc.Drain()
		observers = append(observers, telemetry.NewNATSPublisher(nc, c.String("nats-subject"), slog.Default()))
	}

	quotaRepo := repository.NewQuotaRepository(db.Pool(), c.Int("default-max-agents"))
	callerRepo := repository.NewCallerRepository(db.Pool())

	provisioning := service.NewProvisioningService(quotaRepo, controlPlane, service.ProvisioningOptions{
		StoreTimeout:        c.Duration("store-timeout"),
		ControlPlaneTimeout: c.Duration("control-plane-timeout"),
		CompensationTimeout: c.Duration("compensation-timeout"),
		Observer:            observers,
	})

	var limiter *middleware.RateLimiter
	if perMinute := c.Int("rate-limit"); perMinute > 0 {
		limiter, err = middleware.NewRateLimiter(perMinute, c.Int("rate-burst"))
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
	} else {
		slog.Warn("provisioning rate limiting disabled")
	}

	h := handler.New(handler.Dependencies{
		Provisioner: provisioning,
		Quotas:      quotaRepo,
		Callers:     callerRepo,
		DB:          db,
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		RateLimiter: limiter,
	})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "server_addr", "http://localhost:"+port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-done:
		slog.Info("shutting down server")
	}

	// In-flight sagas finish their steps and compensations before shutdown returns.
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func runReconcile(c *cli.Context) error {
	ctx := c.Context

	db, err := openDatabase(ctx, c.String("database-url"))
	if err != nil {
		return err
	}
	defer db.Close()

	quotaRepo := repository.NewQuotaRepository(db.Pool(), config.DefaultMaxAgents)
	reconciler := service.NewReconcileService(quotaRepo, nil, telemetry.NewLogObserver(slog.Default()))

	released, err := reconciler.ReleaseStaleReservations(ctx, c.Duration("stale-after"))
	if err != nil {
		return fmt.Errorf("reconcile reservations: %w", err)
	}

	slog.Info("reconcile finished", "released", released)
	return nil
}

func runCreateAPIKey(c *cli.Context) error {
	ctx := c.Context

	db, err := openDatabase(ctx, c.String("database-url"))
	if err != nil {
		return err
	}
	defer db.Close()

	caller, key, err := repository.NewCallerRepository(db.Pool()).Create(ctx, c.String("name"))
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	slog.Info("api key created", "caller_id", caller.ID, "name", caller.Name)
	fmt.Println(key)
	return nil
}
