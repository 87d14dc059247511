package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"

	"dashflow/api/pkg/auth"
	"dashflow/api/pkg/config"
	"dashflow/api/pkg/db"
	"dashflow/api/pkg/events"
	"dashflow/api/pkg/metrics"
	"dashflow/api/services/source"
	"dashflow/api/services/workflow"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		slog.Error("Invalid log level", "error", err)
		os.Exit(1)
	}
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(logHandler))

	var (
		workflowBackend workflow.Backend = workflow.NewMemoryBackend()
		sourceRepo      source.Repo      = source.NewMemoryRepository()
	)
	if cfg.Database.URL != "" {
		pool, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			slog.Error("Failed to open database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		workflowBackend = workflow.NewRepository(pool)
		sourceRepo = source.NewRepository(pool)
	} else {
		slog.Warn("DATABASE_URL is not set, keeping workflows in memory")
	}

	collector := metrics.NewCollector("dashflow")

	var publisher events.Publisher = events.Nop{}
	var nc *events.NATSPublisher
	if cfg.NATS.URL != "" {
		nc, err = events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			slog.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		publisher = nc
	}

	reader := source.NewReader(sourceRepo, cfg.Sources.ReadTimeout, cfg.Sources.BreakerFailures, collector)
	workflowService := workflow.NewService(workflow.Options{
		Backend:     workflowBackend,
		Reader:      reader,
		ReadTimeout: cfg.Sources.ReadTimeout,
		Events:      publisher,
		Metrics:     collector,
	})
	sourceService := source.NewService(sourceRepo, source.NewHTTPProber(cfg.Sources.TestTimeout))

	if nc != nil {
		unsubscribe, err := sourceService.ListenForReadings(nc)
		if err != nil {
			slog.Error("Failed to subscribe to source readings", "error", err)
			os.Exit(1)
		}
		defer unsubscribe()
	}

	// setup router
	mainRouter := mux.NewRouter()
	mainRouter.Use(collector.Middleware)
	mainRouter.Handle("/metrics", collector.Handler()).Methods("GET")
	mainRouter.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()
	if cfg.Auth.JWTSecret != "" {
		validator, err := auth.NewValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			slog.Error("Failed to create token validator", "error", err)
			os.Exit(1)
		}
		apiRouter.Use(validator.Middleware)
	}

	workflowService.LoadRoutes(apiRouter)
	sourceService.LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins(cfg.HTTP.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: corsHandler,
	}

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "addr", cfg.HTTP.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("Server error", "error", err)

	case sig := <-shutdown:
		slog.Info("Shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Could not stop server gracefully", "error", err)
			srv.Close()
		}
	}
}

// openDatabase connects to PostgreSQL and prepares both schemas.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pool, err := db.Connect(ctx, db.Config{
		URI:             cfg.URL,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}

	// Initialize database schema and seed data
	if err := workflow.InitDB(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	if err := source.InitDB(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
