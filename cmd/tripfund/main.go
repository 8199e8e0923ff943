package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"

	"tripfund/internal/common/database"
	"tripfund/internal/common/events"
	"tripfund/internal/common/middleware"
	"tripfund/internal/common/nats"
	"tripfund/internal/fund"
	fundapi "tripfund/internal/fund/api"
	"tripfund/internal/itinerary"
	itineraryapi "tripfund/internal/itinerary/api"
	"tripfund/internal/planner"
	"tripfund/internal/routing"
	"tripfund/internal/vnpay"
	"tripfund/migrations"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// StoreDriver selects postgres or memory storage.
	StoreDriver    string        `envconfig:"STORE_DRIVER" default:"postgres"`
	CORSOrigins    []string      `envconfig:"CORS_ORIGINS" default:"*"`
	RedisURL       string        `envconfig:"REDIS_URL"`
	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	Database database.Config
	NATS     nats.Config
	Routing  routing.Config
	VNPay    vnpay.Config
}

type stores struct {
	itineraries itinerary.Store
	places      itinerary.PlaceCatalog
	funds       fund.Store
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	var (
		db    *database.DB
		store stores
	)
	switch cfg.StoreDriver {
	case "postgres":
		var err error
		db, err = database.New(ctx, cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if cfg.Database.MigrateOnStart {
			if err := database.Migrate(migrations.FS, cfg.Database.URL, logger); err != nil {
				logger.Error("failed to migrate database", "error", err)
				os.Exit(1)
			}
		}

		itineraryStore := itinerary.NewPostgresStore(db)
		store = stores{itineraries: itineraryStore, places: itineraryStore, funds: fund.NewPostgresStore(db)}
	case "memory":
		itineraryStore := itinerary.NewMemoryStore()
		store = stores{itineraries: itineraryStore, places: itineraryStore, funds: fund.NewMemoryStore()}
		logger.Warn("using in-memory storage, data is lost on restart")
	default:
		logger.Error("unknown store driver", "driver", cfg.StoreDriver)
		os.Exit(1)
	}

	// Redis backs the leg cache and idempotency replay when configured.
	var (
		rdb      *redis.Client
		legCache routing.Cache
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, continuing without cache", "error", err)
		}
		legCache = routing.NewRedisCache(rdb)
	}

	var publisher events.Publisher = events.NopPublisher{}
	var natsClient *nats.Client
	if cfg.NATS.URL != "" {
		var err error
		natsClient, err = nats.New(cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		if _, err := natsClient.EnsureStream(ctx, cfg.NATS.Stream); err != nil {
			logger.Error("failed to ensure stream", "error", err)
			os.Exit(1)
		}
		publisher = nats.NewPublisher(natsClient, logger)

		consumer, err := natsClient.EnsureConsumer(ctx, cfg.NATS.Stream, cfg.NATS.AuditConsumer, nats.SubjectPrefix+">")
		if err != nil {
			logger.Error("failed to ensure audit consumer", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := nats.NewSubscriber(consumer, logger).Start(ctx, nats.AuditHandler(logger)); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("audit subscriber stopped", "error", err)
			}
		}()
	}

	// Leg estimation
	var provider routing.DistanceProvider
	if cfg.Routing.GoongAPIKey != "" {
		provider = routing.NewGoongClient(nil, cfg.Routing)
	} else {
		logger.Warn("GOONG_API_KEY not set, legs use the haversine fallback")
	}
	estimator := routing.NewEstimator(cfg.Routing, provider, legCache, logger)

	// Create services
	itineraryService := itinerary.NewService(store.itineraries, store.places, itinerary.NewCostModel(estimator, cfg.Routing.Concurrency), publisher, logger)
	autoPlanner := planner.New(store.places, itineraryService, logger)

	signer := vnpay.NewSigner(cfg.VNPay)
	if !signer.Configured() {
		logger.Warn("VNPay credentials missing, checkout is disabled")
	}
	fundService := fund.NewService(store.funds, itineraryService, signer, publisher, logger)

	// Create handlers
	itineraryHandler := itineraryapi.NewHandler(itineraryService, autoPlanner, logger)
	fundHandler := fundapi.NewHandler(fundService, logger)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.ClientIP)
	r.Use(middleware.UserExtractor)
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.HealthCheck(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if natsClient != nil {
			if err := natsClient.HealthCheck(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"not ready"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		if rdb != nil {
			r.Use(middleware.Idempotency(middleware.NewRedisIdempotencyStore(rdb), cfg.IdempotencyTTL, logger))
		}
		r.Mount("/itineraries/{itineraryID}/fund", fundHandler.Routes())
		r.Mount("/itineraries", itineraryHandler.Routes())
		r.Mount("/payments", fundHandler.PaymentRoutes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting tripfund service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"store", cfg.StoreDriver,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
