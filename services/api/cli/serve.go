package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/unchainedshop/workqueue/internal/adapters"
	"github.com/unchainedshop/workqueue/internal/director"
	"github.com/unchainedshop/workqueue/internal/events"
	"github.com/unchainedshop/workqueue/internal/kafka"
	"github.com/unchainedshop/workqueue/internal/postgres"
	"github.com/unchainedshop/workqueue/internal/queue"
	"github.com/unchainedshop/workqueue/internal/redis"
	"github.com/unchainedshop/workqueue/pkg/telemetry"
	"github.com/unchainedshop/workqueue/services/api/config"
	"github.com/unchainedshop/workqueue/services/api/handler"
	"github.com/unchainedshop/workqueue/services/api/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	fs := serveCmd.Flags()
	fs.String("http-port", "8080", "HTTP server port")
	fs.String("metrics-addr", ":9095", "Prometheus metrics server address")
	fs.String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	fs.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	fs.Int("rate-limit", 100, "max work submissions per client per window (0 disables)")
	fs.Duration("rate-window", time.Minute, "rate limit window")
	fs.String("external-types", "", "comma-separated work types completed via the API")
	fs.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing; empty disables export")
	bindFlags(fs)
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "api")

	flushTraces, err := telemetry.SetupTracing(context.Background(), "workqueue-api", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer flushTraces()

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(connectCtx, cfg.PostgresDSN)
	cancelConnect()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	producer := kafka.NewProducer(strings.Split(cfg.KafkaBrokers, ","))
	defer func() { _ = producer.Close() }()

	redisClient := redis.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	var limiter redis.RateLimiter
	if cfg.RateLimit > 0 {
		limiter = redis.NewRateLimiter(redisClient, cfg.RateLimit, cfg.RateWindow)
	}

	// The API registers the same adapters as the workers so work-types
	// reflects reality, plus the external types it completes itself.
	d := director.New()
	d.Register(adapters.Heartbeat{})
	d.Register(adapters.NewWebhook())
	d.Register(adapters.NewEmail(adapters.EmailConfig{}))
	for _, t := range strings.Split(cfg.ExternalTypes, ",") {
		if t = strings.TrimSpace(t); t != "" {
			d.Register(adapters.External{Type: t})
		}
	}

	emitter := events.NewBusEmitter(producer, logger)
	q := queue.New(postgres.NewStore(pool), d, emitter, logger)
	rest := handler.NewREST(q, limiter, pool.Ping, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      buildRouter(rest, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	errc := make(chan error, 1)
	go func() {
		logger.Info("http listening", slog.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigs:
		logger.Info("signal received, shutting down", slog.String("signal", sig.String()))
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}
	stop()

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShut()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("http shutdown", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}

func buildRouter(rest *handler.REST, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20))

	r.Get("/healthz", rest.Healthz)
	r.Get("/readyz", rest.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/work", rest.AddWork)
		r.Get("/work", rest.ListWork)
		r.Get("/work/{id}", rest.GetWork)
		r.Post("/work/{id}/finish", rest.FinishWork)
		r.Delete("/work/{id}", rest.DeleteWork)
		r.Get("/work-types", rest.WorkTypes)
	})
	return r
}
