package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/unchainedshop/workqueue/internal/director"
	"github.com/unchainedshop/workqueue/internal/events"
	"github.com/unchainedshop/workqueue/internal/kafka"
	"github.com/unchainedshop/workqueue/internal/postgres"
	"github.com/unchainedshop/workqueue/internal/queue"
	"github.com/unchainedshop/workqueue/internal/redis"
	"github.com/unchainedshop/workqueue/pkg/telemetry"
	"github.com/unchainedshop/workqueue/services/scheduler"
	"github.com/unchainedshop/workqueue/services/scheduler/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler and janitor loops",
	RunE:  runServe,
}

func init() {
	fs := serveCmd.Flags()
	fs.String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	fs.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	fs.Duration("check-interval", 15*time.Second, "recurring work poll interval")
	fs.Duration("janitor-interval", 30*time.Second, "zombie sweep interval")
	fs.Duration("retention", 0, "purge finished items older than this (0 keeps them forever)")
	fs.String("metrics-addr", ":9093", "Prometheus metrics server address")
	fs.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing; empty disables export")
	bindFlags(fs)
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	instanceID := "scheduler-" + uuid.New().String()[:8]
	logger := buildLogger(cfg.LogLevel, "scheduler").With(slog.String("instance_id", instanceID))

	flushTraces, err := telemetry.SetupTracing(context.Background(), "workqueue-scheduler", cfg.OTelEndpoint)
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

	// All scheduler instances compete for one lease; the loops below are
	// no-ops on instances that do not hold it.
	redisClient := redis.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	elector := redis.NewElector(redisClient, scheduler.LeaderKey, instanceID, 30*time.Second)

	store := postgres.NewStore(pool)
	emitter := events.NewBusEmitter(producer, logger)
	q := queue.New(store, director.New(), emitter, logger)

	sched := scheduler.NewScheduler(postgres.NewRecurringStore(pool), q, elector, cfg.CheckInterval, logger)
	janitor := scheduler.NewJanitor(store, q, elector, cfg.JanitorInterval, cfg.Retention, logger)

	runCtx, stop := context.WithCancel(context.Background())
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigs
		logger.Info("signal received, shutting down", slog.String("signal", sig.String()))
		stop()
	}()

	logger.Info("scheduler up",
		slog.Duration("check_interval", cfg.CheckInterval),
		slog.Duration("janitor_interval", cfg.JanitorInterval),
		slog.Duration("retention", cfg.Retention),
	)

	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){sched.Run, janitor.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(runCtx)
		}(loop)
	}
	wg.Wait()

	logger.Info("stopped")
	return nil
}
