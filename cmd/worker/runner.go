package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/evently/internal/config"
	"github.com/jmehdipour/evently/internal/db"
	"github.com/jmehdipour/evently/internal/executor"
	"github.com/jmehdipour/evently/internal/kafka"
	"github.com/jmehdipour/evently/internal/logger"
	"github.com/jmehdipour/evently/internal/metrics"
	"github.com/jmehdipour/evently/internal/repository"
	"github.com/jmehdipour/evently/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Run the job claim/execute/retry worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger.Init(cfg.Log.Level)
		defer logger.Sync()
		log := logger.Named("worker")

		metrics.MustRegister(prometheus.DefaultRegisterer)

		// 2) DB connection (Postgres)
		pg, err := db.NewPostgresConnection(cfg.Postgres.DSN, db.PostgresOpts{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Postgres.ConnMaxIdleTime,
			PingTimeout:     cfg.Postgres.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("postgres connect: %w", err)
		}
		defer pg.Close()

		// 3) repositories
		jobsRepo := repository.NewJobsRepository(pg)
		attemptsRepo := repository.NewAttemptsRepository(pg)
		outboxRepo := repository.NewOutboxRepository(pg)

		// 4) executors
		execs := executor.NewRegistry(executor.NewWebhook())

		// 5) kafka consumer
		groupID := cfg.Kafka.GroupID
		if groupID == "" {
			groupID = "evently-worker"
		}
		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.Topic,
			GroupID:        groupID,
			MinBytes:       cfg.Kafka.MinBytes,
			MaxBytes:       cfg.Kafka.MaxBytes,
			CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
		})
		defer consumer.Close()

		runner := worker.NewRunner(pg, consumer, jobsRepo, attemptsRepo, outboxRepo, execs, cfg.Kafka.Topic, log)
		if cfg.Worker.Count > 0 {
			runner.Workers = cfg.Worker.Count
		}

		reclaimer := worker.NewReclaimer(jobsRepo, cfg.Kafka.Topic, log)
		if cfg.Worker.VisibilityTimeout > 0 {
			reclaimer.VisibilityTimeout = cfg.Worker.VisibilityTimeout
		}
		if cfg.Worker.ReclaimInterval > 0 {
			reclaimer.Interval = cfg.Worker.ReclaimInterval
		}
		if cfg.Worker.ReclaimBatchSize > 0 {
			reclaimer.BatchSize = cfg.Worker.ReclaimBatchSize
		}

		// 6) graceful shutdown
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("worker started",
			zap.String("topic", cfg.Kafka.Topic),
			zap.String("group", groupID),
			zap.Int("workers", runner.Workers),
			zap.Duration("visibility_timeout", reclaimer.VisibilityTimeout))

		go func() { _ = reclaimer.Run(ctx) }()

		return runner.Run(ctx)
	},
}
