package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/inkwell-labs/inkwell-events/internal/bus"
	"github.com/inkwell-labs/inkwell-events/internal/config"
	"github.com/inkwell-labs/inkwell-events/internal/db"
	"github.com/inkwell-labs/inkwell-events/internal/logger"
	"github.com/inkwell-labs/inkwell-events/internal/metrics"
	"github.com/inkwell-labs/inkwell-events/internal/provider"
	"github.com/inkwell-labs/inkwell-events/internal/repository"
	"github.com/inkwell-labs/inkwell-events/internal/worker"
)

var indexerCmd = &cobra.Command{
	Use:   "indexer",
	Short: "Run the embedding indexer (JetStream consumer)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger.Init(cfg.Log.Level)
		m := metrics.New(prometheus.DefaultRegisterer)

		dbx, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer dbx.Close()

		redisClient, err := db.NewRedisClient(db.RedisOpts{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = redisClient.Close() }()

		conn, err := bus.Connect(bus.Config{URL: cfg.NATS.URL, Stream: cfg.NATS.Stream})
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer conn.Close()

		consumer, err := conn.PullConsumer(bus.ConsumerOpts{
			Subject:    "journal.>",
			Durable:    cfg.Indexer.Durable,
			MaxDeliver: cfg.Indexer.MaxDeliver,
			FetchWait:  cfg.Indexer.FetchWait,
		})
		if err != nil {
			return fmt.Errorf("pull consumer: %w", err)
		}
		defer func() { _ = consumer.Close() }()

		embedder := provider.NewHTTPEmbedder(
			cfg.Embedding.Provider,
			cfg.Embedding.BaseURL,
			cfg.Embedding.Path,
			cfg.Embedding.Model,
			cfg.Embedding.Timeout,
			cfg.Embedding.Breaker.FailThreshold,
			cfg.Embedding.Breaker.OpenFor,
			m,
		)

		w := &worker.Indexer{
			Source:     consumer,
			Entries:    repository.NewEntriesRepository(dbx),
			Embeddings: repository.NewEmbeddingsRepository(dbx),
			Embedder:   embedder,
			Dedupe:     worker.NewRedisDeduper(redisClient, cfg.Indexer.DedupeTTL),
			Metrics:    m,
			Log:        logger.Log,
			Model:      cfg.Embedding.Model,
			BatchSize:  cfg.Indexer.BatchSize,
			RetryDelay: cfg.Indexer.RetryDelay,
			MaxDeliver: cfg.Indexer.MaxDeliver,
		}

		if cfg.Indexer.MetricsAddr != "" {
			go serveMetrics(cfg.Indexer.MetricsAddr)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Printf(">> indexer started durable=%s batchSize=%d maxDeliver=%d",
			cfg.Indexer.Durable, w.BatchSize, w.MaxDeliver)

		return w.Run(ctx)
	},
}
