package worker

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/inkwell-labs/inkwell-events/internal/bus"
	"github.com/inkwell-labs/inkwell-events/internal/config"
	"github.com/inkwell-labs/inkwell-events/internal/db"
	"github.com/inkwell-labs/inkwell-events/internal/logger"
	"github.com/inkwell-labs/inkwell-events/internal/metrics"
	"github.com/inkwell-labs/inkwell-events/internal/relay"
	"github.com/inkwell-labs/inkwell-events/internal/repository"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the outbox relay (outbox -> JetStream)",
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

		conn, err := bus.Connect(bus.Config{URL: cfg.NATS.URL, Stream: cfg.NATS.Stream})
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer conn.Close()

		r := relay.New(repository.NewOutboxRepository(dbx), conn, m, logger.Log)
		if cfg.Relay.BatchSize > 0 {
			r.BatchSize = cfg.Relay.BatchSize
		}
		if cfg.Relay.PollInterval > 0 {
			r.PollInterval = cfg.Relay.PollInterval
		}
		if cfg.Relay.MaxAttempts > 0 {
			r.MaxAttempts = cfg.Relay.MaxAttempts
		}
		if cfg.Relay.BackoffBase > 0 {
			r.BackoffBase = cfg.Relay.BackoffBase
		}
		if cfg.Relay.BackoffMax > 0 {
			r.BackoffMax = cfg.Relay.BackoffMax
		}
		if cfg.Relay.Lease > 0 {
			r.Lease = cfg.Relay.Lease
		}
		if cfg.Relay.PublishTimeout > 0 {
			r.PublishTimeout = cfg.Relay.PublishTimeout
		}

		// audit sink is optional: a ClickHouse outage must not stop delivery
		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolOpts{
			MaxOpenConns: cfg.ClickHouse.MaxOpenConns,
			MaxIdleConns: cfg.ClickHouse.MaxIdleConns,
			PingTimeout:  cfg.ClickHouse.PingTimeout,
		})
		if err != nil {
			log.Printf("clickhouse unavailable, audit log disabled: %v", err)
		} else {
			defer func() { _ = chDB.Close() }()
			r.Audit = repository.NewAuditRepository(chDB)
		}

		if cfg.Relay.MetricsAddr != "" {
			go serveMetrics(cfg.Relay.MetricsAddr)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Printf(">> relay started worker=%s batchSize=%d maxAttempts=%d lease=%s",
			r.WorkerID, r.BatchSize, r.MaxAttempts, r.Lease)

		return r.Run(ctx)
	},
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics server exited: %v", err)
	}
}
