package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/inkwell-labs/inkwell-events/internal/config"
	"github.com/inkwell-labs/inkwell-events/internal/db"
	"github.com/inkwell-labs/inkwell-events/internal/model"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo users",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		log.Println(">> Seeding demo users...")

		if err := seedUsers(sqlDB); err != nil {
			return err
		}

		log.Println(">> Seed completed")
		return nil
	},
}

// seedUsers inserts deterministic demo users (idempotent).
func seedUsers(dbx *sqlx.DB) error {
	users := []model.User{
		{
			Name:         "Ada",
			APIKey:       "11111111111111111111111111111111",
			Status:       "active",
			RateLimitRPS: intptr(20),
		},
		{
			Name:         "Noor",
			APIKey:       "22222222222222222222222222222222",
			Status:       "active",
			RateLimitRPS: intptr(50),
		},
		{
			Name:         "Sam",
			APIKey:       "33333333333333333333333333333333",
			Status:       "active",
			RateLimitRPS: intptr(5),
		},
		{
			Name:         "Suspended",
			APIKey:       "44444444444444444444444444444444",
			Status:       "suspended",
			RateLimitRPS: nil,
		},
	}

	// idempotent upsert based on api_key (UNIQUE)
	const q = `
INSERT INTO users
    (name, api_key, status, rate_limit_rps, created_at, updated_at)
VALUES
    (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    name        = VALUES(name),
    status      = VALUES(status),
    rate_limit_rps = VALUES(rate_limit_rps),
    updated_at  = VALUES(updated_at)
`
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	for _, u := range users {
		if _, err := tx.Exec(q, u.Name, u.APIKey, u.Status, u.RateLimitRPS, now, now); err != nil {
			return fmt.Errorf("insert user %q: %w", u.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit users: %w", err)
	}
	return nil
}

func intptr(i int) *int { return &i }
