package db

import (
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
)

// NewClickHouseConnection opens a *sqlx.DB against ClickHouse (audit log).
// DSN e.g. clickhouse://default:@localhost:9000/inkwell?dial_timeout=5s&compress=true
func NewClickHouseConnection(dsn string, opts PoolOpts) (*sqlx.DB, error) {
	db, err := sqlx.Open("clickhouse", dsn)
	if err != nil {
		return nil, err
	}

	applyPool(db, opts)

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if err := pingWithTimeout(db, timeout); err != nil {
		return nil, err
	}

	return db, nil
}
