// Package store mirrors dispatched alerts and exhausted retries into
// Postgres for after-the-fact review.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// AlertRow is one append-only alert_log record.
type AlertRow struct {
	BatchID  uuid.UUID
	Token    string
	TxHash   string
	USDValue float64
	Reasons  []string
	Status   string // success | failure
}

// DB wraps the relational sink. All writes are best-effort from the
// engine's point of view; a failed insert is logged, never fatal.
type DB struct {
	db *sql.DB
}

// Open connects and pings within timeout.
func Open(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &DB{db: db}, nil
}

// Migrate creates the sink tables when absent.
func (d *DB) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS alert_log (
	id         BIGSERIAL PRIMARY KEY,
	batch_id   UUID        NOT NULL,
	token      TEXT        NOT NULL,
	tx_hash    TEXT        NOT NULL,
	usd_value  NUMERIC     NOT NULL,
	reasons    TEXT        NOT NULL,
	status     TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS alert_log_token_idx ON alert_log (token, created_at);

CREATE TABLE IF NOT EXISTS alert_dead_letter_queue (
	id         BIGSERIAL PRIMARY KEY,
	token      TEXT        NOT NULL,
	payload    TEXT        NOT NULL,
	reason     TEXT        NOT NULL,
	retries    INT         NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// InsertAlert appends one alert_log row.
func (d *DB) InsertAlert(ctx context.Context, row AlertRow) error {
	const q = `INSERT INTO alert_log (batch_id, token, tx_hash, usd_value, reasons, status)
	           VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := d.db.ExecContext(ctx, q,
		row.BatchID, row.Token, row.TxHash, row.USDValue,
		strings.Join(row.Reasons, "; "), row.Status)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", row.TxHash, err)
	}
	return nil
}

// InsertDeadLetter records an alert that exhausted its delivery retries.
func (d *DB) InsertDeadLetter(ctx context.Context, token, payload, reason string, retries int) error {
	const q = `INSERT INTO alert_dead_letter_queue (token, payload, reason, retries)
	           VALUES ($1, $2, $3, $4)`
	if _, err := d.db.ExecContext(ctx, q, token, payload, reason, retries); err != nil {
		return fmt.Errorf("insert dead letter %s: %w", token, err)
	}
	return nil
}

func (d *DB) Close() error { return d.db.Close() }
