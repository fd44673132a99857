package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const createDecisionsTable = `
CREATE TABLE IF NOT EXISTS ace_decisions (
	id           BIGSERIAL PRIMARY KEY,
	layer        TEXT        NOT NULL,
	message_id   TEXT        NOT NULL,
	inbound_bus  TEXT        NOT NULL,
	judgement    TEXT        NOT NULL,
	status       TEXT        NOT NULL DEFAULT '',
	source_bus   TEXT        NOT NULL DEFAULT '',
	dest_bus     TEXT        NOT NULL DEFAULT '',
	body         TEXT        NOT NULL DEFAULT '',
	mission      TEXT        NOT NULL DEFAULT '',
	fault        TEXT        NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	prev_hash    TEXT        NOT NULL DEFAULT '',
	hash         TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS ace_decisions_layer_created_idx ON ace_decisions (layer, created_at DESC);`

// PostgresLedger stores decisions in PostgreSQL, scoped by layer name.
type PostgresLedger struct {
	db    *sql.DB
	layer string
}

// NewPostgresLedger connects to dsn and creates the decisions table if needed.
func NewPostgresLedger(ctx context.Context, dsn, layer string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	l := &PostgresLedger{db: db, layer: layer}
	if err := l.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("[Ledger] PostgreSQL decision ledger ready", "layer", layer)
	return l, nil
}

func (l *PostgresLedger) migrate(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, createDecisionsTable); err != nil {
		return fmt.Errorf("failed to create decisions table: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Record(ctx context.Context, d Decision) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ace_decisions
			(layer, message_id, inbound_bus, judgement, status, source_bus, dest_bus, body, mission, fault, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		l.layer, d.MessageID, d.InboundBus, d.Judgement, d.Status, d.Source, d.Destination,
		d.Body, d.Mission, d.Fault, d.CreatedAt, d.PrevHash, d.Hash,
	)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Recent(ctx context.Context, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT message_id, inbound_bus, judgement, status, source_bus, dest_bus, body, mission, fault, created_at, prev_hash, hash
		FROM ace_decisions
		WHERE layer = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, l.layer, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.MessageID, &d.InboundBus, &d.Judgement, &d.Status, &d.Source,
			&d.Destination, &d.Body, &d.Mission, &d.Fault, &d.CreatedAt, &d.PrevHash, &d.Hash); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (l *PostgresLedger) Close() error {
	return l.db.Close()
}
