package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/SunFlash12/ForgeV3-sub008/pkg/events"
)

// PostgresChainStore persists finished cascade chains in Postgres for
// multi-node deployments.
type PostgresChainStore struct {
	db *sql.DB
}

// NewPostgresChainStore runs migrations against an existing connection.
func NewPostgresChainStore(db *sql.DB) (*PostgresChainStore, error) {
	s := &PostgresChainStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenPostgresChainStore connects with a postgres:// URL.
func OpenPostgresChainStore(url string) (*PostgresChainStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres chain store: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres chain store: %w", err)
	}
	return NewPostgresChainStore(db)
}

func (s *PostgresChainStore) migrate() error {
	const query = `
    CREATE TABLE IF NOT EXISTS cascade_chains (
        chain_id TEXT PRIMARY KEY,
        root_event_id TEXT NOT NULL,
        status TEXT NOT NULL,
        depth INTEGER NOT NULL,
        breadth INTEGER NOT NULL,
        abort_reason TEXT,
        started_at TIMESTAMPTZ,
        ended_at TIMESTAMPTZ,
        events JSONB NOT NULL
    )`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// SaveChain upserts one finished chain.
func (s *PostgresChainStore) SaveChain(ctx context.Context, chain *events.CascadeChain) error {
	eventsJSON, err := json.Marshal(chain.Events)
	if err != nil {
		return fmt.Errorf("marshal chain events: %w", err)
	}
	const query = `
        INSERT INTO cascade_chains
            (chain_id, root_event_id, status, depth, breadth, abort_reason, started_at, ended_at, events)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (chain_id) DO UPDATE SET
            status = EXCLUDED.status,
            depth = EXCLUDED.depth,
            breadth = EXCLUDED.breadth,
            abort_reason = EXCLUDED.abort_reason,
            ended_at = EXCLUDED.ended_at,
            events = EXCLUDED.events`
	_, err = s.db.ExecContext(ctx, query,
		chain.ID, chain.RootEventID, string(chain.Status), chain.Depth, chain.Breadth,
		chain.AbortReason, chain.StartedAt, chain.EndedAt, string(eventsJSON))
	if err != nil {
		return fmt.Errorf("save chain %s: %w", chain.ID, err)
	}
	return nil
}

// ListAborted returns up to limit most recently aborted chains, for the
// monitoring surface that audits guard trips.
func (s *PostgresChainStore) ListAborted(ctx context.Context, limit int) ([]*events.CascadeChain, error) {
	const query = `
        SELECT chain_id, root_event_id, status, depth, breadth, abort_reason, started_at, ended_at, events
        FROM cascade_chains
        WHERE status = 'ABORTED'
        ORDER BY ended_at DESC
        LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list aborted chains: %w", err)
	}
	defer rows.Close()

	var out []*events.CascadeChain
	for rows.Next() {
		var (
			chain      events.CascadeChain
			status     string
			reason     sql.NullString
			eventsJSON []byte
		)
		if err := rows.Scan(&chain.ID, &chain.RootEventID, &status, &chain.Depth, &chain.Breadth,
			&reason, &chain.StartedAt, &chain.EndedAt, &eventsJSON); err != nil {
			return nil, fmt.Errorf("scan chain: %w", err)
		}
		chain.Status = events.ChainStatus(status)
		chain.AbortReason = reason.String
		if err := json.Unmarshal(eventsJSON, &chain.Events); err != nil {
			return nil, fmt.Errorf("decode chain %s events: %w", chain.ID, err)
		}
		out = append(out, &chain)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *PostgresChainStore) Close() error {
	return s.db.Close()
}
