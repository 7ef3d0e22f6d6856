package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/SunFlash12/ForgeV3-sub008/pkg/events"
)

// SQLiteChainStore persists finished cascade chains for audit in a local
// SQLite database.
type SQLiteChainStore struct {
	db *sql.DB
}

// NewSQLiteChainStore runs migrations and returns the store.
func NewSQLiteChainStore(db *sql.DB) (*SQLiteChainStore, error) {
	s := &SQLiteChainStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteChainStore opens (or creates) the database at path.
func OpenSQLiteChainStore(path string) (*SQLiteChainStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite chain store: %w", err)
	}
	return NewSQLiteChainStore(db)
}

func (s *SQLiteChainStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS cascade_chains (
        chain_id TEXT PRIMARY KEY,
        root_event_id TEXT NOT NULL,
        status TEXT NOT NULL,
        depth INTEGER NOT NULL,
        breadth INTEGER NOT NULL,
        abort_reason TEXT,
        started_at DATETIME,
        ended_at DATETIME,
        events JSON NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// SaveChain upserts one finished chain.
func (s *SQLiteChainStore) SaveChain(ctx context.Context, chain *events.CascadeChain) error {
	eventsJSON, err := json.Marshal(chain.Events)
	if err != nil {
		return fmt.Errorf("marshal chain events: %w", err)
	}
	const query = `
        INSERT INTO cascade_chains
            (chain_id, root_event_id, status, depth, breadth, abort_reason, started_at, ended_at, events)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(chain_id) DO UPDATE SET
            status = excluded.status,
            depth = excluded.depth,
            breadth = excluded.breadth,
            abort_reason = excluded.abort_reason,
            ended_at = excluded.ended_at,
            events = excluded.events`
	_, err = s.db.ExecContext(ctx, query,
		chain.ID, chain.RootEventID, string(chain.Status), chain.Depth, chain.Breadth,
		chain.AbortReason, chain.StartedAt, chain.EndedAt, string(eventsJSON))
	if err != nil {
		return fmt.Errorf("save chain %s: %w", chain.ID, err)
	}
	return nil
}

// GetChain loads one persisted chain by id.
func (s *SQLiteChainStore) GetChain(ctx context.Context, chainID string) (*events.CascadeChain, error) {
	const query = `
        SELECT chain_id, root_event_id, status, depth, breadth, abort_reason, started_at, ended_at, events
        FROM cascade_chains WHERE chain_id = ?`
	row := s.db.QueryRowContext(ctx, query, chainID)

	var (
		chain      events.CascadeChain
		status     string
		reason     sql.NullString
		eventsJSON string
	)
	err := row.Scan(&chain.ID, &chain.RootEventID, &status, &chain.Depth, &chain.Breadth,
		&reason, &chain.StartedAt, &chain.EndedAt, &eventsJSON)
	if err != nil {
		return nil, fmt.Errorf("get chain %s: %w", chainID, err)
	}
	chain.Status = events.ChainStatus(status)
	chain.AbortReason = reason.String
	if err := json.Unmarshal([]byte(eventsJSON), &chain.Events); err != nil {
		return nil, fmt.Errorf("decode chain %s events: %w", chainID, err)
	}
	return &chain, nil
}

// Close releases the database handle.
func (s *SQLiteChainStore) Close() error {
	return s.db.Close()
}
