package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/goclaw/internal/subagents"
)

// SubagentStore is a subagents.RecordStore backed by Postgres. Unlike the
// registry's default fileStore, it lets more than one gateway process share
// the same run state, which the archival sweep needs to stay correct when
// deployed behind a load balancer.
//
// Each run is stored as a single jsonb row, keeping the same whole-record
// persistence shape as the file-backed store rather than splitting Record
// into columns, since the registry mutates and re-saves the entire record
// on every lifecycle transition anyway.
type SubagentStore struct {
	db *sqlx.DB
}

// NewSubagentStore wraps an open pool. Callers must first run the
// subagent_runs migration (CREATE TABLE IF NOT EXISTS subagent_runs (run_id
// text primary key, data jsonb not null, updated_at timestamptz not null)).
func NewSubagentStore(db *sqlx.DB) *SubagentStore {
	return &SubagentStore{db: db}
}

type subagentRow struct {
	RunID     string    `db:"run_id"`
	Data      []byte    `db:"data"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Load satisfies subagents.RecordStore.
func (s *SubagentStore) Load() (map[string]*subagents.Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var rows []subagentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT run_id, data, updated_at FROM subagent_runs`); err != nil {
		return nil, fmt.Errorf("pg: load subagent runs: %w", err)
	}

	out := make(map[string]*subagents.Record, len(rows))
	for _, row := range rows {
		var rec subagents.Record
		if err := json.Unmarshal(row.Data, &rec); err != nil {
			return nil, fmt.Errorf("pg: decode subagent run %s: %w", row.RunID, err)
		}
		out[row.RunID] = &rec
	}
	return out, nil
}

// Save satisfies subagents.RecordStore. It replaces the whole table contents
// to match the caller's wholesale-replace contract: rows not present in
// records are deleted, the rest are upserted.
func (s *SubagentStore) Save(records map[string]*subagents.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pg: save subagent runs: begin: %w", err)
	}
	defer tx.Rollback()

	keepIDs := make([]string, 0, len(records))
	now := nowUTC()
	for runID, rec := range records {
		data, err := jsonOrNull(rec)
		if err != nil {
			return fmt.Errorf("pg: encode subagent run %s: %w", runID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO subagent_runs (run_id, data, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (run_id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
		`, runID, data, now)
		if err != nil {
			return fmt.Errorf("pg: upsert subagent run %s: %w", runID, err)
		}
		keepIDs = append(keepIDs, runID)
	}

	if len(keepIDs) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subagent_runs`); err != nil {
			return fmt.Errorf("pg: clear subagent runs: %w", err)
		}
	} else if _, err := tx.ExecContext(ctx, `DELETE FROM subagent_runs WHERE NOT (run_id = ANY($1))`, keepIDs); err != nil {
		return fmt.Errorf("pg: prune subagent runs: %w", err)
	}

	return tx.Commit()
}
