// Package capability provides an optional durable backing store for
// domain.CapabilityProfile, so an agent's learned per-tag confidence
// and success-rate history survives a process restart instead of
// resetting with the in-memory internal/taskgraph.Graph it
// supplements. Binding this store is optional: callers without
// DATABASE_URL configured simply never construct one, and
// taskgraph.Graph's in-memory tracking is unaffected either way.
//
// Grounded on the teacher's internal/store/helpers.go (BaseStore,
// pgx.CollectRows generic row scanning) and internal/store/task_ack.go
// (single-table UPSERT ... RETURNING pattern) — adapted from a
// 12-column task-acknowledgement table to a two-JSONB-column
// capability profile.
package capability

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentcore/agentcore/internal/domain"
	apperrors "github.com/agentcore/agentcore/pkg/errors"
	"github.com/agentcore/agentcore/pkg/logger"
)

// Store persists CapabilityProfile rows to Postgres via pgx.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against connStr and ensures the backing table
// exists. A single optional table doesn't warrant the teacher's
// directory-of-.sql-files migration runner (internal/database in the
// teacher repo); the one DDL statement this package needs is inlined
// here instead (see DESIGN.md).
func Connect(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, apperrors.Wrap(err, "capability.Connect", "create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.Wrap(err, "capability.Connect", "ping")
	}
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("capability: connected durable profile store")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS capability_profiles (
			agent_id        TEXT PRIMARY KEY,
			capabilities    JSONB NOT NULL DEFAULT '{}'::jsonb,
			success_rate    JSONB NOT NULL DEFAULT '{}'::jsonb,
			total_completed INT NOT NULL DEFAULT 0,
			total_failed    INT NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return apperrors.Wrap(err, "capability.ensureSchema", "create table")
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

const profileCols = `agent_id, capabilities, success_rate, total_completed, total_failed`

type profileRow struct {
	AgentID        string
	Capabilities   []byte
	SuccessRate    []byte
	TotalCompleted int
	TotalFailed    int
}

func rowToProfile(r profileRow) (*domain.CapabilityProfile, error) {
	p := &domain.CapabilityProfile{
		AgentID:        r.AgentID,
		TotalCompleted: r.TotalCompleted,
		TotalFailed:    r.TotalFailed,
	}
	if err := json.Unmarshal(r.Capabilities, &p.Capabilities); err != nil {
		return nil, apperrors.Wrap(err, "capability.rowToProfile", "unmarshal capabilities")
	}
	if err := json.Unmarshal(r.SuccessRate, &p.SuccessRate); err != nil {
		return nil, apperrors.Wrap(err, "capability.rowToProfile", "unmarshal successRate")
	}
	return p, nil
}

// Save upserts the full profile, overwriting any prior row for the
// same agent.
func (s *Store) Save(ctx context.Context, p *domain.CapabilityProfile) error {
	caps, err := json.Marshal(p.Capabilities)
	if err != nil {
		return apperrors.Wrap(err, "capability.Save", "marshal capabilities")
	}
	rates, err := json.Marshal(p.SuccessRate)
	if err != nil {
		return apperrors.Wrap(err, "capability.Save", "marshal successRate")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO capability_profiles (agent_id, capabilities, success_rate, total_completed, total_failed)
		VALUES ($1, $2::jsonb, $3::jsonb, $4, $5)
		ON CONFLICT (agent_id) DO UPDATE SET
			capabilities = EXCLUDED.capabilities,
			success_rate = EXCLUDED.success_rate,
			total_completed = EXCLUDED.total_completed,
			total_failed = EXCLUDED.total_failed,
			updated_at = NOW()
	`, p.AgentID, string(caps), string(rates), p.TotalCompleted, p.TotalFailed)
	if err != nil {
		return apperrors.Wrap(err, "capability.Save", "upsert")
	}
	return nil
}

// Load returns agentID's persisted profile, or (nil, nil) if none.
func (s *Store) Load(ctx context.Context, agentID string) (*domain.CapabilityProfile, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+profileCols+` FROM capability_profiles WHERE agent_id = $1`, agentID)
	var r profileRow
	err := row.Scan(&r.AgentID, &r.Capabilities, &r.SuccessRate, &r.TotalCompleted, &r.TotalFailed)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, "capability.Load", "scan")
	}
	return rowToProfile(r)
}

// LoadAll returns every persisted profile, used to warm
// taskgraph.Graph's in-memory map at startup.
func (s *Store) LoadAll(ctx context.Context) ([]*domain.CapabilityProfile, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+profileCols+` FROM capability_profiles`)
	if err != nil {
		return nil, apperrors.Wrap(err, "capability.LoadAll", "query")
	}
	defer rows.Close()

	var out []*domain.CapabilityProfile
	for rows.Next() {
		var r profileRow
		if err := rows.Scan(&r.AgentID, &r.Capabilities, &r.SuccessRate, &r.TotalCompleted, &r.TotalFailed); err != nil {
			return nil, apperrors.Wrap(err, "capability.LoadAll", "scan")
		}
		p, err := rowToProfile(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "capability.LoadAll", "rows")
	}
	return out, nil
}

// Delete removes agentID's persisted profile, if any.
func (s *Store) Delete(ctx context.Context, agentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM capability_profiles WHERE agent_id = $1`, agentID)
	if err != nil {
		return apperrors.Wrap(err, "capability.Delete", "delete")
	}
	return nil
}
