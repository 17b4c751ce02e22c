package statestore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/dalston/internal/platform/apierr"
)

const sessionColumns = `id, tenant_id, status, worker_id, language, model, encoding,
	sample_rate, audio_duration_seconds, segment_count, word_count,
	retention_days, purge_after, purged_at, started_at, ended_at`

// CreateSessionParams is the durable record created at WebSocket accept
// (spec §3.6), before the Session Router has chosen a worker.
type CreateSessionParams struct {
	TenantID      string
	Language      string
	Model         string
	Encoding      string
	SampleRate    int
	RetentionDays int
}

// CreateSession inserts a new realtime_sessions row in status active.
func (s *Store) CreateSession(ctx context.Context, params CreateSessionParams) (*RealtimeSession, error) {
	session := &RealtimeSession{
		ID:            uuid.NewString(),
		TenantID:      params.TenantID,
		Status:        SessionActive,
		Language:      params.Language,
		Model:         params.Model,
		Encoding:      params.Encoding,
		SampleRate:    params.SampleRate,
		RetentionDays: params.RetentionDays,
		StartedAt:     time.Now().UTC(),
	}

	const query = `
		INSERT INTO realtime_sessions (id, tenant_id, status, language, model,
			encoding, sample_rate, retention_days, started_at)
		VALUES (:id, :tenant_id, :status, :language, :model, :encoding,
			:sample_rate, :retention_days, :started_at)`

	if err := sqlxNamedExec(ctx, s.ext(ctx), query, session); err != nil {
		return nil, apierr.TransientIO("statestore.create_session", err)
	}
	return session, nil
}

// AssignSessionWorker records which worker the Session Router allocated.
func (s *Store) AssignSessionWorker(ctx context.Context, sessionID, workerID string) error {
	query := `UPDATE realtime_sessions SET worker_id = $1 WHERE id = $2`
	ext := s.ext(ctx)
	if _, err := ext.ExecContext(ctx, ext.Rebind(query), workerID, sessionID); err != nil {
		return apierr.TransientIO("statestore.assign_session_worker", err)
	}
	return nil
}

// GetSession loads a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*RealtimeSession, error) {
	var session RealtimeSession
	query := `SELECT ` + sessionColumns + ` FROM realtime_sessions WHERE id = $1`
	if err := sqlxGet(ctx, s.ext(ctx), &session, query, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFound("session", sessionID)
		}
		return nil, apierr.TransientIO("statestore.get_session", err)
	}
	return &session, nil
}

// SessionStats carries the Session Router's heartbeat-reported counters.
type SessionStats struct {
	AudioDurationSeconds float64
	SegmentCount         int
	WordCount            int
}

// UpdateSessionStats applies the latest heartbeat stats for a session.
func (s *Store) UpdateSessionStats(ctx context.Context, sessionID string, stats SessionStats) error {
	query := `
		UPDATE realtime_sessions SET audio_duration_seconds = $1, segment_count = $2, word_count = $3
		WHERE id = $4 AND status = $5`
	ext := s.ext(ctx)
	if _, err := ext.ExecContext(ctx, ext.Rebind(query), stats.AudioDurationSeconds, stats.SegmentCount, stats.WordCount, sessionID, SessionActive); err != nil {
		return apierr.TransientIO("statestore.update_session_stats", err)
	}
	return nil
}

// EndSession finalizes a session with a terminal status (completed, error,
// or interrupted — the latter set by the Session Router's health monitor
// when the owning worker disappears). retentionDays follows the integer
// retention model (0 transient, -1 forever, N days) per spec §4.7.
func (s *Store) EndSession(ctx context.Context, sessionID string, status SessionStatus, retentionDays int) error {
	now := time.Now().UTC()
	purgeAfter := retentionPurgeAfter(retentionDays, now)
	query := `
		UPDATE realtime_sessions SET status = $1, ended_at = $2, purge_after = $3
		WHERE id = $4 AND status = $5`
	ext := s.ext(ctx)
	res, err := ext.ExecContext(ctx, ext.Rebind(query), status, now, purgeAfter, sessionID, SessionActive)
	if err != nil {
		return apierr.TransientIO("statestore.end_session", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.AlreadyTerminal(sessionID)
	}
	return nil
}

// retentionPurgeAfter derives a purge deadline from the integer retention
// model shared by jobs and sessions: 0 => transient (purge now), -1 =>
// forever (nil), N => completedAt + N days.
func retentionPurgeAfter(retentionDays int, completedAt time.Time) *time.Time {
	switch {
	case retentionDays == 0:
		t := completedAt
		return &t
	case retentionDays < 0:
		return nil
	default:
		t := completedAt.AddDate(0, 0, retentionDays)
		return &t
	}
}

// ListActiveSessionsForWorker returns every active session a worker hosts,
// used by the Session Router's health monitor to interrupt them en masse
// when the worker's heartbeat expires (spec §4.6).
func (s *Store) ListActiveSessionsForWorker(ctx context.Context, workerID string) ([]RealtimeSession, error) {
	var sessions []RealtimeSession
	query := `SELECT ` + sessionColumns + ` FROM realtime_sessions WHERE worker_id = $1 AND status = $2`
	if err := sqlxSelect(ctx, s.ext(ctx), &sessions, query, workerID, SessionActive); err != nil {
		return nil, apierr.TransientIO("statestore.list_active_sessions_for_worker", err)
	}
	return sessions, nil
}

// ListPurgeableSessions returns sessions due for retention purge (spec §4.7).
func (s *Store) ListPurgeableSessions(ctx context.Context, limit int) ([]RealtimeSession, error) {
	var sessions []RealtimeSession
	query := `SELECT ` + sessionColumns + ` FROM realtime_sessions
		WHERE purge_after IS NOT NULL AND purge_after <= $1 AND purged_at IS NULL
		ORDER BY purge_after ASC LIMIT $2`
	if err := sqlxSelect(ctx, s.ext(ctx), &sessions, query, time.Now().UTC(), limit); err != nil {
		return nil, apierr.TransientIO("statestore.list_purgeable_sessions", err)
	}
	return sessions, nil
}

// MarkSessionPurged sets purged_at for a session whose retained fields have
// been scrubbed.
func (s *Store) MarkSessionPurged(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	query := `UPDATE realtime_sessions SET purged_at = $1 WHERE id = $2`
	ext := s.ext(ctx)
	if _, err := ext.ExecContext(ctx, ext.Rebind(query), now, sessionID); err != nil {
		return apierr.TransientIO("statestore.mark_session_purged", err)
	}
	return nil
}
