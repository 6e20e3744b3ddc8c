package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"masthead/internal/broker"
	"masthead/pkg/logging"
)

// QueryMetrics instruments the session table's queries, labelled by
// query type (save, delete, load, schema) and outcome.
type QueryMetrics struct {
	Queries  *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// PostgresSessionStore persists broker sessions so they survive a process
// restart. Writes happen outside the broker's critical section and are
// best-effort; the broker stays correct in-memory if the database is down.
type PostgresSessionStore struct {
	db      *sql.DB
	logger  logging.Logger
	metrics *QueryMetrics
}

func NewPostgresSessionStore(db *sql.DB, logger logging.Logger) *PostgresSessionStore {
	return &PostgresSessionStore{db: db, logger: logger}
}

// SetMetrics attaches optional query instrumentation.
func (s *PostgresSessionStore) SetMetrics(m *QueryMetrics) { s.metrics = m }

func (s *PostgresSessionStore) observe(queryType string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.Queries.WithLabelValues(queryType, status).Inc()
	s.metrics.Duration.WithLabelValues(queryType).Observe(time.Since(start).Seconds())
}

// EnsureSchema creates the sessions table when it does not exist yet.
func (s *PostgresSessionStore) EnsureSchema(ctx context.Context) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS masthead_sessions (
			id             TEXT PRIMARY KEY,
			resource_kind  TEXT        NOT NULL,
			resource_id    INTEGER     NOT NULL,
			channel_key    TEXT        NOT NULL,
			user_id        TEXT        NOT NULL,
			stream_url     TEXT        NOT NULL DEFAULT '',
			priority       INTEGER     NOT NULL DEFAULT 0,
			started_at     TIMESTAMPTZ NOT NULL,
			last_heartbeat TIMESTAMPTZ NOT NULL
		)`)
	s.observe("schema", start, err)
	if err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) SaveSession(ctx context.Context, sess *broker.StreamSession) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO masthead_sessions
			(id, resource_kind, resource_id, channel_key, user_id, stream_url, priority, started_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			stream_url = EXCLUDED.stream_url,
			last_heartbeat = EXCLUDED.last_heartbeat`,
		sess.ID, string(sess.Kind), sess.ResourceID, sess.ChannelKey, sess.UserID,
		sess.StreamURL, sess.Priority, sess.StartedAt, sess.LastHeartbeat)
	s.observe("save", start, err)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *PostgresSessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `DELETE FROM masthead_sessions WHERE id = $1`, sessionID)
	s.observe("delete", start, err)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *PostgresSessionStore) LoadActive(ctx context.Context) ([]*broker.StreamSession, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_kind, resource_id, channel_key, user_id, stream_url, priority, started_at, last_heartbeat
		FROM masthead_sessions`)
	s.observe("load", start, err)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*broker.StreamSession
	for rows.Next() {
		var sess broker.StreamSession
		var kind string
		if err := rows.Scan(&sess.ID, &kind, &sess.ResourceID, &sess.ChannelKey, &sess.UserID,
			&sess.StreamURL, &sess.Priority, &sess.StartedAt, &sess.LastHeartbeat); err != nil {
			s.logger.WithError(err).Warn("Skipping unreadable session row")
			continue
		}
		sess.Kind = broker.ResourceKind(kind)
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}
