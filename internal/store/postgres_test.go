package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"masthead/internal/broker"
	"masthead/pkg/logging"
)

func setupMockDB(t *testing.T) (*PostgresSessionStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresSessionStore(db, logging.NewLogger()), mock
}

func TestPostgresSessionStore_SaveSession(t *testing.T) {
	store, mock := setupMockDB(t)

	now := time.Now()
	sess := &broker.StreamSession{
		ID:            "sess-1",
		Kind:          broker.ResourceTuner,
		ResourceID:    2,
		ChannelKey:    "10.1",
		UserID:        "alice",
		StreamURL:     "http://hdhr.local:5004/auto/v10.1",
		StartedAt:     now,
		LastHeartbeat: now,
	}

	mock.ExpectExec("INSERT INTO masthead_sessions").
		WithArgs("sess-1", "tuner", 2, "10.1", "alice", sess.StreamURL, 0, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SaveSession(context.Background(), sess))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSessionStore_DeleteSession(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectExec("DELETE FROM masthead_sessions").
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.DeleteSession(context.Background(), "sess-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSessionStore_LoadActive(t *testing.T) {
	store, mock := setupMockDB(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "resource_kind", "resource_id", "channel_key", "user_id",
		"stream_url", "priority", "started_at", "last_heartbeat",
	}).
		AddRow("sess-1", "tuner", 1, "10.1", "alice", "http://x/1", 0, now, now).
		AddRow("sess-2", "credential", 3, "52431", "bob", "http://x/2", 5, now, now)

	mock.ExpectQuery("SELECT (.+) FROM masthead_sessions").WillReturnRows(rows)

	sessions, err := store.LoadActive(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, broker.ResourceTuner, sessions[0].Kind)
	assert.Equal(t, 1, sessions[0].ResourceID)
	assert.Equal(t, "alice", sessions[0].UserID)
	assert.Equal(t, broker.ResourceCredential, sessions[1].Kind)
	assert.Equal(t, 5, sessions[1].Priority)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSessionStore_QueryMetrics(t *testing.T) {
	store, mock := setupMockDB(t)

	qm := &QueryMetrics{
		Queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "db_queries_total"},
			[]string{"query_type", "status"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "db_query_duration_seconds"},
			[]string{"query_type"},
		),
	}
	store.SetMetrics(qm)

	mock.ExpectExec("DELETE FROM masthead_sessions").
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM masthead_sessions").
		WillReturnError(context.DeadlineExceeded)

	require.NoError(t, store.DeleteSession(context.Background(), "sess-1"))
	_, err := store.LoadActive(context.Background())
	require.Error(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(qm.Queries.WithLabelValues("delete", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(qm.Queries.WithLabelValues("load", "error")))
	assert.Equal(t, float64(0), testutil.ToFloat64(qm.Queries.WithLabelValues("save", "success")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSessionStore_EnsureSchema(t *testing.T) {
	store, mock := setupMockDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS masthead_sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
