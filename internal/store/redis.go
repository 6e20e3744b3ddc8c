package store

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"masthead/internal/broker"
	"masthead/pkg/logging"
	pkgredis "masthead/pkg/redis"
)

// SessionEventType labels a session lifecycle broadcast.
type SessionEventType string

const (
	SessionGranted  SessionEventType = "granted"
	SessionReleased SessionEventType = "released"
)

// SessionEvent is published on every session grant and release so UI
// layers can push "now watching" updates instead of polling /v1/status.
type SessionEvent struct {
	Type       SessionEventType `json:"type"`
	SessionID  string           `json:"session_id"`
	UserID     string           `json:"user_id,omitempty"`
	ChannelKey string           `json:"channel_key,omitempty"`
}

const sessionEventsChannel = "masthead:session_events"

// RedisSessionStore keeps session records in Redis as JSON blobs and
// broadcasts lifecycle events over pub/sub. Like the Postgres store it is
// a best-effort mirror of the broker's in-memory truth.
type RedisSessionStore struct {
	client goredis.UniversalClient
	pubsub *pkgredis.TypedPubSub[SessionEvent]
	logger logging.Logger
}

func NewRedisSessionStore(client goredis.UniversalClient, logger logging.Logger) *RedisSessionStore {
	return &RedisSessionStore{
		client: client,
		pubsub: pkgredis.NewTypedPubSub[SessionEvent](client),
		logger: logger,
	}
}

func (r *RedisSessionStore) key(sessionID string) string {
	return "masthead:sessions:" + sessionID
}

func (r *RedisSessionStore) SaveSession(ctx context.Context, sess *broker.StreamSession) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	if err := r.client.Set(ctx, r.key(sess.ID), payload, 0).Err(); err != nil {
		return fmt.Errorf("store session %s: %w", sess.ID, err)
	}
	r.publish(ctx, SessionEvent{
		Type:       SessionGranted,
		SessionID:  sess.ID,
		UserID:     sess.UserID,
		ChannelKey: sess.ChannelKey,
	})
	return nil
}

func (r *RedisSessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	r.publish(ctx, SessionEvent{Type: SessionReleased, SessionID: sessionID})
	return nil
}

func (r *RedisSessionStore) LoadActive(ctx context.Context) ([]*broker.StreamSession, error) {
	var (
		sessions []*broker.StreamSession
		cursor   uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, "masthead:sessions:*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}
		for _, key := range keys {
			value, err := r.client.Get(ctx, key).Result()
			if err != nil {
				r.logger.WithError(err).WithField("key", key).Warn("Failed to GET session during scan")
				continue
			}
			var sess broker.StreamSession
			if err := json.Unmarshal([]byte(value), &sess); err != nil {
				r.logger.WithError(err).WithField("key", key).Warn("Failed to parse session during scan")
				continue
			}
			sessions = append(sessions, &sess)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return sessions, nil
}

// SubscribeEvents delivers session lifecycle events until ctx is done.
func (r *RedisSessionStore) SubscribeEvents(ctx context.Context, handler func(SessionEvent)) error {
	return r.pubsub.Subscribe(ctx, sessionEventsChannel, handler)
}

func (r *RedisSessionStore) publish(ctx context.Context, ev SessionEvent) {
	if err := r.pubsub.Publish(ctx, sessionEventsChannel, ev); err != nil {
		r.logger.WithError(err).WithField("session_id", ev.SessionID).Debug("Failed to publish session event")
	}
}
