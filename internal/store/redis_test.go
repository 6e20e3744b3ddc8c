package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"masthead/internal/broker"
	"masthead/pkg/logging"
)

func testRedisStore(t *testing.T) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionStore(client, logging.NewLogger()), mr
}

func TestRedisSessionStore_SaveLoadDelete(t *testing.T) {
	store, mr := testRedisStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	sess := &broker.StreamSession{
		ID:            "sess-1",
		Kind:          broker.ResourceCredential,
		ResourceID:    2,
		ChannelKey:    "52431",
		UserID:        "alice",
		StreamURL:     "http://iptv.example.com/live/u/p/52431.m3u8",
		StartedAt:     now,
		LastHeartbeat: now,
	}
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if !mr.Exists("masthead:sessions:sess-1") {
		t.Fatal("session key missing in redis")
	}

	loaded, err := store.LoadActive(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 session, got %d", len(loaded))
	}
	got := loaded[0]
	if got.ID != sess.ID || got.Kind != sess.Kind || got.ResourceID != sess.ResourceID ||
		got.ChannelKey != sess.ChannelKey || got.StreamURL != sess.StreamURL {
		t.Errorf("loaded session mismatched: %+v", got)
	}

	if err := store.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if mr.Exists("masthead:sessions:sess-1") {
		t.Error("session key should be gone")
	}
	// Deleting again is harmless.
	if err := store.DeleteSession(ctx, "sess-1"); err != nil {
		t.Errorf("repeat delete should be a no-op: %v", err)
	}
}

func TestRedisSessionStore_LoadSkipsGarbage(t *testing.T) {
	store, mr := testRedisStore(t)
	ctx := context.Background()

	if err := mr.Set("masthead:sessions:bad", "not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.SaveSession(ctx, &broker.StreamSession{
		ID: "good", Kind: broker.ResourceTuner, ResourceID: 1, ChannelKey: "10.1", UserID: "bob",
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := store.LoadActive(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "good" {
		t.Fatalf("expected only the parseable session, got %+v", loaded)
	}
}

func TestRedisSessionStore_PublishesLifecycleEvents(t *testing.T) {
	store, _ := testRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan SessionEvent, 4)
	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = store.SubscribeEvents(ctx, func(ev SessionEvent) { events <- ev })
	}()
	<-ready
	// Give the subscriber a beat to register before publishing.
	time.Sleep(50 * time.Millisecond)

	if err := store.SaveSession(ctx, &broker.StreamSession{
		ID: "sess-1", Kind: broker.ResourceTuner, ResourceID: 1, ChannelKey: "10.1", UserID: "alice",
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	want := []SessionEventType{SessionGranted, SessionReleased}
	for _, wantType := range want {
		select {
		case ev := <-events:
			if ev.Type != wantType || ev.SessionID != "sess-1" {
				t.Errorf("expected %s for sess-1, got %+v", wantType, ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", wantType)
		}
	}
}
