package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"masthead/pkg/logging"
)

// Resolver turns an allocated (kind, channel, resource) triple into a
// playable stream URL and owns syntactic channel-key validation. Resolve
// may do network I/O; the broker only calls it outside its critical
// section, with the session optimistically reserved first.
type Resolver interface {
	ValidateChannel(kind ResourceKind, channelKey string) error
	Resolve(ctx context.Context, kind ResourceKind, channelKey string, resourceID int) (string, error)
}

// SessionStore is an optional persistence hook so sessions can survive a
// process restart. All calls happen outside the broker lock and are
// best-effort: the broker is correct with purely in-memory state.
type SessionStore interface {
	SaveSession(ctx context.Context, s *StreamSession) error
	DeleteSession(ctx context.Context, sessionID string) error
	LoadActive(ctx context.Context) ([]*StreamSession, error)
}

// EvictionFunc is notified for every session torn down by a tuner failure,
// so the playback collaborator can surface a retryable stream error.
type EvictionFunc func(ev Eviction)

// Config seeds the broker's fixed resource inventory.
type Config struct {
	// TunerCount is the number of physical tuners, IDs 1..TunerCount.
	TunerCount int
	// Credentials seeds the IPTV credential slots.
	Credentials []CredentialSlot
	// StaleThreshold ages out sessions with no heartbeat. Zero means the
	// default of 90s (3x the expected 30s heartbeat interval).
	StaleThreshold time.Duration
}

const DefaultStaleThreshold = 90 * time.Second

// Broker is the single serialization domain owning the resource registry,
// the session table and the wait queues. Every mutation of tuner,
// credential, session or queue state goes through its mutex; no caller
// may observe half-updated capacity counters.
type Broker struct {
	mu       sync.Mutex
	tuners   []*Tuner
	slots    []*CredentialSlot
	sessions map[string]*StreamSession
	queues   map[ResourceKind]*waitQueue
	seq      uint64

	staleThreshold time.Duration
	resolver       Resolver
	store          SessionStore
	onEvict        EvictionFunc
	logger         logging.Logger
}

// New builds a broker over the fixed inventory in cfg. The store and the
// eviction callback are optional.
func New(cfg Config, resolver Resolver, logger logging.Logger) *Broker {
	threshold := cfg.StaleThreshold
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}

	b := &Broker{
		sessions:       make(map[string]*StreamSession),
		queues:         map[ResourceKind]*waitQueue{ResourceTuner: newWaitQueue(), ResourceCredential: newWaitQueue()},
		staleThreshold: threshold,
		resolver:       resolver,
		logger:         logger,
	}

	for i := 1; i <= cfg.TunerCount; i++ {
		b.tuners = append(b.tuners, &Tuner{
			ID:       i,
			Status:   TunerAvailable,
			sessions: make(map[string]struct{}),
		})
	}
	for _, c := range cfg.Credentials {
		slot := c
		slot.ActiveConnections = 0
		b.slots = append(b.slots, &slot)
	}
	sort.Slice(b.slots, func(i, j int) bool { return b.slots[i].ID < b.slots[j].ID })

	return b
}

// SetStore attaches an optional session persistence hook.
func (b *Broker) SetStore(store SessionStore) { b.store = store }

// SetEvictionFunc registers the tuner-failure eviction callback.
func (b *Broker) SetEvictionFunc(fn EvictionFunc) { b.onEvict = fn }

// StaleThreshold reports the configured heartbeat staleness cutoff.
func (b *Broker) StaleThreshold() time.Duration { return b.staleThreshold }

// Request admits a channel-watch request: attach to an already-tuned
// tuner, claim a free resource, or queue. A user already holding a session
// for the channel gets that session back, which is also how clients pick
// up a promotion after having been queued. Priority: lower wins, equal
// priorities are strict FIFO.
func (b *Broker) Request(ctx context.Context, userID, channelKey string, kind ResourceKind, priority int) (*Grant, error) {
	if err := b.resolver.ValidateChannel(kind, channelKey); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidChannel, channelKey)
	}

	now := time.Now()

	b.mu.Lock()
	// Existing session for this user+channel rides along untouched. A
	// session still missing its stream URL is a promotion mid-resolve;
	// reporting it granted would hand the caller nothing playable, so it
	// stays pending (position 0) until the URL lands.
	for _, s := range b.sessions {
		if s.UserID == userID && s.ChannelKey == channelKey && s.Kind == kind {
			if s.StreamURL == "" {
				b.mu.Unlock()
				return &Grant{}, nil
			}
			granted := *s
			b.mu.Unlock()
			return &Grant{Session: &granted}, nil
		}
	}
	// Already queued: refresh the position instead of double-queueing.
	if pos := b.queues[kind].position(userID, channelKey); pos > 0 {
		b.mu.Unlock()
		return &Grant{QueuePosition: pos}, nil
	}

	if (kind == ResourceTuner && len(b.tuners) == 0) || (kind == ResourceCredential && len(b.slots) == 0) {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoCapacityConfigured, kind)
	}

	session, ok := b.allocateLocked(userID, channelKey, kind, priority, now)
	if !ok {
		b.seq++
		entry := &QueueEntry{
			UserID:      userID,
			ChannelKey:  channelKey,
			Kind:        kind,
			Priority:    priority,
			RequestedAt: now,
			seq:         b.seq,
		}
		b.queues[kind].push(entry)
		pos := b.queues[kind].position(userID, channelKey)
		b.mu.Unlock()

		b.logger.WithFields(logging.Fields{
			"user_id": userID, "channel": channelKey, "kind": kind, "position": pos,
		}).Info("Request queued, capacity exhausted")
		return &Grant{QueuePosition: pos}, nil
	}
	b.mu.Unlock()

	if err := b.finishGrant(ctx, session); err != nil {
		return nil, err
	}
	return &Grant{Session: session}, nil
}

// allocateLocked performs the capacity decision under the lock. It never
// queues; callers decide what to do when it reports no capacity.
func (b *Broker) allocateLocked(userID, channelKey string, kind ResourceKind, priority int, now time.Time) (*StreamSession, bool) {
	switch kind {
	case ResourceTuner:
		// Tuner sharing: ride a tuner already on this channel for free.
		for _, t := range b.tuners {
			if t.Status == TunerBusy && t.TunedChannel == channelKey {
				s := b.newSessionLocked(userID, channelKey, kind, t.ID, priority, now, t)
				s.shared = true
				return s, true
			}
		}
		for _, t := range b.tuners {
			if t.Status == TunerAvailable {
				t.TunedChannel = channelKey
				t.Status = TunerBusy
				return b.newSessionLocked(userID, channelKey, kind, t.ID, priority, now, t), true
			}
		}
		return nil, false
	case ResourceCredential:
		// Most spare capacity wins, ties broken by lowest slot ID. Slots
		// are kept sorted by ID so a plain scan with a strict > keeps the
		// tie-break for free.
		var best *CredentialSlot
		for _, s := range b.slots {
			if s.spare() <= 0 {
				continue
			}
			if best == nil || s.spare() > best.spare() {
				best = s
			}
		}
		if best == nil {
			return nil, false
		}
		best.ActiveConnections++
		return b.newSessionLocked(userID, channelKey, kind, best.ID, priority, now, nil), true
	}
	return nil, false
}

func (b *Broker) newSessionLocked(userID, channelKey string, kind ResourceKind, resourceID, priority int, now time.Time, t *Tuner) *StreamSession {
	s := &StreamSession{
		ID:            uuid.New().String(),
		Kind:          kind,
		ResourceID:    resourceID,
		ChannelKey:    channelKey,
		UserID:        userID,
		Priority:      priority,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	b.sessions[s.ID] = s
	if t != nil {
		t.sessions[s.ID] = struct{}{}
		t.LastActivity = now
	}
	return s
}

// finishGrant resolves the stream URL for an optimistically reserved
// session and rolls the reservation back if resolution fails.
func (b *Broker) finishGrant(ctx context.Context, session *StreamSession) error {
	url, err := b.resolver.Resolve(ctx, session.Kind, session.ChannelKey, session.ResourceID)
	if err != nil {
		b.logger.WithError(err).WithFields(logging.Fields{
			"session_id": session.ID, "channel": session.ChannelKey,
		}).Warn("Stream resolution failed, rolling back reservation")
		b.Release(session.ID)
		return fmt.Errorf("%w: resolve channel %s: %v", ErrResourceFailed, session.ChannelKey, err)
	}

	// session aliases b.sessions[session.ID]; the locked write is the only
	// mutation so concurrent Snapshot and re-request copies never race.
	b.mu.Lock()
	if live, ok := b.sessions[session.ID]; ok {
		live.StreamURL = url
	}
	b.mu.Unlock()

	b.persist(ctx, session)

	b.logger.WithFields(logging.Fields{
		"session_id": session.ID, "user_id": session.UserID,
		"channel": session.ChannelKey, "kind": session.Kind, "resource_id": session.ResourceID,
	}).Info("Session granted")
	return nil
}

// Release tears down a session and promotes the wait queue onto any freed
// capacity. Releasing an unknown or already-released ID is a no-op: the
// explicit release beacon and the liveness sweep may both fire for the
// same session.
func (b *Broker) Release(sessionID string) {
	now := time.Now()

	b.mu.Lock()
	var promoted []*StreamSession
	released := b.releaseLocked(sessionID, now, &promoted)
	b.mu.Unlock()

	if released {
		b.unpersist(sessionID)
		b.logger.WithField("session_id", sessionID).Info("Session released")
	}
	b.finishPromotions(promoted)
}

// releaseLocked removes the session and frees its resource. Promoted
// queue entries are appended for post-unlock URL resolution.
func (b *Broker) releaseLocked(sessionID string, now time.Time, promoted *[]*StreamSession) bool {
	s, ok := b.sessions[sessionID]
	if !ok {
		return false
	}
	delete(b.sessions, sessionID)

	switch s.Kind {
	case ResourceTuner:
		t := b.tunerByID(s.ResourceID)
		if t == nil {
			break
		}
		delete(t.sessions, sessionID)
		t.LastActivity = now
		if len(t.sessions) == 0 && t.Status == TunerBusy {
			t.Status = TunerAvailable
			t.TunedChannel = ""
			b.promoteLocked(ResourceTuner, now, promoted)
		}
	case ResourceCredential:
		if slot := b.slotByID(s.ResourceID); slot != nil && slot.ActiveConnections > 0 {
			slot.ActiveConnections--
			b.promoteLocked(ResourceCredential, now, promoted)
		}
	}
	return true
}

// promoteLocked drains the head of the class queue onto freed capacity.
// It keeps popping while allocation succeeds so that followers requesting
// the same channel attach to the freshly tuned tuner without consuming
// anything; the first entry that cannot be placed goes back to the front
// with its original priority and arrival order intact.
func (b *Broker) promoteLocked(kind ResourceKind, now time.Time, promoted *[]*StreamSession) {
	q := b.queues[kind]
	for {
		entry := q.pop()
		if entry == nil {
			return
		}
		session, ok := b.allocateLocked(entry.UserID, entry.ChannelKey, kind, entry.Priority, now)
		if !ok {
			q.pushFront(entry)
			return
		}
		*promoted = append(*promoted, session)
		b.logger.WithFields(logging.Fields{
			"user_id": entry.UserID, "channel": entry.ChannelKey,
			"kind": kind, "waited": now.Sub(entry.RequestedAt).String(),
		}).Info("Queued request promoted")
	}
}

// finishPromotions resolves stream URLs for promoted sessions outside the
// lock. A failed resolve releases the reservation, which in turn promotes
// the next queued entry.
func (b *Broker) finishPromotions(promoted []*StreamSession) {
	for _, s := range promoted {
		if err := b.finishGrant(context.Background(), s); err != nil {
			b.logger.WithError(err).WithFields(logging.Fields{
				"session_id": s.ID, "channel": s.ChannelKey,
			}).Warn("Promotion rolled back")
		}
	}
}

// Heartbeat renews a session's liveness. ErrSessionNotFound means the
// session was already reclaimed and the caller must re-request.
func (b *Broker) Heartbeat(sessionID string) error {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.LastHeartbeat = now
	if s.Kind == ResourceTuner {
		if t := b.tunerByID(s.ResourceID); t != nil {
			t.LastActivity = now
		}
	}
	return nil
}

// Withdraw cancels a still-queued request. Entries already promoted are
// unaffected; the caller releases the session instead. Always safe.
func (b *Broker) Withdraw(userID, channelKey string) {
	b.mu.Lock()
	cancelled := b.queues[ResourceTuner].cancel(userID, channelKey) ||
		b.queues[ResourceCredential].cancel(userID, channelKey)
	b.mu.Unlock()

	if cancelled {
		b.logger.WithFields(logging.Fields{
			"user_id": userID, "channel": channelKey,
		}).Info("Queued request withdrawn")
	}
}

// MarkTunerFailed takes a tuner out of rotation and evicts every rider.
// The queue is deliberately not promoted onto the failed tuner; it stays
// failed until MarkTunerRecovered arrives from the health probe.
func (b *Broker) MarkTunerFailed(tunerID int) ([]Eviction, error) {
	now := time.Now()

	b.mu.Lock()
	t := b.tunerByID(tunerID)
	if t == nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrUnknownTuner, tunerID)
	}

	var evictions []Eviction
	for sessionID := range t.sessions {
		if s, ok := b.sessions[sessionID]; ok {
			evictions = append(evictions, Eviction{
				SessionID:  s.ID,
				UserID:     s.UserID,
				ChannelKey: s.ChannelKey,
				TunerID:    tunerID,
			})
			delete(b.sessions, sessionID)
		}
		delete(t.sessions, sessionID)
	}
	t.Status = TunerFailed
	t.TunedChannel = ""
	t.FailureCount++
	t.LastActivity = now
	b.mu.Unlock()

	for _, ev := range evictions {
		b.unpersist(ev.SessionID)
		if b.onEvict != nil {
			b.onEvict(ev)
		}
	}

	b.logger.WithFields(logging.Fields{
		"tuner_id": tunerID, "evicted": len(evictions),
	}).Warn("Tuner marked failed")
	return evictions, nil
}

// MarkTunerRecovered returns a failed (or maintenance) tuner to service
// and immediately offers it to the wait queue.
func (b *Broker) MarkTunerRecovered(tunerID int) error {
	now := time.Now()

	b.mu.Lock()
	t := b.tunerByID(tunerID)
	if t == nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownTuner, tunerID)
	}
	var promoted []*StreamSession
	if t.Status == TunerFailed || t.Status == TunerMaintenance {
		t.Status = TunerAvailable
		t.TunedChannel = ""
		t.LastActivity = now
		b.promoteLocked(ResourceTuner, now, &promoted)
	}
	b.mu.Unlock()

	b.logger.WithField("tuner_id", tunerID).Info("Tuner recovered")
	b.finishPromotions(promoted)
	return nil
}

// Sweep reclaims every session whose heartbeat is older than the stale
// threshold, exactly as if the client had released it. This is the
// fallback for crashed tabs and lost networks; staleness is a pure
// function of (now, lastHeartbeat, threshold).
func (b *Broker) Sweep(now time.Time) int {
	b.mu.Lock()
	var stale []string
	for id, s := range b.sessions {
		if now.Sub(s.LastHeartbeat) > b.staleThreshold {
			stale = append(stale, id)
		}
	}
	var promoted []*StreamSession
	for _, id := range stale {
		b.releaseLocked(id, now, &promoted)
	}
	b.mu.Unlock()

	for _, id := range stale {
		b.unpersist(id)
	}
	if len(stale) > 0 {
		b.logger.WithFields(logging.Fields{
			"reclaimed": len(stale), "stale_threshold": b.staleThreshold.String(),
		}).Info("Liveness sweep reclaimed stale sessions")
	}
	b.finishPromotions(promoted)
	return len(stale)
}

// Rehydrate re-seats persisted sessions after a restart. Sessions whose
// heartbeat already aged out, or whose recorded resource can no longer
// take them, are dropped from the store instead.
func (b *Broker) Rehydrate(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	stored, err := b.store.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("load persisted sessions: %w", err)
	}

	now := time.Now()
	var seated, dropped int

	b.mu.Lock()
	for _, s := range stored {
		if now.Sub(s.LastHeartbeat) > b.staleThreshold || !b.reseatLocked(s) {
			dropped++
			continue
		}
		b.sessions[s.ID] = s
		seated++
	}
	b.mu.Unlock()

	for _, s := range stored {
		if _, ok := b.lookup(s.ID); !ok {
			b.unpersist(s.ID)
		}
	}

	b.logger.WithFields(logging.Fields{
		"seated": seated, "dropped": dropped,
	}).Info("Rehydrated sessions from store")
	return nil
}

func (b *Broker) reseatLocked(s *StreamSession) bool {
	switch s.Kind {
	case ResourceTuner:
		t := b.tunerByID(s.ResourceID)
		if t == nil {
			return false
		}
		switch {
		case t.Status == TunerAvailable:
			t.Status = TunerBusy
			t.TunedChannel = s.ChannelKey
		case t.Status == TunerBusy && t.TunedChannel == s.ChannelKey:
		default:
			return false
		}
		t.sessions[s.ID] = struct{}{}
		return true
	case ResourceCredential:
		slot := b.slotByID(s.ResourceID)
		if slot == nil || slot.spare() <= 0 {
			return false
		}
		slot.ActiveConnections++
		return true
	}
	return false
}

// Snapshot returns a consistent copy of the observable broker state.
func (b *Broker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		QueueLengths:   make(map[ResourceKind]int, len(b.queues)),
		ChannelMapping: make(map[string]int),
		TakenAt:        time.Now(),
	}
	for _, t := range b.tuners {
		snap.Tuners = append(snap.Tuners, TunerSnapshot{
			ID:           t.ID,
			Status:       t.Status,
			TunedChannel: t.TunedChannel,
			Viewers:      len(t.sessions),
			FailureCount: t.FailureCount,
			LastActivity: t.LastActivity,
		})
		if t.Status == TunerBusy {
			snap.ChannelMapping[t.TunedChannel] = t.ID
		}
	}
	for _, s := range b.slots {
		snap.Credentials = append(snap.Credentials, CredentialSnapshot{
			ID:                s.ID,
			ProviderID:        s.ProviderID,
			MaxConnections:    s.MaxConnections,
			ActiveConnections: s.ActiveConnections,
		})
	}
	for _, s := range b.sessions {
		snap.ActiveSessions = append(snap.ActiveSessions, *s)
	}
	sort.Slice(snap.ActiveSessions, func(i, j int) bool {
		return snap.ActiveSessions[i].StartedAt.Before(snap.ActiveSessions[j].StartedAt)
	})
	for kind, q := range b.queues {
		snap.QueueLengths[kind] = q.len()
		snap.QueueLength += q.len()
	}
	return snap
}

func (b *Broker) lookup(sessionID string) (*StreamSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	return s, ok
}

func (b *Broker) tunerByID(id int) *Tuner {
	if id < 1 || id > len(b.tuners) {
		return nil
	}
	return b.tuners[id-1]
}

func (b *Broker) slotByID(id int) *CredentialSlot {
	for _, s := range b.slots {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (b *Broker) persist(ctx context.Context, s *StreamSession) {
	if b.store == nil {
		return
	}
	if err := b.store.SaveSession(ctx, s); err != nil {
		b.logger.WithError(err).WithField("session_id", s.ID).Warn("Failed to persist session")
	}
}

func (b *Broker) unpersist(sessionID string) {
	if b.store == nil {
		return
	}
	if err := b.store.DeleteSession(context.Background(), sessionID); err != nil {
		b.logger.WithError(err).WithField("session_id", sessionID).Warn("Failed to remove persisted session")
	}
}
