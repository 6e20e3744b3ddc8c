package broker

import (
	"time"
)

// ResourceKind identifies which class of resource backs a session.
type ResourceKind string

const (
	ResourceTuner      ResourceKind = "tuner"
	ResourceCredential ResourceKind = "credential"
)

// TunerStatus is the lifecycle state of a physical tuner.
type TunerStatus string

const (
	TunerAvailable   TunerStatus = "available"
	TunerBusy        TunerStatus = "busy"
	TunerFailed      TunerStatus = "failed"
	TunerMaintenance TunerStatus = "maintenance"
)

// Tuner is one physical HDHomeRun tuner. A busy tuner is tuned to exactly
// one channel and may carry any number of sessions for that channel.
// Invariant: Status == TunerBusy iff len(sessions) > 0 and TunedChannel != "".
type Tuner struct {
	ID           int
	TunedChannel string
	Status       TunerStatus
	FailureCount int
	LastActivity time.Time

	sessions map[string]struct{}
}

// CredentialSlot is one IPTV provider login with a fixed connection budget.
// Connections are counted, not shared per-channel.
type CredentialSlot struct {
	ID                int
	ProviderID        string
	MaxConnections    int
	ActiveConnections int
}

func (s *CredentialSlot) spare() int {
	return s.MaxConnections - s.ActiveConnections
}

// StreamSession is a viewer's live claim on a resource for one channel.
type StreamSession struct {
	ID            string       `json:"id"`
	Kind          ResourceKind `json:"resource_kind"`
	ResourceID    int          `json:"resource_id"`
	ChannelKey    string       `json:"channel_key"`
	UserID        string       `json:"user_id"`
	StreamURL     string       `json:"stream_url"`
	Priority      int          `json:"priority"`
	StartedAt     time.Time    `json:"started_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`

	shared bool
}

// SharedTuner reports whether this session attached to a tuner that was
// already tuned to its channel rather than claiming a fresh one.
func (s *StreamSession) SharedTuner() bool { return s.shared }

// QueueEntry is a pending channel request waiting for capacity.
type QueueEntry struct {
	UserID      string       `json:"user_id"`
	ChannelKey  string       `json:"channel_key"`
	Kind        ResourceKind `json:"resource_kind"`
	Priority    int          `json:"priority"`
	RequestedAt time.Time    `json:"requested_at"`

	seq       uint64
	cancelled bool
}

// Grant is the result of a successful admission decision. Either Session
// is set, or the request is waiting: a positive QueuePosition for a queued
// entry, position 0 for a promoted session whose stream URL is still being
// resolved (the caller re-polls to pick it up).
type Grant struct {
	Session       *StreamSession
	QueuePosition int
}

// Queued reports whether the request was parked rather than granted.
func (g *Grant) Queued() bool {
	return g.Session == nil
}

// TunerSnapshot is a copy-safe view of one tuner for status reporting.
type TunerSnapshot struct {
	ID           int         `json:"id"`
	Status       TunerStatus `json:"status"`
	TunedChannel string      `json:"tuned_channel,omitempty"`
	Viewers      int         `json:"viewers"`
	FailureCount int         `json:"failure_count,omitempty"`
	LastActivity time.Time   `json:"last_activity"`
}

// CredentialSnapshot is a copy-safe view of one credential slot.
type CredentialSnapshot struct {
	ID                int    `json:"id"`
	ProviderID        string `json:"provider_id"`
	MaxConnections    int    `json:"max_connections"`
	ActiveConnections int    `json:"active_connections"`
}

// Snapshot is the full observable broker state for UI polling.
type Snapshot struct {
	Tuners         []TunerSnapshot      `json:"tuners"`
	Credentials    []CredentialSnapshot `json:"credentials"`
	ActiveSessions []StreamSession      `json:"active_sessions"`
	QueueLength    int                  `json:"queue_length"`
	QueueLengths   map[ResourceKind]int `json:"queue_lengths"`
	ChannelMapping map[string]int       `json:"channel_mapping"`
	TakenAt        time.Time            `json:"taken_at"`
}

// Eviction describes a session torn down by a tuner failure, reported so
// the playback collaborator can retry on another resource.
type Eviction struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	ChannelKey string `json:"channel_key"`
	TunerID    int    `json:"tuner_id"`
}
