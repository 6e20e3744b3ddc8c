package masthead

import "time"

// RequestChannelRequest is the typed payload for a channel-watch request.
type RequestChannelRequest struct {
	UserID       string `json:"user_id"`
	ChannelKey   string `json:"channel_key"`
	ResourceKind string `json:"resource_kind,omitempty"` // "tuner" (default) or "credential"
	Priority     int    `json:"priority,omitempty"`      // lower = higher priority
}

// RequestChannelResponse is returned for both granted and queued outcomes.
type RequestChannelResponse struct {
	Status    string `json:"status"` // "granted" or "queued"
	SessionID string `json:"session_id,omitempty"`
	StreamURL string `json:"stream_url,omitempty"`
	Position  int    `json:"position,omitempty"` // 1-based, "N ahead of you" = Position-1; absent/0 while a promoted grant finalizes
}

// HeartbeatResponse acknowledges a session liveness renewal.
type HeartbeatResponse struct {
	Status string `json:"status"` // "ok"
}

// ReleaseResponse acknowledges a release; always "ok", release is idempotent.
type ReleaseResponse struct {
	Status string `json:"status"`
}

// WithdrawRequest cancels a queued channel request.
type WithdrawRequest struct {
	UserID     string `json:"user_id"`
	ChannelKey string `json:"channel_key"`
}

// TunerSignalResponse acknowledges a tuner failed/recovered signal.
type TunerSignalResponse struct {
	Status  string `json:"status"`
	TunerID int    `json:"tuner_id"`
	Evicted int    `json:"evicted,omitempty"`
}

// TunerStatus describes one tuner in the status snapshot.
type TunerStatus struct {
	ID           int       `json:"id"`
	Status       string    `json:"status"`
	TunedChannel string    `json:"tuned_channel,omitempty"`
	Viewers      int       `json:"viewers"`
	FailureCount int       `json:"failure_count,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// CredentialStatus describes one IPTV credential slot in the snapshot.
type CredentialStatus struct {
	ID                int    `json:"id"`
	ProviderID        string `json:"provider_id"`
	MaxConnections    int    `json:"max_connections"`
	ActiveConnections int    `json:"active_connections"`
}

// SessionStatus describes one active viewer session in the snapshot.
type SessionStatus struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	ChannelKey    string    `json:"channel_key"`
	ResourceKind  string    `json:"resource_kind"`
	ResourceID    int       `json:"resource_id"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// StatusResponse is the read-only broker snapshot for observability/UI polling.
type StatusResponse struct {
	Tuners         []TunerStatus      `json:"tuners"`
	Credentials    []CredentialStatus `json:"credentials"`
	ActiveSessions []SessionStatus    `json:"active_sessions"`
	QueueLength    int                `json:"queue_length"`
	QueueLengths   map[string]int     `json:"queue_lengths"`
	ChannelMapping map[string]int     `json:"channel_mapping"`
	TakenAt        time.Time          `json:"taken_at"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}
