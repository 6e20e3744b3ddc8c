package broker

import "errors"

// Allocation and session errors surfaced to callers. Handlers map these to
// HTTP status codes with errors.Is; everything else is a 500.
var (
	// ErrNoCapacityConfigured means zero resources of the requested kind
	// exist. Fatal for the request: not queued, not retried.
	ErrNoCapacityConfigured = errors.New("no capacity configured for resource kind")

	// ErrInvalidChannel rejects a malformed channel key outright.
	ErrInvalidChannel = errors.New("invalid channel key")

	// ErrSessionNotFound is returned by Heartbeat for unknown or already
	// reclaimed sessions; the caller must re-request the channel.
	ErrSessionNotFound = errors.New("session not found")

	// ErrResourceFailed means a reserved resource could not produce a
	// playable URL. Retryable: the reservation was rolled back.
	ErrResourceFailed = errors.New("resource failed")

	// ErrUnknownTuner is returned by the failure/recovery signals for a
	// tuner ID outside the configured range.
	ErrUnknownTuner = errors.New("unknown tuner")
)
