package resolver

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"masthead/internal/broker"
	"masthead/pkg/logging"
)

// ProviderCredential is one Xtream-Codes login backing a credential slot.
type ProviderCredential struct {
	SlotID         int    `json:"slot_id"`
	ProviderID     string `json:"provider_id"`
	BaseURL        string `json:"base_url"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	MaxConnections int    `json:"max_connections"`
}

// Config configures stream URL resolution.
type Config struct {
	// HDHomeRunBaseURL is the tuner device base, e.g. http://hdhomerun.local:5004.
	HDHomeRunBaseURL string
	// Credentials maps broker credential slots to provider logins.
	Credentials []ProviderCredential
	// TokenSecret, when non-empty, enables HS256-signed playback tokens
	// appended to every resolved URL.
	TokenSecret []byte
	// TokenTTL bounds token validity; zero means 6h.
	TokenTTL time.Duration
}

const defaultTokenTTL = 6 * time.Hour

// Tuner channels are ATSC virtual channel numbers, e.g. "10" or "10.1".
var tunerChannelRe = regexp.MustCompile(`^\d{1,3}(\.\d{1,2})?$`)

// Credential channels are Xtream stream IDs, optionally provider-prefixed
// ("main:52431").
var credentialChannelRe = regexp.MustCompile(`^(?:[A-Za-z0-9_-]+:)?\d+$`)

// StreamResolver turns channel keys into playable URLs: HDHomeRun
// passthrough URLs for tuner channels, Xtream live manifests for
// credential-backed ones. It never proxies media bytes.
type StreamResolver struct {
	cfg    Config
	bySlot map[int]ProviderCredential
	logger logging.Logger
}

func New(cfg Config, logger logging.Logger) *StreamResolver {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	bySlot := make(map[int]ProviderCredential, len(cfg.Credentials))
	for _, c := range cfg.Credentials {
		bySlot[c.SlotID] = c
	}
	return &StreamResolver{cfg: cfg, bySlot: bySlot, logger: logger}
}

// ValidateChannel checks channel key syntax for the given resource kind.
func (r *StreamResolver) ValidateChannel(kind broker.ResourceKind, channelKey string) error {
	switch kind {
	case broker.ResourceTuner:
		if !tunerChannelRe.MatchString(channelKey) {
			return fmt.Errorf("tuner channel %q is not a valid virtual channel number", channelKey)
		}
	case broker.ResourceCredential:
		if !credentialChannelRe.MatchString(channelKey) {
			return fmt.Errorf("credential channel %q is not a valid stream id", channelKey)
		}
	default:
		return fmt.Errorf("unknown resource kind %q", kind)
	}
	return nil
}

// Resolve builds the playable URL for an allocated resource.
func (r *StreamResolver) Resolve(_ context.Context, kind broker.ResourceKind, channelKey string, resourceID int) (string, error) {
	var streamURL string
	switch kind {
	case broker.ResourceTuner:
		base := strings.TrimSuffix(r.cfg.HDHomeRunBaseURL, "/")
		if base == "" {
			return "", fmt.Errorf("no HDHomeRun base URL configured")
		}
		streamURL = fmt.Sprintf("%s/auto/v%s", base, channelKey)
	case broker.ResourceCredential:
		cred, ok := r.bySlot[resourceID]
		if !ok {
			return "", fmt.Errorf("no credential configured for slot %d", resourceID)
		}
		streamID := channelKey
		if idx := strings.IndexByte(streamID, ':'); idx >= 0 {
			streamID = streamID[idx+1:]
		}
		base := strings.TrimSuffix(cred.BaseURL, "/")
		streamURL = fmt.Sprintf("%s/live/%s/%s/%s.m3u8",
			base, url.PathEscape(cred.Username), url.PathEscape(cred.Password), streamID)
	default:
		return "", fmt.Errorf("unknown resource kind %q", kind)
	}

	if len(r.cfg.TokenSecret) == 0 {
		return streamURL, nil
	}
	token, err := r.signToken(channelKey)
	if err != nil {
		return "", fmt.Errorf("sign playback token: %w", err)
	}
	sep := "?"
	if strings.Contains(streamURL, "?") {
		sep = "&"
	}
	return streamURL + sep + "token=" + token, nil
}

// playbackClaims scope a signed URL to a single channel.
type playbackClaims struct {
	Channel string `json:"channel"`
	jwt.RegisteredClaims
}

func (r *StreamResolver) signToken(channelKey string) (string, error) {
	now := time.Now()
	claims := playbackClaims{
		Channel: channelKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "masthead",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(r.cfg.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(r.cfg.TokenSecret)
}

// VerifyToken validates a playback token and returns the channel it is
// scoped to. Used by edge components that trust the broker's signatures.
func (r *StreamResolver) VerifyToken(tokenString string) (string, error) {
	claims := &playbackClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.cfg.TokenSecret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid playback token")
	}
	return claims.Channel, nil
}
