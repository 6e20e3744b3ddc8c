package resolver

import (
	"context"
	"strings"
	"testing"
	"time"

	"masthead/internal/broker"
	"masthead/pkg/logging"
)

func testResolver(t *testing.T, cfg Config) *StreamResolver {
	t.Helper()
	return New(cfg, logging.NewLogger())
}

func TestValidateChannel_Tuner(t *testing.T) {
	r := testResolver(t, Config{HDHomeRunBaseURL: "http://hdhr.local:5004"})

	for _, ok := range []string{"10", "10.1", "7.2", "104.12"} {
		if err := r.ValidateChannel(broker.ResourceTuner, ok); err != nil {
			t.Errorf("%q should be a valid tuner channel: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "abc", "10.1.1", "1234", "10.", ".1", "10.123"} {
		if err := r.ValidateChannel(broker.ResourceTuner, bad); err == nil {
			t.Errorf("%q should be rejected as a tuner channel", bad)
		}
	}
}

func TestValidateChannel_Credential(t *testing.T) {
	r := testResolver(t, Config{})

	for _, ok := range []string{"52431", "main:52431", "backup-2:7"} {
		if err := r.ValidateChannel(broker.ResourceCredential, ok); err != nil {
			t.Errorf("%q should be a valid credential channel: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "main:", ":123", "10.1", "main:abc"} {
		if err := r.ValidateChannel(broker.ResourceCredential, bad); err == nil {
			t.Errorf("%q should be rejected as a credential channel", bad)
		}
	}
}

func TestResolve_HDHomeRunPassthrough(t *testing.T) {
	r := testResolver(t, Config{HDHomeRunBaseURL: "http://hdhr.local:5004/"})

	got, err := r.Resolve(context.Background(), broker.ResourceTuner, "10.1", 2)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got != "http://hdhr.local:5004/auto/v10.1" {
		t.Errorf("unexpected URL %q", got)
	}

	if _, err := testResolver(t, Config{}).Resolve(context.Background(), broker.ResourceTuner, "10.1", 1); err == nil {
		t.Error("missing base URL should fail resolution")
	}
}

func TestResolve_XtreamManifest(t *testing.T) {
	r := testResolver(t, Config{Credentials: []ProviderCredential{{
		SlotID:   3,
		BaseURL:  "http://iptv.example.com:8080/",
		Username: "user one",
		Password: "p@ss",
	}}})

	got, err := r.Resolve(context.Background(), broker.ResourceCredential, "52431", 3)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got != "http://iptv.example.com:8080/live/user%20one/p@ss/52431.m3u8" {
		t.Errorf("unexpected URL %q", got)
	}

	// Provider-prefixed keys strip down to the raw stream id.
	got, err = r.Resolve(context.Background(), broker.ResourceCredential, "main:52431", 3)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !strings.HasSuffix(got, "/52431.m3u8") {
		t.Errorf("prefix should be stripped, got %q", got)
	}

	if _, err := r.Resolve(context.Background(), broker.ResourceCredential, "52431", 99); err == nil {
		t.Error("unknown slot should fail resolution")
	}
}

func TestResolve_SignedPlaybackToken(t *testing.T) {
	r := testResolver(t, Config{
		HDHomeRunBaseURL: "http://hdhr.local:5004",
		TokenSecret:      []byte("test-secret"),
		TokenTTL:         time.Minute,
	})

	got, err := r.Resolve(context.Background(), broker.ResourceTuner, "10.1", 1)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	idx := strings.Index(got, "?token=")
	if idx < 0 {
		t.Fatalf("expected a token query parameter, got %q", got)
	}

	channel, err := r.VerifyToken(got[idx+len("?token="):])
	if err != nil {
		t.Fatalf("token should verify: %v", err)
	}
	if channel != "10.1" {
		t.Errorf("token scoped to %q, expected 10.1", channel)
	}

	// A different secret must reject the token.
	other := testResolver(t, Config{TokenSecret: []byte("other-secret")})
	if _, err := other.VerifyToken(got[idx+len("?token="):]); err == nil {
		t.Error("foreign secret should fail verification")
	}
}

func TestResolve_NoSecretMeansBareURL(t *testing.T) {
	r := testResolver(t, Config{HDHomeRunBaseURL: "http://hdhr.local:5004"})
	got, err := r.Resolve(context.Background(), broker.ResourceTuner, "7.2", 1)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if strings.Contains(got, "token=") {
		t.Errorf("no secret configured, URL should be bare: %q", got)
	}
}
