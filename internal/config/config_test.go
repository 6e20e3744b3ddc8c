package config

import (
	"testing"
	"time"

	"masthead/pkg/logging"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(logging.NewLogger())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.TunerCount != 2 {
		t.Errorf("expected 2 tuners by default, got %d", cfg.TunerCount)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected 30s heartbeat interval, got %s", cfg.HeartbeatInterval)
	}
	if cfg.StaleThreshold != 90*time.Second {
		t.Errorf("stale threshold should default to 3x heartbeat, got %s", cfg.StaleThreshold)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("expected 30s sweep interval, got %s", cfg.SweepInterval)
	}
}

func TestLoad_CredentialsJSON(t *testing.T) {
	t.Setenv("IPTV_CREDENTIALS", `[
		{"provider_id":"main","base_url":"http://iptv.example.com:8080","username":"u1","password":"p1","max_connections":2},
		{"slot_id":7,"provider_id":"backup","base_url":"http://backup.example.com","username":"u2","password":"p2"}
	]`)

	cfg, err := Load(logging.NewLogger())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.Credentials) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(cfg.Credentials))
	}
	// Slot IDs default to array order, explicit ones are kept.
	if cfg.Credentials[0].SlotID != 1 || cfg.Credentials[1].SlotID != 7 {
		t.Errorf("slot ids wrong: %d, %d", cfg.Credentials[0].SlotID, cfg.Credentials[1].SlotID)
	}
	// Unset connection budgets default to one.
	if cfg.Credentials[1].MaxConnections != 1 {
		t.Errorf("expected default budget 1, got %d", cfg.Credentials[1].MaxConnections)
	}

	bc := cfg.BrokerConfig()
	if len(bc.Credentials) != 2 || bc.Credentials[0].MaxConnections != 2 {
		t.Errorf("broker config mismatched: %+v", bc.Credentials)
	}
}

func TestLoad_RejectsBadInput(t *testing.T) {
	t.Setenv("IPTV_CREDENTIALS", "{not json")
	if _, err := Load(logging.NewLogger()); err == nil {
		t.Error("malformed credentials JSON should fail")
	}

	t.Setenv("IPTV_CREDENTIALS", "")
	t.Setenv("TUNER_COUNT", "-1")
	if _, err := Load(logging.NewLogger()); err == nil {
		t.Error("negative tuner count should fail")
	}
}

func TestLoad_StaleThresholdFollowsHeartbeat(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	cfg, err := Load(logging.NewLogger())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.StaleThreshold != 30*time.Second {
		t.Errorf("expected 30s threshold for 10s heartbeat, got %s", cfg.StaleThreshold)
	}

	t.Setenv("STALE_THRESHOLD", "2m")
	cfg, err = Load(logging.NewLogger())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.StaleThreshold != 2*time.Minute {
		t.Errorf("explicit threshold should win, got %s", cfg.StaleThreshold)
	}
}

func TestResolverConfig(t *testing.T) {
	t.Setenv("STREAM_TOKEN_SECRET", "sekrit")
	t.Setenv("HDHOMERUN_BASE_URL", "http://10.0.0.5:5004")
	cfg, err := Load(logging.NewLogger())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	rc := cfg.ResolverConfig()
	if string(rc.TokenSecret) != "sekrit" {
		t.Errorf("token secret not carried over")
	}
	if rc.HDHomeRunBaseURL != "http://10.0.0.5:5004" {
		t.Errorf("base URL not carried over, got %q", rc.HDHomeRunBaseURL)
	}
}
