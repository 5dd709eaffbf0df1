package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WITNESS_DATA_DIR", "/srv/witness")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9010 || cfg.Cadence != 10 || cfg.FreshnessThreshold != 24*time.Hour {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Signer != SignerNative || cfg.Namespace != "witness-checkpoint" || cfg.KeyID != DefaultKeyID {
		t.Fatalf("unexpected signer defaults: %+v", cfg)
	}
	if cfg.KeyPath != filepath.Join("/srv/witness", "witness", "keys", DefaultKeyID) {
		t.Fatalf("unexpected key path %s", cfg.KeyPath)
	}
	if cfg.HistoryDB != filepath.Join("/srv/witness", "witness", "history.db") {
		t.Fatalf("unexpected history db %s", cfg.HistoryDB)
	}
	if len(cfg.AllowedPrincipals) != 1 || cfg.AllowedPrincipals[0] != DefaultKeyID {
		t.Fatalf("expected key id as default principal, got %v", cfg.AllowedPrincipals)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WITNESS_CHECKPOINT_CADENCE", "25")
	t.Setenv("WITNESS_SIGNER", "SSH-KEYGEN")
	t.Setenv("WITNESS_ALLOWED_PRINCIPALS", "ops,backup")
	t.Setenv("WITNESS_FRESHNESS_THRESHOLD", "90m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cadence != 25 || cfg.Signer != SignerKeygen || cfg.FreshnessThreshold != 90*time.Minute {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.AllowedPrincipals) != 2 || cfg.AllowedPrincipals[1] != "backup" {
		t.Fatalf("unexpected principals: %v", cfg.AllowedPrincipals)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("WITNESS_PORT", "not-a-port")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}

	t.Setenv("WITNESS_PORT", "9010")
	t.Setenv("WITNESS_SIGNER", "hsm")
	if _, err := Load(); err == nil {
		t.Fatal("expected unknown signer to be rejected")
	}
}

func TestFinalizeDerivesPathsFromOverriddenDataDir(t *testing.T) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.DataDir = "/srv/witness"
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if cfg.HistoryDB != "/srv/witness/witness/history.db" || cfg.KeyPath != "/srv/witness/witness/keys/checkpoint_ed25519" {
		t.Fatalf("unexpected derived paths: %s %s", cfg.HistoryDB, cfg.KeyPath)
	}
}
