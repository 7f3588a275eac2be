package config

import (
	"encoding/hex"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.RetentionDays != 90 {
		t.Errorf("RetentionDays = %d, want 90", cfg.RetentionDays)
	}
	if cfg.BackoffMode != "exponential" {
		t.Errorf("BackoffMode = %q", cfg.BackoffMode)
	}
	if cfg.DrainInterval != 5*time.Second {
		t.Errorf("DrainInterval = %v", cfg.DrainInterval)
	}
	if len(cfg.UserEmailFields) == 0 || cfg.UserEmailFields[0] != "email" {
		t.Errorf("UserEmailFields = %v", cfg.UserEmailFields)
	}
	if cfg.HasCredKey {
		t.Error("HasCredKey should be false without CREDENTIAL_KEY")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("BACKOFF_MODE", "fixed")
	t.Setenv("BACKOFF_BASE", "2m")
	t.Setenv("ADMIN_EMAILS", "a@x.com, b@x.com")
	t.Setenv("USER_EMAIL_FIELDS", "contact,email")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d", cfg.MaxAttempts)
	}
	if cfg.BackoffMode != "fixed" || cfg.BackoffBase != 2*time.Minute {
		t.Errorf("backoff = %s/%v", cfg.BackoffMode, cfg.BackoffBase)
	}
	if len(cfg.AdminEmails) != 2 || cfg.AdminEmails[1] != "b@x.com" {
		t.Errorf("AdminEmails = %v", cfg.AdminEmails)
	}
	if len(cfg.UserEmailFields) != 2 || cfg.UserEmailFields[0] != "contact" {
		t.Errorf("UserEmailFields = %v", cfg.UserEmailFields)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "PORT", "not-a-number"},
		{"bad duration", "DRAIN_INTERVAL", "soon"},
		{"bad backoff mode", "BACKOFF_MODE", "random"},
		{"bad credential key hex", "CREDENTIAL_KEY", "zzzz"},
		{"short credential key", "CREDENTIAL_KEY", "abcd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_CredentialKey(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	t.Setenv("CREDENTIAL_KEY", hex.EncodeToString(key))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.HasCredKey {
		t.Fatal("HasCredKey should be true")
	}
	if cfg.CredentialKey[1] != 1 || cfg.CredentialKey[31] != 31 {
		t.Error("key bytes not loaded correctly")
	}
}
