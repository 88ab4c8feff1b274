package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestValidate_EmptyAPIBase(t *testing.T) {
	cfg := Defaults()
	cfg.Detection.APIBase = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty apiBase")
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_SessionBounds(t *testing.T) {
	cfg := Defaults()
	cfg.Session.MaxRetries = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxRetries=0")
	}

	cfg = Defaults()
	cfg.Session.CooldownMS = cfg.Session.RetryDelayMS - 1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for cooldown below retry delay")
	}
}

func TestValidate_TelegramTokenRequired(t *testing.T) {
	cfg := Defaults()
	cfg.Notify.Telegram.Enabled = true
	cfg.Notify.Telegram.Token = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for enabled telegram without token")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Defaults()
	cfg.Detection.APIBase = "http://detector:8000"
	cfg.Monitor.Chats = FlexStringList{"123@s.whatsapp.net"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Detection.APIBase != "http://detector:8000" {
		t.Fatalf("unexpected apiBase %q", loaded.Detection.APIBase)
	}
	if len(loaded.Monitor.Chats) != 1 || loaded.Monitor.Chats[0] != "123@s.whatsapp.net" {
		t.Fatalf("unexpected chats %v", loaded.Monitor.Chats)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.Setenv("WABRIDGE_TEST_TOKEN", "tok-123")
	defer os.Unsetenv("WABRIDGE_TEST_TOKEN")

	raw := `{
		"detection": {
			"apiBase": "${WABRIDGE_TEST_API:-http://localhost:8000}",
			"apiToken": "${WABRIDGE_TEST_TOKEN}"
		}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Detection.APIBase != "http://localhost:8000" {
		t.Fatalf("expected default expansion, got %q", cfg.Detection.APIBase)
	}
	if cfg.Detection.APIToken != "tok-123" {
		t.Fatalf("expected env expansion, got %q", cfg.Detection.APIToken)
	}
}

func TestFlexStringList_MixedTypes(t *testing.T) {
	var f FlexStringList
	if err := json.Unmarshal([]byte(`["abc", 123456789, "x@g.us"]`), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []string{"abc", "123456789", "x@g.us"}
	if len(f) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(f))
	}
	for i := range want {
		if f[i] != want[i] {
			t.Fatalf("entry %d: expected %q, got %q", i, want[i], f[i])
		}
	}
}

// --- Accessors ---

func TestGetSetByPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "detection.defaultLocation", "garden"); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, err := GetByPath(cfg, "detection.defaultLocation")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "garden" {
		t.Fatalf("expected garden, got %v", val)
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Detection.APIToken = "super-secret-token-value"
	cfg.Notify.Telegram.Token = "123456:telegram-bot-token"

	sanitized := Sanitize(cfg)
	if sanitized.Detection.APIToken == cfg.Detection.APIToken {
		t.Fatal("expected apiToken to be masked")
	}
	if sanitized.Notify.Telegram.Token == cfg.Notify.Telegram.Token {
		t.Fatal("expected telegram token to be masked")
	}
	// Original must be untouched.
	if cfg.Detection.APIToken != "super-secret-token-value" {
		t.Fatal("sanitize must not mutate the original config")
	}
}
