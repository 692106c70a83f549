package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
telegram:
  enabled: true
  token: "123:abc"
  bot_username: herald_bot
webpush:
  enabled: true
  vapid_public_key: pub
  vapid_private_key: priv
  contact_email: ops@example.org
http:
  enabled: true
  addr: ":8080"
storage:
  path: /var/lib/herald/herald.db
linking:
  token_ttl: 15m
dispatch:
  workers: 4
  retry_base: 1s
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
default_preferences:
  comment: true
  digest: false
`)
	m := NewManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.Telegram.Enabled || cfg.Telegram.Token != "123:abc" {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Storage.Path != "/var/lib/herald/herald.db" {
		t.Fatalf("storage path = %q", cfg.Storage.Path)
	}
	if !cfg.DefaultPreferences["comment"] || cfg.DefaultPreferences["digest"] {
		t.Fatalf("default_preferences = %v", cfg.DefaultPreferences)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
storage:
  path: /tmp/h.db
no_such_section:
  x: 1
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseRejectsTrailingJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"storage":{"path":"/tmp/h.db"}}{"extra":true}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("trailing JSON accepted")
	}
}

func TestLoadCommitsConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"storage":{"path":"/tmp/h.db"}}`)
	m := NewManager(path)
	if m.Get() != nil {
		t.Fatal("config set before Load")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return committed config")
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{}
	m.publish(first)
	m.publish(second) // buffer full: oldest dropped, newest kept

	got := <-ch
	if got != second {
		t.Fatalf("subscriber got stale config")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"empty is zero", "", 0, false},
		{"simple", "10s", 10 * time.Second, false},
		{"compound", "1m30s", 90 * time.Second, false},
		{"negative rejected", "-5s", 0, true},
		{"garbage rejected", "soon", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseDurationField("test.field", tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationField(%q) accepted", tc.raw)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("ParseDurationField(%q) = %v, %v", tc.raw, got, err)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	got, err := ParseDurationOrDefault("f", "", 7*time.Second)
	if err != nil || got != 7*time.Second {
		t.Fatalf("default not applied: %v %v", got, err)
	}
	got, err = ParseDurationOrDefault("f", "2s", 7*time.Second)
	if err != nil || got != 2*time.Second {
		t.Fatalf("explicit value ignored: %v %v", got, err)
	}
}
