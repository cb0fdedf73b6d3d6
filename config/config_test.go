package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadConfigOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	yml := `
server:
  port: 8080
store:
  driver: memory
pairing:
  rescanInterval: 2s
  matchups:
    Lincoln: Douglas
    Douglas: Lincoln
disconnect:
  grace: 20s
dominance:
  policy: tiebreak
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Store.Driver != "memory" {
		t.Errorf("file values not applied: %+v", cfg.Server)
	}
	if cfg.Pairing.RescanInterval != 2*time.Second || cfg.Pairing.Matchups["Lincoln"] != "Douglas" {
		t.Errorf("pairing = %+v", cfg.Pairing)
	}
	if cfg.Disconnect.Grace != 20*time.Second || cfg.Dominance.Policy != "tiebreak" {
		t.Errorf("grace %v policy %q", cfg.Disconnect.Grace, cfg.Dominance.Policy)
	}
	if cfg.Debate.TakeoverGrace != 3*time.Second || cfg.Dominance.PenaltyShare != 0.75 {
		t.Errorf("defaults lost: takeover %v penalty %v", cfg.Debate.TakeoverGrace, cfg.Dominance.PenaltyShare)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DEBATENOW_SERVER_PORT", "9000")
	t.Setenv("DEBATENOW_JWT_SECRET", "s3cret")
	t.Setenv("DEBATENOW_ICE_URLS", "stun:a:3478,turn:b:3478")
	t.Setenv("DEBATENOW_DISCONNECT_GRACE", "30s")
	t.Setenv("DEBATENOW_PAIRING_RESCANINTERVAL", "1s")
	t.Setenv("DEBATENOW_DOMINANCE_WARNINGSHARE", "0.6")
	t.Setenv("DEBATENOW_LOG_PRETTY", "true")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected the environment to beat the file, port = %d", cfg.Server.Port)
	}
	if cfg.JWT.Secret != "s3cret" || len(cfg.ICE.URLs) != 2 || cfg.ICE.URLs[1] != "turn:b:3478" {
		t.Errorf("jwt %q ice %v", cfg.JWT.Secret, cfg.ICE.URLs)
	}
	if cfg.Disconnect.Grace != 30*time.Second || cfg.Pairing.RescanInterval != time.Second {
		t.Errorf("grace %v rescan %v", cfg.Disconnect.Grace, cfg.Pairing.RescanInterval)
	}
	if cfg.Dominance.WarningShare != 0.6 || !cfg.Log.Pretty {
		t.Errorf("warning share %v pretty %v", cfg.Dominance.WarningShare, cfg.Log.Pretty)
	}
	if cfg.Dominance.PenaltyShare != 0.75 || cfg.Pairing.Matchups["Kamala"] != "Trump" || len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("unset keys lost their defaults: %+v", cfg)
	}

	t.Setenv("DEBATENOW_SERVER_PORT", "soon")
	if _, err := LoadConfig(""); err == nil {
		t.Error("expected an error for a non-numeric port")
	}
}

func TestSettingKeysCoverNestedSections(t *testing.T) {
	keys := map[string]bool{}
	for _, k := range settingKeys(reflect.TypeOf(Config{}), "") {
		keys[k] = true
	}
	for _, want := range []string{"server.port", "pairing.rescanInterval", "dominance.minTotal", "ice.urls", "log.pretty"} {
		if !keys[want] {
			t.Errorf("missing key %s", want)
		}
	}
	if keys["pairing.matchups"] {
		t.Error("maps have no environment form")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown driver", func(c *Config) { c.Store.Driver = "sqlite" }, false},
		{"penalty below warning", func(c *Config) { c.Dominance.PenaltyShare = 0.5 }, false},
		{"zero grace", func(c *Config) { c.Disconnect.Grace = 0 }, false},
		{"memory needs no uri", func(c *Config) { c.Store.Driver = "memory"; c.Database.URI = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
