package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "autoflow.yaml", `
logging:
  level: debug
  console: true
engine:
  tick_period: 45s
executor:
  workers: 8
storage:
  driver: file
  path: ./store
notifier:
  enabled: true
  rate_per_sec: 5
  dedup_window: 10m
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Engine.TickPeriod != "45s" || cfg.Executor.Workers != 8 {
		t.Fatalf("engine/executor = %+v / %+v", cfg.Engine, cfg.Executor)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Notifier == nil || !cfg.Notifier.Enabled || cfg.Notifier.DedupWindow != "10m" {
		t.Fatalf("notifier = %+v", cfg.Notifier)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "autoflow.json", `{"engine": {"tick_perod": "30s"}}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("misspelled key accepted; strict decoding is off")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "autoflow.json", `{"engine": {}}{"engine": {}}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("trailing JSON accepted")
	}
}

func TestDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"30s", 30 * time.Second, false},
		{" 1m ", time.Minute, false},
		{"-5s", 0, true},
		{"banana", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("test.field", tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseDurationField(%q) err = nil, want error", tc.raw)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseDurationField(%q) = %v, %v; want %v", tc.raw, got, err, tc.want)
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Engine: EngineConfig{TickPeriod: "30s"}}
	newCfg := &Config{
		Engine:   EngineConfig{TickPeriod: "60s"},
		Notifier: &NotifierConfig{Enabled: true},
	}
	changed, _ := SummarizeChange(oldCfg, newCfg)
	want := map[string]bool{"engine": true, "notifier": true}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want engine+notifier", changed)
	}
	for _, c := range changed {
		if !want[c] {
			t.Fatalf("unexpected changed section %q in %v", c, changed)
		}
	}

	same, _ := SummarizeChange(newCfg, newCfg)
	if len(same) != 0 {
		t.Fatalf("identical configs reported changes: %v", same)
	}
}
