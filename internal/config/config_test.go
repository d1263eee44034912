package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Engine.MaxRetries != 3 || cfg.Groups.CascadeDepth != 2 {
		t.Fatalf("unexpected defaults: %+v", cfg.Engine)
	}
	if cfg.Sweep.Interval.Std() != 30*time.Second {
		t.Fatalf("sweep interval = %v", cfg.Sweep.Interval.Std())
	}
	if cfg.Context.Ratios.Global != 0.5 || cfg.Context.Ratios.Item != 0.3 || cfg.Context.Ratios.Path != 0.2 {
		t.Fatalf("ratios = %+v", cfg.Context.Ratios)
	}
	if cfg.Engine.AwaitingTimeout != 0 {
		t.Fatalf("awaiting timeout should default to disabled")
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("engine:\n  max_retries: 5\n  awaiting_timeout: 15m\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Engine.MaxRetries != 5 {
		t.Fatalf("max_retries = %d", cfg.Engine.MaxRetries)
	}
	if cfg.Engine.AwaitingTimeout.Std() != 15*time.Minute {
		t.Fatalf("awaiting_timeout = %v", cfg.Engine.AwaitingTimeout.Std())
	}
	if cfg.Decision.Path != ".flowboard/decision.json" {
		t.Fatalf("decision path default lost: %q", cfg.Decision.Path)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"ratios":   "context:\n  ratios:\n    global: 0.9\n    item: 0.3\n    path: 0.2\n",
		"retries":  "engine:\n  max_retries: 0\n",
		"abs path": "decision:\n  path: /tmp/decision.json\n",
		"dup type": "context:\n  type_priority: [note, note]\n",
		"duration": "sweep:\n  interval: soon\n",
		"webhook":  "webhooks:\n  - url: ftp://example.com\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("expected defaults without file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "flowboard.yml"), []byte("groups:\n  cascade_depth: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Groups.CascadeDepth != 4 {
		t.Fatalf("cascade_depth = %d", cfg.Groups.CascadeDepth)
	}
	if _, err := Load(t.TempDir()); err == nil || !strings.Contains(err.Error(), "fb init") {
		t.Fatalf("expected missing config hint, got %v", err)
	}
}
