package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultCatalogIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default catalog invalid: %v", err)
	}
	tpl, ok := cfg.Templates["goods-inspection"]
	if !ok {
		t.Fatalf("goods-inspection template missing")
	}
	if got := tpl.TotalSpanDays(); got != 28 {
		t.Fatalf("goods-inspection span = %d days, want 28", got)
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load empty workspace: %v", err)
	}
	if len(cfg.Templates) == 0 {
		t.Fatalf("expected default templates")
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	yml := `templates:
  tiny:
    title: Tiny deal
    blocks:
      - title: Everything
        span_days: 3
        policy:
          type: SINGLE
`
	if err := os.WriteFile(filepath.Join(dir, "phaseline.yml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := cfg.Templates["tiny"]; !ok || len(cfg.Templates) != 1 {
		t.Fatalf("templates = %+v", cfg.Templates)
	}
}

func TestValidateRejectsBadCatalogs(t *testing.T) {
	cases := []struct {
		name string
		yml  string
	}{
		{"missing title", "templates:\n  x:\n    blocks:\n      - title: A\n        span_days: 1\n        policy: {type: SINGLE}\n"},
		{"no blocks", "templates:\n  x:\n    title: X\n    blocks: []\n"},
		{"bad policy", "templates:\n  x:\n    title: X\n    blocks:\n      - title: A\n        span_days: 1\n        policy: {type: MAJORITY}\n"},
		{"threshold without value", "templates:\n  x:\n    title: X\n    blocks:\n      - title: A\n        span_days: 1\n        policy: {type: THRESHOLD}\n"},
		{"zero span", "templates:\n  x:\n    title: X\n    blocks:\n      - title: A\n        span_days: 0\n        policy: {type: SINGLE}\n"},
	}
	for _, tc := range cases {
		if _, err := FromYAML([]byte(tc.yml)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
