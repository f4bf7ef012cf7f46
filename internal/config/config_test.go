package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/workspace"
)

func newRoot(t *testing.T) workspace.Paths {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".edison", "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	paths, err := workspace.FindRoot(root)
	if err != nil {
		t.Fatal(err)
	}
	return paths
}

func writeConfig(t *testing.T, paths workspace.Paths, name, content string) {
	t.Helper()
	if err := os.WriteFile(paths.ConfigFile(name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaultsWhenNoFiles(t *testing.T) {
	paths := newRoot(t)
	cfg, err := Load(paths)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Session.Recovery.StaleAfterSeconds; got != 3600 {
		t.Errorf("staleAfterSeconds = %d, want 3600", got)
	}
	if cfg.Session.Recovery.BlockOnStale {
		t.Error("blockOnStale should default to false")
	}
	if cfg.Session.Continuation.Enabled == nil || !*cfg.Session.Continuation.Enabled {
		t.Error("continuation.enabled should default to true")
	}
	if got := cfg.Session.Continuation.DefaultMode; got != ModeOff {
		t.Errorf("continuation.defaultMode = %q, want off", got)
	}
	if got := cfg.Validation.PresetInference.Default; got != "quick" {
		t.Errorf("presetInference.default = %q, want quick", got)
	}
	if got := len(cfg.Validation.PresetOrder); got != 3 {
		t.Errorf("len(presetOrder) = %d, want 3", got)
	}
	if got := cfg.Composition.IncludeDepth; got != 3 {
		t.Errorf("includeDepth = %d, want 3", got)
	}
	if got := cfg.Workflow.Tasks.Directories["wip"]; got != "wip" {
		t.Errorf("tasks.directories[wip] = %q, want wip", got)
	}
}

func TestLoadStrictRejectsUnknownKeys(t *testing.T) {
	paths := newRoot(t)
	writeConfig(t, paths, "session.yaml", "recovery:\n  blockOnStale: true\n  bogus: 1\n")
	_, err := Load(paths)
	var cerr *errs.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Load = %v, want ConfigError", err)
	}
	if cerr.Path != paths.ConfigFile("session.yaml") {
		t.Errorf("error path = %q", cerr.Path)
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	paths := newRoot(t)
	writeConfig(t, paths, "composition.yaml", "includeDepth: 2\n---\nincludeDepth: 3\n")
	_, err := Load(paths)
	var cerr *errs.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Load = %v, want ConfigError", err)
	}
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	paths := newRoot(t)
	writeConfig(t, paths, "validation.yaml", "")
	cfg, err := Load(paths)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Validation.Execution.Parallel; got != 2 {
		t.Errorf("execution.parallel = %d, want 2", got)
	}
}

func TestWorkflowRejectsUnknownStates(t *testing.T) {
	paths := newRoot(t)
	writeConfig(t, paths, "workflow.yaml", `
tasks:
  states: [todo, wip]
  transitions:
    - {from: todo, to: shipped, action: ship}
`)
	_, err := Load(paths)
	var cerr *errs.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Load = %v, want ConfigError", err)
	}
}

func TestValidationRejectsUnknownValidatorRefs(t *testing.T) {
	paths := newRoot(t)
	writeConfig(t, paths, "validation.yaml", `
presetOrder: [quick]
presets:
  quick:
    validators: [no-such-validator]
validators:
  - id: global-codex
    triggers: ["**"]
`)
	_, err := Load(paths)
	var cerr *errs.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Load = %v, want ConfigError", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	paths := newRoot(t)
	t.Setenv("EDISON_SESSION_RECOVERY_BLOCK_ON_STALE", "true")
	t.Setenv("EDISON_SESSION_RECOVERY_STALE_AFTER_SECONDS", "120")
	t.Setenv("EDISON_CONTINUATION_DEFAULT_MODE", "soft")
	t.Setenv("EDISON_VALIDATION_DEFAULT_PRESET", "thorough")
	cfg, err := Load(paths)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Session.Recovery.BlockOnStale {
		t.Error("blockOnStale override not applied")
	}
	if got := cfg.Session.Recovery.StaleAfterSeconds; got != 120 {
		t.Errorf("staleAfterSeconds = %d, want 120", got)
	}
	if got := cfg.Session.Continuation.DefaultMode; got != ModeSoft {
		t.Errorf("defaultMode = %q, want soft", got)
	}
	if got := cfg.Validation.PresetInference.Default; got != "thorough" {
		t.Errorf("presetInference.default = %q, want thorough", got)
	}
}

func TestEnvOverridesAreValidated(t *testing.T) {
	paths := newRoot(t)
	t.Setenv("EDISON_CONTINUATION_DEFAULT_MODE", "frantic")
	_, err := Load(paths)
	var cerr *errs.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Load = %v, want ConfigError", err)
	}
}

func TestLookup(t *testing.T) {
	paths := newRoot(t)
	cfg, err := Load(paths)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"validation.presetInference.default", "quick", true},
		{"config.validation.presetInference.default", "quick", true},
		{"session.recovery.staleAfterSeconds", "3600", true},
		{"session.continuation.stopOnBlocked", "true", true},
		{"validation.presetOrder.0", "quick", true},
		{"validation.presetOrder.2", "thorough", true},
		{"no.such.path", "", false},
		{"validation.presetOrder.9", "", false},
	}
	for _, tt := range tests {
		got, ok := cfg.LookupString(tt.path)
		if ok != tt.ok || got != tt.want {
			t.Errorf("LookupString(%q) = %q, %v; want %q, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}

	if _, ok := cfg.Lookup("validation.presets.quick.validators"); !ok {
		t.Error("Lookup should reach nested preset lists")
	}
	if _, ok := cfg.LookupString("validation.presets"); ok {
		t.Error("LookupString should reject non-scalar values")
	}
}

func TestPresetRank(t *testing.T) {
	paths := newRoot(t)
	cfg, err := Load(paths)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Validation.PresetRank("quick"); got != 0 {
		t.Errorf("rank(quick) = %d, want 0", got)
	}
	if got := cfg.Validation.PresetRank("thorough"); got != 2 {
		t.Errorf("rank(thorough) = %d, want 2", got)
	}
	if got := cfg.Validation.PresetRank("nope"); got != -1 {
		t.Errorf("rank(nope) = %d, want -1", got)
	}
}

func TestGeneratedSchemaTightensConfig(t *testing.T) {
	paths := newRoot(t)
	if err := os.MkdirAll(paths.SchemasDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	schema := `{
  "type": "object",
  "properties": {
    "includeDepth": {"type": "integer", "maximum": 2}
  }
}`
	if err := os.WriteFile(filepath.Join(paths.SchemasDir(), "composition.schema.json"), []byte(schema), 0o644); err != nil {
		t.Fatal(err)
	}

	writeConfig(t, paths, "composition.yaml", "includeDepth: 2\n")
	if _, err := Load(paths); err != nil {
		t.Fatalf("Load with conforming config: %v", err)
	}

	writeConfig(t, paths, "composition.yaml", "includeDepth: 3\n")
	_, err := Load(paths)
	var cerr *errs.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("Load = %v, want ConfigError from schema", err)
	}
}
