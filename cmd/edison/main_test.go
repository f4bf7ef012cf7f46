package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leeroybrun/edison-sub000/internal/errs"
)

// runCLI executes one invocation against the package-level command tree.
// Flag-bound globals are reset first: cobra re-parses into the same vars.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	jsonOut = false
	sessionFlag, taskSessionFlag = "", ""
	createID, createPlatform, createBase = "", "", ""
	taskTitle, taskPriority = "", 0
	qaScope, qaPreset, qaExecute, qaDryRun = "", "", false, false
	auditTail = 20
	staleList = false

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func newWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".edison"), 0o755); err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(root); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("EDISON_ACTOR_KIND", "orchestrator")
	return root
}

func TestExitCodeContract(t *testing.T) {
	newWorkspace(t)

	if _, err := runCLI(t, "task", "status", "nope"); errs.ExitCode(err) != errs.ExitUser {
		t.Fatalf("missing task exit = %d, want %d (%v)", errs.ExitCode(err), errs.ExitUser, err)
	}

	for _, args := range [][]string{
		{"session", "create", "--id", "S1"},
		{"task", "create", "T1"},
		{"task", "create", "D1"},
		{"task", "link", "T1", "depends_on", "D1"},
	} {
		if _, err := runCLI(t, args...); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
	}

	_, err := runCLI(t, "task", "claim", "T1", "--session", "S1")
	if errs.ExitCode(err) != errs.ExitBlocked {
		t.Fatalf("unsatisfied claim exit = %d, want %d (%v)", errs.ExitCode(err), errs.ExitBlocked, err)
	}

	if _, err := runCLI(t, "task", "link", "T1", "sibling", "D1"); errs.ExitCode(err) != errs.ExitUser {
		t.Fatalf("bad relation type exit = %d (%v)", errs.ExitCode(err), err)
	}
}

func TestClaimJSONShape(t *testing.T) {
	newWorkspace(t)
	for _, args := range [][]string{
		{"session", "create", "--id", "S1"},
		{"task", "create", "T1", "--title", "wire the loader"},
	} {
		if _, err := runCLI(t, args...); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
	}

	stdout, err := runCLI(t, "task", "claim", "T1", "--session", "S1", "--json")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	var got struct {
		ID      string `json:"id"`
		State   string `json:"state"`
		Session string `json:"session"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("claim output is not JSON: %v\n%s", err, stdout)
	}
	if got.ID != "T1" || got.State != "wip" || got.Session != "S1" {
		t.Fatalf("claim = %+v", got)
	}
	if got.Path != filepath.Join(".project", "sessions", "S1", "T1.md") {
		t.Fatalf("path = %q", got.Path)
	}
}

func TestWavesJSON(t *testing.T) {
	newWorkspace(t)
	for _, args := range [][]string{
		{"task", "create", "a"},
		{"task", "create", "b"},
		{"task", "link", "b", "depends_on", "a"},
	} {
		if _, err := runCLI(t, args...); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
	}
	stdout, err := runCLI(t, "task", "waves", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Waves [][]string `json:"waves"`
	}
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("waves output: %v\n%s", err, stdout)
	}
	if len(got.Waves) != 2 || got.Waves[0][0] != "a" || got.Waves[1][0] != "b" {
		t.Fatalf("waves = %v", got.Waves)
	}
}

func TestComposeAllWritesGenerated(t *testing.T) {
	root := newWorkspace(t)
	stdout, err := runCLI(t, "compose", "all")
	if err != nil {
		t.Fatalf("compose all: %v\n%s", err, stdout)
	}
	generated := filepath.Join(root, ".edison", "_generated", "agents", "implementer.md")
	if _, err := os.Stat(generated); err != nil {
		t.Fatalf("no composed agent: %v", err)
	}
	if !strings.Contains(stdout, "fingerprint") {
		t.Fatalf("report not rendered:\n%s", stdout)
	}
}

func TestSessionStaleRequiresListFlag(t *testing.T) {
	newWorkspace(t)
	_, err := runCLI(t, "session", "stale")
	if errs.ExitCode(err) != errs.ExitUser || !strings.Contains(err.Error(), "--list") {
		t.Fatalf("bare stale = %v (exit %d), want a --list nudge", err, errs.ExitCode(err))
	}
	stdout, err := runCLI(t, "session", "stale", "--list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "no stale sessions") {
		t.Fatalf("stale --list output:\n%s", stdout)
	}
}

func TestQAValidateDryRunRendersRoster(t *testing.T) {
	newWorkspace(t)
	if _, err := runCLI(t, "task", "create", "T1"); err != nil {
		t.Fatal(err)
	}
	stdout, err := runCLI(t, "qa", "validate", "T1", "--dry-run")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "global-codex") || !strings.Contains(stdout, "dry run") {
		t.Fatalf("dry-run output:\n%s", stdout)
	}

	if _, err := runCLI(t, "qa", "validate", "T1", "--dry-run", "--execute"); errs.ExitCode(err) != errs.ExitUser {
		t.Fatalf("conflicting flags exit = %d (%v)", errs.ExitCode(err), err)
	}
}
