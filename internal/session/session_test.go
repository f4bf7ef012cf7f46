package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leeroybrun/edison-sub000/internal/audit"
	"github.com/leeroybrun/edison-sub000/internal/config"
	"github.com/leeroybrun/edison-sub000/internal/entity"
	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/procfs"
	"github.com/leeroybrun/edison-sub000/internal/workspace"
)

func newTestManager(t *testing.T) (*Manager, workspace.Paths, *config.Config) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".edison"), 0o755); err != nil {
		t.Fatal(err)
	}
	paths, err := workspace.FindRoot(root)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(paths)
	if err != nil {
		t.Fatal(err)
	}
	journal := audit.New(paths.Stream(audit.StreamProcessEvents))
	return NewManager(paths, cfg, journal), paths, cfg
}

func noEnv(string) string { return "" }

func TestDecodeRecordStrict(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "id: s1\nstate: active\nshiny: true\n", "shiny"},
		{"unknown meta key", "id: s1\nstate: active\nmeta:\n  color: red\n", "color"},
		{"bad state", "id: s1\nstate: napping\n", "napping"},
		{"bad mode", "id: s1\nstate: active\nmeta:\n  continuation: {mode: turbo}\n", "turbo"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeRecord([]byte(tc.yaml), "session.yaml")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestCreateAllocatesSeqSuffix(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	opts := CreateOptions{Prefix: "claude-pid-12345", Owner: Owner{Process: "claude", PID: 12345}}

	first, err := mgr.Create(opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.ID != "claude-pid-12345" {
		t.Fatalf("first id = %q", first.ID)
	}
	second, err := mgr.Create(opts)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != "claude-pid-12345-seq-1" {
		t.Fatalf("second id = %q", second.ID)
	}
	third, err := mgr.Create(opts)
	if err != nil {
		t.Fatal(err)
	}
	if third.ID != "claude-pid-12345-seq-2" {
		t.Fatalf("third id = %q", third.ID)
	}
}

func TestCreateExplicitDuplicateRejected(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	if _, err := mgr.Create(CreateOptions{ID: "S1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Create(CreateOptions{ID: "S1"}); err == nil {
		t.Fatal("duplicate explicit id accepted")
	}
}

func TestCreateRefusesToOverwriteCorruptRecord(t *testing.T) {
	mgr, paths, _ := newTestManager(t)
	record := paths.SessionRecord("S1")
	corrupt := []byte("id: S1\nstate: napping\n")
	if err := os.MkdirAll(filepath.Dir(record), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(record, corrupt, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := mgr.Create(CreateOptions{ID: "S1"})
	if err == nil || !strings.Contains(err.Error(), "napping") {
		t.Fatalf("err = %v, want the decode failure surfaced", err)
	}
	got, readErr := os.ReadFile(record)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if string(got) != string(corrupt) {
		t.Fatalf("corrupt record was overwritten:\n%s", got)
	}
}

func TestStalenessDerived(t *testing.T) {
	mgr, _, cfg := newTestManager(t)
	s, err := mgr.Create(CreateOptions{ID: "S1"})
	if err != nil {
		t.Fatal(err)
	}
	threshold := time.Duration(cfg.Session.Recovery.StaleAfterSeconds) * time.Second
	if s.Stale(time.Now().UTC(), threshold) {
		t.Fatal("fresh session reported stale")
	}
	s.LastActive = time.Now().UTC().Add(-threshold - time.Minute)
	if !s.Stale(time.Now().UTC(), threshold) {
		t.Fatal("inactive session not reported stale")
	}
	s.State = StateClosed
	if s.Stale(time.Now().UTC(), threshold) {
		t.Fatal("closed session reported stale")
	}
}

func TestResolveExplicitMissFailsWithRemedy(t *testing.T) {
	mgr, paths, _ := newTestManager(t)
	r := NewResolver(mgr, paths)
	r.SetProcessContext(noEnv, 1, func(int) []procfs.Process { return nil })
	_, err := r.Resolve("ghost")
	var rerr *errs.ResolutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want ResolutionError", err)
	}
	if !strings.Contains(err.Error(), "omit --session") {
		t.Fatalf("error lacks remediation: %v", err)
	}
}

func TestResolveEnvHint(t *testing.T) {
	mgr, paths, _ := newTestManager(t)
	if _, err := mgr.Create(CreateOptions{ID: "S-env"}); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(mgr, paths)
	r.SetProcessContext(func(k string) string {
		if k == EnvSession {
			return "S-env"
		}
		return ""
	}, 1, func(int) []procfs.Process { return nil })
	id, err := r.Resolve("")
	if err != nil || id != "S-env" {
		t.Fatalf("Resolve = %q, %v", id, err)
	}
}

func TestResolveProcessTreeTieBreak(t *testing.T) {
	mgr, paths, _ := newTestManager(t)
	base, err := mgr.Create(CreateOptions{Prefix: "claude-pid-777"})
	if err != nil {
		t.Fatal(err)
	}
	seq1, err := mgr.Create(CreateOptions{Prefix: "claude-pid-777"})
	if err != nil {
		t.Fatal(err)
	}
	// Base session is closed; seq-1 stays active and must win despite an
	// older updated_at.
	base.State = StateClosed
	base.UpdatedAt = time.Now().UTC()
	if err := mgr.Save(base); err != nil {
		t.Fatal(err)
	}
	seq1.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	if err := mgr.Save(seq1); err != nil {
		t.Fatal(err)
	}

	r := NewResolver(mgr, paths)
	r.SetProcessContext(noEnv, 42, func(int) []procfs.Process {
		return []procfs.Process{
			{PID: 42, Name: "edison", Args: []string{"edison", "session", "next"}},
			{PID: 777, Name: "claude"},
		}
	})
	id, err := r.Resolve("")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id != "claude-pid-777-seq-1" {
		t.Fatalf("Resolve = %q, want the active seq-1 session", id)
	}

	// With no active candidate, the most recently updated wins.
	seq1.State = StateClosed
	seq1.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	if err := mgr.Save(seq1); err != nil {
		t.Fatal(err)
	}
	id, err = r.Resolve("")
	if err != nil {
		t.Fatal(err)
	}
	if id != "claude-pid-777" {
		t.Fatalf("Resolve = %q, want most recently updated", id)
	}
}

func TestResolveUnresolvedWithoutProcessInfo(t *testing.T) {
	mgr, paths, _ := newTestManager(t)
	r := NewResolver(mgr, paths)
	r.SetProcessContext(noEnv, 1, func(int) []procfs.Process { return nil })
	_, err := r.Resolve("")
	var rerr *errs.ResolutionError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want ResolutionError", err)
	}
}

func TestClassifyEdisonScriptOverInterpreter(t *testing.T) {
	p := procfs.Process{PID: 9, Name: "node", Args: []string{"node", "/usr/local/bin/edison", "task", "ready"}}
	if got := classify(p); got != "edison" {
		t.Fatalf("classify = %q, want edison", got)
	}
	if got := classify(procfs.Process{PID: 8, Name: "claude"}); got != "wrapper" {
		t.Fatalf("classify(claude) = %q, want wrapper", got)
	}
	if got := classify(procfs.Process{PID: 7, Name: "bash"}); got != "" {
		t.Fatalf("classify(bash) = %q, want \"\"", got)
	}
}

func TestCleanupStaleRestoresClaims(t *testing.T) {
	mgr, paths, cfg := newTestManager(t)
	machine, err := entity.NewMachine("workflow.tasks", cfg.Workflow.Tasks)
	if err != nil {
		t.Fatal(err)
	}
	guards := entity.NewRegistry()
	for _, id := range []string{"dependencies_satisfied", "session_not_stale"} {
		guards.Register(id, entity.GuardFunc(func(context.Context, entity.GuardContext) (*entity.Denial, error) {
			return nil, nil
		}))
	}
	transitions := audit.New(paths.Stream(audit.StreamTransitions))
	tasks := entity.NewTaskRepository(paths, machine, guards, transitions)

	s, err := mgr.Create(CreateOptions{ID: "S1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := tasks.Create(&entity.Entity{ID: "T1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := tasks.Transition(context.Background(), "T1", "wip", entity.TransitionOptions{Session: "S1"}); err != nil {
		t.Fatal(err)
	}

	// Age the session past the threshold.
	s.LastActive = time.Now().UTC().Add(-24 * time.Hour)
	if err := mgr.Save(s); err != nil {
		t.Fatal(err)
	}

	report, err := mgr.CleanupStale(context.Background(), tasks, transitions, "orchestrator")
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if len(report.Closed) != 1 || report.Closed[0] != "S1" {
		t.Fatalf("report.Closed = %v", report.Closed)
	}
	if len(report.Restored) != 1 || report.Restored[0] != "T1" {
		t.Fatalf("report.Restored = %v", report.Restored)
	}

	restored, err := tasks.Load("T1")
	if err != nil {
		t.Fatal(err)
	}
	if restored.State != "todo" || restored.Session != "" || !restored.ClaimedAt.IsZero() {
		t.Fatalf("restored task = %+v", restored)
	}
	if _, err := os.Stat(paths.TaskFile("todo", "T1")); err != nil {
		t.Fatalf("restored file not in global todo tree: %v", err)
	}
	closed, err := mgr.Load("S1")
	if err != nil {
		t.Fatal(err)
	}
	if closed.State != StateClosed {
		t.Fatalf("session state = %q, want closed", closed.State)
	}
}

func TestActorResolver(t *testing.T) {
	mgr, paths, _ := newTestManager(t)
	_ = mgr
	journal := audit.New(paths.Stream(audit.StreamProcessEvents))

	t.Run("env wins", func(t *testing.T) {
		r := NewActorResolver(journal)
		r.SetProcessContext(func(k string) string {
			switch k {
			case EnvActorKind:
				return ActorAgent
			case EnvActorID:
				return "agent-7"
			}
			return ""
		}, 1, func(int) []procfs.Process { return nil })
		a, err := r.Resolve()
		if err != nil || a.Kind != ActorAgent || a.ID != "agent-7" {
			t.Fatalf("Resolve = %+v, %v", a, err)
		}
	})

	t.Run("invalid env kind", func(t *testing.T) {
		r := NewActorResolver(journal)
		r.SetProcessContext(func(k string) string {
			if k == EnvActorKind {
				return "wizard"
			}
			return ""
		}, 1, nil)
		_, err := r.Resolve()
		var rerr *errs.ResolutionError
		if !errors.As(err, &rerr) {
			t.Fatalf("err = %v, want ResolutionError", err)
		}
	})

	t.Run("tail scan fallback", func(t *testing.T) {
		if _, err := journal.Append("process.launched", "", "launcher", map[string]any{
			"pid": 555, "actorKind": ActorOrchestrator, "actorId": "main",
		}); err != nil {
			t.Fatal(err)
		}
		r := NewActorResolver(journal)
		r.SetProcessContext(noEnv, 42, func(int) []procfs.Process {
			return []procfs.Process{{PID: 42, Name: "edison"}, {PID: 555, Name: "claude"}}
		})
		a, err := r.Resolve()
		if err != nil || a.Kind != ActorOrchestrator || a.ID != "main" {
			t.Fatalf("Resolve = %+v, %v", a, err)
		}
	})

	t.Run("fail open to unknown", func(t *testing.T) {
		r := NewActorResolver(journal)
		r.SetProcessContext(noEnv, 42, func(int) []procfs.Process { return nil })
		a, err := r.Resolve()
		if err != nil || a.Kind != ActorUnknown {
			t.Fatalf("Resolve = %+v, %v", a, err)
		}
	})
}
