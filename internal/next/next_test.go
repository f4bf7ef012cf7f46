package next

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leeroybrun/edison-sub000/internal/audit"
	"github.com/leeroybrun/edison-sub000/internal/config"
	"github.com/leeroybrun/edison-sub000/internal/entity"
	"github.com/leeroybrun/edison-sub000/internal/qa"
	"github.com/leeroybrun/edison-sub000/internal/relation"
	"github.com/leeroybrun/edison-sub000/internal/session"
	"github.com/leeroybrun/edison-sub000/internal/storage"
	"github.com/leeroybrun/edison-sub000/internal/workspace"
)

type testEnv struct {
	paths    workspace.Paths
	cfg      *config.Config
	repo     *entity.Repository
	graph    *relation.Graph
	sessions *session.Manager
	journal  *audit.Journal
}

func newTestEnv(t *testing.T) *testEnv {
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
	machine, err := entity.NewMachine("workflow.tasks", cfg.Workflow.Tasks)
	if err != nil {
		t.Fatal(err)
	}
	reg := entity.NewRegistry()
	for _, id := range []string{"dependencies_satisfied", "session_not_stale",
		"has_bundle_approval", "has_required_evidence", "has_all_waves_passed"} {
		reg.Register(id, entity.GuardFunc(func(context.Context, entity.GuardContext) (*entity.Denial, error) {
			return nil, nil
		}))
	}
	transitions := audit.New(paths.Stream(audit.StreamTransitions))
	journal := audit.New(paths.Stream(audit.StreamProcessEvents))
	repo := entity.NewTaskRepository(paths, machine, reg, transitions)
	return &testEnv{
		paths:    paths,
		cfg:      cfg,
		repo:     repo,
		graph:    relation.NewGraph(repo, paths, transitions),
		sessions: session.NewManager(paths, cfg, journal),
		journal:  journal,
	}
}

func (env *testEnv) computer() *Computer {
	return NewComputer(env.paths, env.cfg, env.repo, env.sessions, env.journal)
}

func (env *testEnv) seedSession(t *testing.T, id string) *session.Session {
	t.Helper()
	s, err := env.sessions.Create(session.CreateOptions{ID: id})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func (env *testEnv) createTasks(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := env.repo.Create(&entity.Entity{ID: id}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
}

func (env *testEnv) claim(t *testing.T, task, sess string) {
	t.Helper()
	if _, err := env.repo.Transition(context.Background(), task, "wip", entity.TransitionOptions{Session: sess}); err != nil {
		t.Fatalf("claim %s: %v", task, err)
	}
}

func TestActionsOrderAndDedup(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "S1")
	env.createTasks(t, "T1", "T2", "T3")
	ctx := context.Background()

	// T1 done in S1, T2 wip in S1, T3 ready to claim.
	env.claim(t, "T1", "S1")
	if _, err := env.repo.Transition(ctx, "T1", "done", entity.TransitionOptions{}); err != nil {
		t.Fatal(err)
	}
	env.claim(t, "T2", "S1")

	p := env.computer().Compute("S1")
	if len(p.Actions) < 3 {
		t.Fatalf("actions = %+v", p.Actions)
	}
	if p.Actions[0].Kind != "validate" || p.Actions[0].Subject != "T1" {
		t.Errorf("first action = %+v, want validate T1", p.Actions[0])
	}
	if p.Actions[1].Kind != "finish" || p.Actions[1].Command != "edison task done T2" {
		t.Errorf("second action = %+v, want finish T2", p.Actions[1])
	}
	if p.Actions[2].Kind != "claim" || p.Actions[2].Subject != "T3" {
		t.Errorf("third action = %+v, want claim T3", p.Actions[2])
	}
	for i, a := range p.Actions {
		for j, b := range p.Actions[i+1:] {
			if a.Kind == b.Kind && a.Subject == b.Subject {
				t.Errorf("duplicate action at %d and %d: %+v", i, i+1+j, a)
			}
		}
	}
}

func TestEmptySessionSuggestsCreate(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "S1")

	p := env.computer().Compute("S1")
	if len(p.Actions) != 1 || p.Actions[0].Kind != "create" {
		t.Fatalf("actions = %+v", p.Actions)
	}
	if p.Completion.IsComplete {
		t.Fatal("empty session reported complete")
	}
}

func TestDependencyBlockers(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "S1")
	env.createTasks(t, "X", "Y")
	ctx := context.Background()
	if err := env.graph.Add(ctx, entity.RelDependsOn, "X", "Y"); err != nil {
		t.Fatal(err)
	}
	env.claim(t, "X", "S1")

	p := env.computer().Compute("S1")
	if len(p.Blockers) != 1 {
		t.Fatalf("blockers = %+v", p.Blockers)
	}
	b := p.Blockers[0]
	if b.Kind != "dependency" || b.Subject != "X" || b.Reason != "depends_on Y (todo)" {
		t.Fatalf("blocker = %+v", b)
	}
}

func TestReportsMissingWithoutRound(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "S1")
	env.createTasks(t, "T1")
	ctx := context.Background()
	env.claim(t, "T1", "S1")
	if _, err := env.repo.Transition(ctx, "T1", "done", entity.TransitionOptions{}); err != nil {
		t.Fatal(err)
	}

	p := env.computer().Compute("S1")
	if len(p.ReportsMissing) != 1 {
		t.Fatalf("reportsMissing = %+v", p.ReportsMissing)
	}
	m := p.ReportsMissing[0]
	want := filepath.Join(".project", "qa", "validation-evidence", "T1", "round-1", qa.ImplementationReport)
	if m.Task != "T1" || m.Path != want {
		t.Fatalf("missing = %+v, want path %s", m, want)
	}
}

func TestCompletionParentValidatedChildrenDone(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "S1")
	env.createTasks(t, "P", "C")
	ctx := context.Background()
	if err := env.graph.Add(ctx, entity.RelParent, "C", "P"); err != nil {
		t.Fatal(err)
	}

	// P validated, C done, both owned by S1.
	for _, step := range []struct{ id, to string }{
		{"P", "wip"}, {"P", "done"}, {"P", "validated"},
		{"C", "wip"}, {"C", "done"},
	} {
		opts := entity.TransitionOptions{}
		if step.to == "wip" {
			opts.Session = "S1"
		}
		if _, err := env.repo.Transition(ctx, step.id, step.to, opts); err != nil {
			t.Fatalf("%s -> %s: %v", step.id, step.to, err)
		}
	}
	// The done child would report missing evidence; satisfy it.
	_, roundDir, err := qa.CreateRound(env.paths, "C")
	if err != nil {
		t.Fatal(err)
	}
	summary := qa.BundleSummary{RootTask: "C", Scope: qa.ScopeSingle, Preset: "quick", Round: 1,
		Approved: true, Tasks: []string{"C"}, Missing: []string{}}
	if err := storage.WriteJSONAtomic(qa.SummaryFile(roundDir), summary); err != nil {
		t.Fatal(err)
	}
	if err := storage.WriteTextAtomic(filepath.Join(roundDir, qa.ImplementationReport), "done\n"); err != nil {
		t.Fatal(err)
	}

	p := env.computer().Compute("S1")
	if !p.Completion.IsComplete {
		t.Fatalf("incomplete: %v", p.Completion.ReasonsIncomplete)
	}

	// The stricter policy wants the child validated too.
	env.cfg.Session.Continuation.CompletionPolicy = config.PolicyAllTasksValidated
	p = env.computer().Compute("S1")
	if p.Completion.IsComplete {
		t.Fatal("all_tasks_validated accepted a done child")
	}
	if len(p.Completion.ReasonsIncomplete) == 0 || !strings.Contains(p.Completion.ReasonsIncomplete[0], "task C is done") {
		t.Fatalf("reasons = %v", p.Completion.ReasonsIncomplete)
	}
}

func TestContinuationOverrideOrder(t *testing.T) {
	env := newTestEnv(t)
	s := env.seedSession(t, "S1")
	env.cfg.Session.Continuation.DefaultMode = config.ModeSoft

	p := env.computer().Compute("S1")
	if p.Continuation.Mode != config.ModeSoft || !p.Continuation.ShouldContinue {
		t.Fatalf("default continuation = %+v", p.Continuation)
	}
	if !strings.Contains(p.Continuation.Prompt, "edison session next S1") {
		t.Fatalf("prompt = %q", p.Continuation.Prompt)
	}

	// Session override beats the default.
	s.Meta.Continuation = &session.Continuation{Mode: config.ModeHard}
	if err := env.sessions.Save(s); err != nil {
		t.Fatal(err)
	}
	p = env.computer().Compute("S1")
	if p.Continuation.Mode != config.ModeHard {
		t.Fatalf("session override mode = %q", p.Continuation.Mode)
	}

	// Platform override is applied last.
	s.Platform = "claude"
	if err := env.sessions.Save(s); err != nil {
		t.Fatal(err)
	}
	env.cfg.Session.Continuation.Platforms = map[string]config.ContinuationOverride{
		"claude": {Mode: config.ModeOff},
	}
	p = env.computer().Compute("S1")
	if p.Continuation.Mode != config.ModeOff || p.Continuation.ShouldContinue {
		t.Fatalf("platform override = %+v", p.Continuation)
	}
}

func TestComputeFailOpen(t *testing.T) {
	env := newTestEnv(t)

	// No such session: the payload degrades instead of erroring.
	p := env.computer().Compute("ghost")
	if p.Session != "ghost" || p.Completion.IsComplete {
		t.Fatalf("payload = %+v", p)
	}
	if len(p.Completion.ReasonsIncomplete) != 1 ||
		!strings.Contains(p.Completion.ReasonsIncomplete[0], "next computation failed") {
		t.Fatalf("reasons = %v", p.Completion.ReasonsIncomplete)
	}
	if p.Continuation.Mode != config.ModeOff || p.Continuation.ShouldContinue {
		t.Fatalf("continuation = %+v", p.Continuation)
	}

	var kinds []string
	if err := env.journal.Scan(func(ev audit.Event) error {
		kinds = append(kinds, ev.Kind)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, k := range kinds {
		if k == "next.error" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no next.error record: %v", kinds)
	}
}
