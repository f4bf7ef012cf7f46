// Package app wires one CLI invocation: workspace discovery, config, the
// repositories, graph, session services, QA engine, and session-next, with
// the workflow guards registered. Nothing here holds global state; every
// invocation builds a fresh App from disk.
package app

import (
	"context"

	"github.com/leeroybrun/edison-sub000/internal/audit"
	"github.com/leeroybrun/edison-sub000/internal/config"
	"github.com/leeroybrun/edison-sub000/internal/entity"
	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/next"
	"github.com/leeroybrun/edison-sub000/internal/qa"
	"github.com/leeroybrun/edison-sub000/internal/relation"
	"github.com/leeroybrun/edison-sub000/internal/session"
	"github.com/leeroybrun/edison-sub000/internal/workspace"
)

type App struct {
	Paths workspace.Paths
	Cfg   *config.Config

	Registry    *entity.Registry
	Tasks       *entity.Repository
	QARecords   *entity.Repository
	Graph       *relation.Graph
	Sessions    *session.Manager
	Resolver    *session.Resolver
	Actors      *session.ActorResolver
	Engine      *qa.Engine
	Next        *next.Computer
	Transitions *audit.Journal
	Evidence    *audit.Journal
	Process     *audit.Journal
}

// New builds the invocation wiring rooted at startDir.
func New(startDir string) (*App, error) {
	paths, err := workspace.FindRoot(startDir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths)
	if err != nil {
		return nil, err
	}
	taskMachine, err := entity.NewMachine("workflow.tasks", cfg.Workflow.Tasks)
	if err != nil {
		return nil, err
	}
	qaMachine, err := entity.NewMachine("workflow.qa", cfg.Workflow.QA)
	if err != nil {
		return nil, err
	}

	reg := entity.NewRegistry()
	transitions := audit.New(paths.Stream(audit.StreamTransitions))
	evidence := audit.New(paths.Stream(audit.StreamEvidence))
	process := audit.New(paths.Stream(audit.StreamProcessEvents))

	tasks := entity.NewTaskRepository(paths, taskMachine, reg, transitions)
	qaRecords := entity.NewQARepository(paths, qaMachine, reg, transitions)
	graph := relation.NewGraph(tasks, paths, transitions)
	sessions := session.NewManager(paths, cfg, process)

	a := &App{
		Paths:       paths,
		Cfg:         cfg,
		Registry:    reg,
		Tasks:       tasks,
		QARecords:   qaRecords,
		Graph:       graph,
		Sessions:    sessions,
		Resolver:    session.NewResolver(sessions, paths),
		Actors:      session.NewActorResolver(process),
		Engine:      qa.NewEngine(paths, cfg, tasks, evidence),
		Next:        next.NewComputer(paths, cfg, tasks, sessions, process),
		Transitions: transitions,
		Evidence:    evidence,
		Process:     process,
	}
	a.registerGuards()
	return a, nil
}

// registerGuards installs the workflow guards. Promotion guards come from
// the QA engine; the claim guards live here because they need the graph and
// the session manager.
func (a *App) registerGuards() {
	a.Registry.Register("dependencies_satisfied", entity.GuardFunc(a.dependenciesSatisfied))
	a.Registry.Register("session_not_stale", entity.GuardFunc(a.sessionNotStale))
	qa.RegisterGuards(a.Registry, a.Paths, a.Cfg)
}

// dependenciesSatisfied refuses claims and promotions while any depends_on
// target is not yet in a satisfied state. The denial travels as
// DependenciesUnsatisfied so callers can exit 3 with the claim hint.
func (a *App) dependenciesSatisfied(_ context.Context, gc entity.GuardContext) (*entity.Denial, error) {
	view, err := relation.NewView(a.Tasks)
	if err != nil {
		return nil, err
	}
	ok, unsatisfied := view.PrereqsSatisfied(gc.Entity, a.Tasks.Machine().DependencySatisfiedStates())
	if !ok {
		return nil, &errs.DependenciesUnsatisfied{Task: gc.Entity.ID, Unsatisfied: unsatisfied}
	}
	return nil, nil
}

// sessionNotStale warns rather than blocks by default: a stale session can
// still claim work, the staleness lands in its activity log. Only
// recovery.blockOnStale turns it into a denial.
func (a *App) sessionNotStale(_ context.Context, gc entity.GuardContext) (*entity.Denial, error) {
	if gc.Session == "" {
		return nil, nil
	}
	s, err := a.Sessions.Load(gc.Session)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if !s.Stale(a.Sessions.Now(), a.Sessions.StaleThreshold()) {
		return nil, nil
	}
	if a.Cfg.Session.Recovery.BlockOnStale {
		return &entity.Denial{
			Reason: "session " + s.ID + " is stale",
			Remedy: "run: edison session resume " + s.ID + " (or edison session cleanup-stale)",
		}, nil
	}
	// Best effort: the claim must not fail because the log write did.
	a.Sessions.Activity(s.ID, "session.stale_claim", map[string]any{
		"task":   gc.Entity.ID,
		"action": gc.Action,
	})
	return nil, nil
}

// ClaimResult is the task claim's user-facing shape: the authoritative
// on-disk location after the move, plus the new state.
type ClaimResult struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Session string `json:"session"`
	Path    string `json:"path"`
}

// Claim transitions a todo task to wip inside a session and reports where
// the file now lives.
func (a *App) Claim(ctx context.Context, taskID, sessionID, actor string) (*ClaimResult, error) {
	e, err := a.Tasks.Transition(ctx, taskID, "wip", entity.TransitionOptions{
		Actor:   actor,
		Session: sessionID,
	})
	if err != nil {
		return nil, err
	}
	path, err := a.Tasks.Find(taskID)
	if err != nil {
		return nil, err
	}
	return &ClaimResult{
		ID:      e.ID,
		State:   e.State,
		Session: e.Session,
		Path:    a.Paths.Rel(path),
	}, nil
}

// Ready lists the tasks whose dependencies are satisfied and that are still
// unclaimed.
func (a *App) Ready() ([]*entity.Entity, error) {
	view, err := relation.NewView(a.Tasks)
	if err != nil {
		return nil, err
	}
	return view.ReadyTasks(a.Tasks.Machine().DependencySatisfiedStates()), nil
}

// Waves layers the whole graph (or a subset) into dependency waves.
func (a *App) Waves(ids []string) (waves [][]string, blocked []string, err error) {
	view, err := relation.NewView(a.Tasks)
	if err != nil {
		return nil, nil, err
	}
	waves, blocked = view.Waves(ids)
	return waves, blocked, nil
}
