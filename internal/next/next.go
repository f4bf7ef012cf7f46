// Package next computes the session-next payload: the ordered action hints,
// blockers, missing evidence, completion verdict, and continuation contract
// that loop-driver clients consume. Everything here is read-only; the
// payload is recomputed from disk on every call and never mutates state.
package next

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/leeroybrun/edison-sub000/internal/audit"
	"github.com/leeroybrun/edison-sub000/internal/config"
	"github.com/leeroybrun/edison-sub000/internal/entity"
	"github.com/leeroybrun/edison-sub000/internal/qa"
	"github.com/leeroybrun/edison-sub000/internal/relation"
	"github.com/leeroybrun/edison-sub000/internal/session"
	"github.com/leeroybrun/edison-sub000/internal/storage"
	"github.com/leeroybrun/edison-sub000/internal/workspace"
)

// Action is one ordered hint. Command is the exact invocation that performs
// the step.
type Action struct {
	Kind    string `json:"kind"`
	Command string `json:"command"`
	Subject string `json:"subject"`
	Reason  string `json:"reason"`
}

// Blocker is one deterministic reason the session cannot progress.
type Blocker struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Reason  string `json:"reason"`
}

// MissingReport names an evidence file a promotion will demand.
type MissingReport struct {
	Task string `json:"task"`
	Path string `json:"path"`
}

type Completion struct {
	IsComplete        bool     `json:"isComplete"`
	Policy            string   `json:"policy"`
	ReasonsIncomplete []string `json:"reasonsIncomplete"`
}

type Continuation struct {
	Mode           string `json:"mode"`
	ShouldContinue bool   `json:"shouldContinue"`
	Prompt         string `json:"prompt"`
}

// Payload is the stable session-next JSON shape.
type Payload struct {
	Session        string          `json:"session"`
	Actions        []Action        `json:"actions"`
	Blockers       []Blocker       `json:"blockers"`
	ReportsMissing []MissingReport `json:"reportsMissing"`
	Completion     Completion      `json:"completion"`
	Continuation   Continuation    `json:"continuation"`
}

// Computer derives payloads for one workspace.
type Computer struct {
	paths    workspace.Paths
	cfg      *config.Config
	repo     *entity.Repository
	sessions *session.Manager
	journal  *audit.Journal // process-events; carries next.error records
}

func NewComputer(paths workspace.Paths, cfg *config.Config, repo *entity.Repository, sessions *session.Manager, journal *audit.Journal) *Computer {
	return &Computer{paths: paths, cfg: cfg, repo: repo, sessions: sessions, journal: journal}
}

// Compute is fail-open: hook callers must never crash because next could
// not be derived. Any error or panic yields a conservative payload
// (incomplete, reason attached) plus a next.error audit record, and the
// caller reports success.
func (c *Computer) Compute(sessionID string) Payload {
	payload, err := func() (p Payload, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return c.compute(sessionID)
	}()
	if err == nil {
		return payload
	}

	// The audit record is itself best effort on this path.
	c.journal.Append("next.error", "", sessionID, map[string]any{"error": err.Error()})
	return Payload{
		Session:        sessionID,
		Actions:        []Action{},
		Blockers:       []Blocker{},
		ReportsMissing: []MissingReport{},
		Completion: Completion{
			IsComplete:        false,
			Policy:            c.cfg.Session.Continuation.CompletionPolicy,
			ReasonsIncomplete: []string{"next computation failed: " + err.Error()},
		},
		Continuation: Continuation{Mode: config.ModeOff},
	}
}

func (c *Computer) compute(sessionID string) (Payload, error) {
	sess, err := c.sessions.Load(sessionID)
	if err != nil {
		return Payload{}, err
	}
	view, err := relation.NewView(c.repo)
	if err != nil {
		return Payload{}, err
	}
	machine := c.repo.Machine()
	satisfied := machine.DependencySatisfiedStates()

	var mine []*entity.Entity
	for _, t := range view.Tasks() {
		if t.Session == sessionID {
			mine = append(mine, t)
		}
	}

	actions := c.buildActions(view, mine, satisfied)
	blockers := c.buildBlockers(view, mine, satisfied)
	missing := c.reportsMissing(view, mine)
	completion := c.completion(view, mine, blockers, missing)
	continuation := c.continuation(sess, completion, actions)

	return Payload{
		Session:        sessionID,
		Actions:        actions,
		Blockers:       blockers,
		ReportsMissing: missing,
		Completion:     completion,
		Continuation:   continuation,
	}, nil
}

// buildActions orders hints by urgency: promote what is already done, finish
// what is in flight, claim what is ready, surface what is blocked, and only
// suggest creating work when the session has none.
func (c *Computer) buildActions(view *relation.View, mine []*entity.Entity, satisfied []string) []Action {
	var actions []Action
	seen := map[string]bool{}
	add := func(a Action) {
		key := a.Kind + "\x00" + a.Subject
		if seen[key] {
			return
		}
		seen[key] = true
		actions = append(actions, a)
	}

	for _, t := range sortedByID(mine) {
		if t.State == "done" {
			root := bundleRootOf(t)
			add(Action{
				Kind:    "validate",
				Command: "edison qa validate " + root,
				Subject: root,
				Reason:  fmt.Sprintf("task %s is done and awaits validation", t.ID),
			})
		}
	}
	for _, t := range sortedByID(mine) {
		if t.State == "wip" {
			add(Action{
				Kind:    "finish",
				Command: "edison task done " + t.ID,
				Subject: t.ID,
				Reason:  "in progress",
			})
		}
	}
	for _, t := range view.ReadyTasks(satisfied) {
		add(Action{
			Kind:    "claim",
			Command: "edison task claim " + t.ID,
			Subject: t.ID,
			Reason:  "ready: all dependencies satisfied",
		})
	}
	for _, t := range sortedByID(mine) {
		if t.State == "blocked" {
			add(Action{
				Kind:    "unblock",
				Command: "edison task status " + t.ID,
				Subject: t.ID,
				Reason:  "blocked; inspect and unblock",
			})
		}
	}
	if len(actions) == 0 && len(mine) == 0 {
		add(Action{
			Kind:    "create",
			Command: "edison task create",
			Subject: "",
			Reason:  "session has no tasks",
		})
	}
	return actions
}

func (c *Computer) buildBlockers(view *relation.View, mine []*entity.Entity, satisfied []string) []Blocker {
	blockers := []Blocker{}
	for _, t := range sortedByID(mine) {
		if ok, unsatisfied := view.PrereqsSatisfied(t, satisfied); !ok {
			for _, dep := range unsatisfied {
				state := "missing"
				if d, found := view.Get(dep); found {
					state = d.State
				}
				blockers = append(blockers, Blocker{
					Kind:    "dependency",
					Subject: t.ID,
					Reason:  fmt.Sprintf("depends_on %s (%s)", dep, state),
				})
			}
		}
		if t.State == "blocked" {
			blockers = append(blockers, Blocker{
				Kind:    "blocked",
				Subject: t.ID,
				Reason:  "task is in blocked state",
			})
		}
	}
	return blockers
}

// reportsMissing lists, for every done task, the evidence a promotion will
// demand and does not yet have. Without any recorded round the expected path
// points at the round the next validation run will create.
func (c *Computer) reportsMissing(view *relation.View, mine []*entity.Entity) []MissingReport {
	missing := []MissingReport{}
	for _, t := range sortedByID(mine) {
		if t.State != "done" {
			continue
		}
		root := bundleRootOf(t)
		summary, round, err := qa.LatestSummary(c.paths, view, t.ID)
		if err != nil {
			next := 1
			if n, lerr := qa.LatestRound(c.paths, root); lerr == nil {
				next = n + 1
			}
			missing = append(missing, MissingReport{
				Task: t.ID,
				Path: c.paths.Rel(filepath.Join(c.paths.EvidenceRound(root, next), qa.ImplementationReport)),
			})
			continue
		}
		preset, ok := c.cfg.Validation.Presets[summary.Preset]
		if !ok {
			continue
		}
		roundDir := c.paths.EvidenceRound(root, round)
		for _, name := range preset.RequiredEvidence {
			path := filepath.Join(roundDir, name)
			if storage.Exists(path) {
				continue
			}
			if summary.Preset == "quick" && name != qa.ImplementationReport {
				continue
			}
			missing = append(missing, MissingReport{Task: t.ID, Path: c.paths.Rel(path)})
		}
	}
	return missing
}

// completion applies the configured policy over the session's tasks. Parents
// are tasks with children; under the default policy they must reach
// validated while everyone else must reach at least done.
func (c *Computer) completion(view *relation.View, mine []*entity.Entity, blockers []Blocker, missing []MissingReport) Completion {
	policy := c.cfg.Session.Continuation.CompletionPolicy
	reasons := []string{}

	if len(mine) == 0 {
		reasons = append(reasons, "session has no tasks")
	}
	for _, t := range sortedByID(mine) {
		switch policy {
		case config.PolicyAllTasksValidated:
			if !c.atLeast(t.State, "validated") {
				reasons = append(reasons, fmt.Sprintf("task %s is %s", t.ID, t.State))
			}
		default: // parent_validated_children_done
			want := "done"
			if len(t.Rel(entity.RelChild)) > 0 {
				want = "validated"
			}
			if !c.atLeast(t.State, want) {
				reasons = append(reasons, fmt.Sprintf("task %s is %s", t.ID, t.State))
			}
		}
	}
	for _, b := range blockers {
		reasons = append(reasons, fmt.Sprintf("%s: %s", b.Subject, b.Reason))
	}
	for _, m := range missing {
		reasons = append(reasons, fmt.Sprintf("task %s is missing %s", m.Task, m.Path))
	}

	return Completion{
		IsComplete:        len(reasons) == 0,
		Policy:            policy,
		ReasonsIncomplete: reasons,
	}
}

// atLeast compares states by their declaration order in the task machine.
func (c *Computer) atLeast(state, want string) bool {
	states := c.repo.Machine().States()
	rank := func(s string) int {
		for i, st := range states {
			if st == s {
				return i
			}
		}
		return -1
	}
	ws := rank(want)
	ss := rank(state)
	return ws >= 0 && ss >= ws
}

// continuation resolves the effective mode as default, then per-session
// override, then per-platform override, last wins. Anything invalid falls
// back to off.
func (c *Computer) continuation(sess *session.Session, completion Completion, actions []Action) Continuation {
	cc := c.cfg.Session.Continuation
	mode := config.ModeOff
	if cc.Enabled == nil || *cc.Enabled {
		mode = normalizeMode(cc.DefaultMode)
		if sess.Meta.Continuation != nil && sess.Meta.Continuation.Mode != "" {
			mode = normalizeMode(sess.Meta.Continuation.Mode)
		}
		if ov, ok := cc.Platforms[sess.Platform]; ok && ov.Mode != "" {
			mode = normalizeMode(ov.Mode)
		}
	}

	out := Continuation{
		Mode:           mode,
		ShouldContinue: mode != config.ModeOff && !completion.IsComplete,
	}
	if out.ShouldContinue {
		out.Prompt = c.renderPrompt(sess.ID, actions)
	}
	return out
}

func (c *Computer) renderPrompt(sessionID string, actions []Action) string {
	nextHint := "none"
	if len(actions) > 0 {
		nextHint = actions[0].Command
	}
	prompt := c.cfg.Session.Continuation.Templates.Prompt
	prompt = strings.ReplaceAll(prompt, "{{session}}", sessionID)
	prompt = strings.ReplaceAll(prompt, "{{command}}", "edison session next "+sessionID)
	prompt = strings.ReplaceAll(prompt, "{{next}}", nextHint)
	if cwam := c.cfg.Session.Continuation.Templates.CWAM; cwam != "" {
		prompt += "\n" + cwam
	}
	return prompt
}

func normalizeMode(mode string) string {
	switch mode {
	case config.ModeOff, config.ModeSoft, config.ModeHard:
		return mode
	default:
		return config.ModeOff
	}
}

func bundleRootOf(t *entity.Entity) string {
	if br := t.RelOne(entity.RelBundleRoot); br != "" {
		return br
	}
	return t.ID
}

func sortedByID(tasks []*entity.Entity) []*entity.Entity {
	out := append([]*entity.Entity(nil), tasks...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
