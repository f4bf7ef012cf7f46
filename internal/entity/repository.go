package entity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/leeroybrun/edison-sub000/internal/audit"
	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/storage"
	"github.com/leeroybrun/edison-sub000/internal/workspace"
)

// TransitionOptions carries the actor context for one guarded transition.
type TransitionOptions struct {
	Actor    string
	Reason   string
	Session  string // claim target; ignored by other actions
	Evidence map[string]any
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	States  []string
	Session string
	IDs     []string
}

func (f Filter) matches(e *Entity) bool {
	if len(f.States) > 0 && !contains(f.States, e.State) {
		return false
	}
	if f.Session != "" && e.Session != f.Session {
		return false
	}
	if len(f.IDs) > 0 && !contains(f.IDs, e.ID) {
		return false
	}
	return true
}

// Repository is the uniform CRUD+transition engine for one entity kind. All
// mutations happen under the entity's advisory lock; the file a task lives
// in always matches its state (and session, while claimed).
type Repository struct {
	kind    string
	paths   workspace.Paths
	machine *Machine
	guards  *Registry
	journal *audit.Journal
	now     func() time.Time

	// States whose files live under the claiming session's directory.
	sessionScoped map[string]bool
}

// NewTaskRepository stores tasks under .project/tasks/<state>/ and, while
// claimed, .project/sessions/<session>/.
func NewTaskRepository(paths workspace.Paths, machine *Machine, guards *Registry, journal *audit.Journal) *Repository {
	return &Repository{
		kind:          KindTask,
		paths:         paths,
		machine:       machine,
		guards:        guards,
		journal:       journal,
		now:           func() time.Time { return time.Now().UTC() },
		sessionScoped: map[string]bool{"wip": true, "blocked": true},
	}
}

// NewQARepository stores QA records under .project/qa/records/.
func NewQARepository(paths workspace.Paths, machine *Machine, guards *Registry, journal *audit.Journal) *Repository {
	return &Repository{
		kind:    KindQA,
		paths:   paths,
		machine: machine,
		guards:  guards,
		journal: journal,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Kind returns the repository's entity kind.
func (r *Repository) Kind() string { return r.kind }

// Machine exposes the compiled state machine for readiness queries.
func (r *Repository) Machine() *Machine { return r.machine }

// SetClock overrides the timestamp source (tests only).
func (r *Repository) SetClock(now func() time.Time) { r.now = now }

// PathFor computes the authoritative file for an entity in its current state.
func (r *Repository) PathFor(e *Entity) string {
	if r.kind == KindQA {
		return filepath.Join(r.paths.QARecordsDir(), e.ID+".md")
	}
	if e.Session != "" && r.sessionScoped[e.State] {
		return r.paths.SessionTaskFile(e.Session, e.ID)
	}
	return r.paths.TaskFile(r.machine.Directory(e.State), e.ID)
}

// Find locates the single file holding id. Zero hits is NotFound; more than
// one is an IntegrityError naming every path.
func (r *Repository) Find(id string) (string, error) {
	if !ValidID(id) {
		return "", &errs.ValidationError{Subject: r.kind, Reason: fmt.Sprintf("invalid id %q", id)}
	}
	var hits []string
	for _, dir := range r.scanDirs() {
		p := filepath.Join(dir, id+".md")
		if storage.Exists(p) {
			hits = append(hits, p)
		}
	}
	switch len(hits) {
	case 0:
		return "", &errs.NotFound{Kind: r.kind, ID: id, Path: r.defaultPathHint(id)}
	case 1:
		return hits[0], nil
	default:
		sort.Strings(hits)
		return "", &errs.IntegrityError{
			Subject: r.kind + " " + id,
			Reason:  "entity has more than one file on disk",
			Paths:   hits,
		}
	}
}

func (r *Repository) defaultPathHint(id string) string {
	if r.kind == KindQA {
		return filepath.Join(r.paths.QARecordsDir(), id+".md")
	}
	first := "todo"
	if states := r.machine.States(); len(states) > 0 {
		first = states[0]
	}
	return r.paths.TaskFile(r.machine.Directory(first), id)
}

func (r *Repository) scanDirs() []string {
	if r.kind == KindQA {
		return []string{r.paths.QARecordsDir()}
	}
	var dirs []string
	for _, state := range r.machine.States() {
		dirs = append(dirs, r.paths.TasksDir(r.machine.Directory(state)))
	}
	entries, err := os.ReadDir(r.paths.SessionsDir())
	if err == nil {
		var sessions []string
		for _, ent := range entries {
			if ent.IsDir() {
				sessions = append(sessions, ent.Name())
			}
		}
		sort.Strings(sessions)
		for _, s := range sessions {
			dirs = append(dirs, r.paths.SessionDir(s))
		}
	}
	return dirs
}

// Load reads and parses the authoritative file for id.
func (r *Repository) Load(id string) (*Entity, error) {
	path, err := r.Find(id)
	if err != nil {
		return nil, err
	}
	return r.loadPath(path)
}

func (r *Repository) loadPath(path string) (*Entity, error) {
	content, err := storage.ReadText(path)
	if err != nil {
		return nil, err
	}
	e, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if e.State != "" && !r.machine.ValidState(e.State) {
		return nil, &errs.ValidationError{
			Subject: r.kind + " " + e.ID,
			Reason:  fmt.Sprintf("unknown state %q", e.State),
			Remedy:  "declare the state in workflow.yaml or fix the entity header",
		}
	}
	return e, nil
}

// Create writes a new entity. The id must be unused.
func (r *Repository) Create(e *Entity) error {
	if _, err := r.Find(e.ID); err == nil {
		return &errs.ValidationError{Subject: r.kind + " " + e.ID, Reason: "id already exists"}
	} else if !errs.IsNotFound(err) {
		return err
	}
	now := r.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	if e.State == "" {
		if states := r.machine.States(); len(states) > 0 {
			e.State = states[0]
		}
	}
	if !r.machine.ValidState(e.State) {
		return &errs.ValidationError{Subject: r.kind + " " + e.ID, Reason: fmt.Sprintf("unknown state %q", e.State)}
	}
	return r.writeAt(e, "")
}

// Save rewrites an existing entity in place (same state). State changes must
// go through Transition.
func (r *Repository) Save(e *Entity) error {
	oldPath, err := r.Find(e.ID)
	if err != nil {
		return err
	}
	e.UpdatedAt = r.now()
	return r.writeAt(e, oldPath)
}

// writeAt serializes e to its authoritative path and removes oldPath when the
// entity moved. A failed removal rolls the new file back so the one-file
// invariant holds.
func (r *Repository) writeAt(e *Entity, oldPath string) error {
	content, err := Serialize(e)
	if err != nil {
		return err
	}
	newPath := r.PathFor(e)
	if err := storage.WriteFileAtomic(newPath, []byte(content), 0o644); err != nil {
		return err
	}
	if oldPath != "" && oldPath != newPath {
		if err := os.Remove(oldPath); err != nil {
			os.Remove(newPath)
			return &errs.IOError{Op: "remove", Path: oldPath, Err: err}
		}
	}
	return nil
}

// List scans every storage root for this kind, deterministic order: id
// ascending, path as tiebreak. A duplicated id fails the whole scan.
func (r *Repository) List(filter Filter) ([]*Entity, error) {
	type hit struct {
		e    *Entity
		path string
	}
	var hits []hit
	seen := map[string]string{}
	for _, dir := range r.scanDirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, ent := range entries {
			name := ent.Name()
			if ent.IsDir() || !strings.HasSuffix(name, ".md") {
				continue
			}
			path := filepath.Join(dir, name)
			e, err := r.loadPath(path)
			if err != nil {
				return nil, err
			}
			if prev, dup := seen[e.ID]; dup {
				return nil, &errs.IntegrityError{
					Subject: r.kind + " " + e.ID,
					Reason:  "entity has more than one file on disk",
					Paths:   []string{prev, path},
				}
			}
			seen[e.ID] = path
			if filter.matches(e) {
				hits = append(hits, hit{e: e, path: path})
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].e.ID != hits[j].e.ID {
			return hits[i].e.ID < hits[j].e.ID
		}
		return hits[i].path < hits[j].path
	})
	out := make([]*Entity, len(hits))
	for i, h := range hits {
		out[i] = h.e
	}
	return out, nil
}

// Transition moves id to toState under the entity lock: load, find the
// declared rule, evaluate its guards in order, mutate, write to the new
// authoritative path, remove the old file, emit one audit event. Any failure
// before the final write leaves the entity untouched on disk.
func (r *Repository) Transition(ctx context.Context, id, toState string, opts TransitionOptions) (*Entity, error) {
	if !r.machine.ValidState(toState) {
		return nil, &errs.ValidationError{Subject: r.kind + " " + id, Reason: fmt.Sprintf("unknown state %q", toState)}
	}
	var result *Entity
	err := storage.WithLockRetry(ctx, r.paths.LockFile(r.kind, id), storage.DefaultBackoff(), 0, func() error {
		oldPath, err := r.Find(id)
		if err != nil {
			return err
		}
		e, err := r.loadPath(oldPath)
		if err != nil {
			return err
		}
		rule, ok := r.machine.Rule(e.State, toState)
		if !ok {
			return &errs.ValidationError{
				Subject: r.kind + " " + id,
				Reason:  fmt.Sprintf("no transition from %q to %q", e.State, toState),
				Remedy:  r.transitionHint(e.State),
			}
		}
		for _, guardID := range rule.Guards {
			guard, ok := r.guards.Lookup(guardID)
			if !ok {
				return &errs.ConfigError{
					Path:   "workflow." + r.kind,
					Reason: fmt.Sprintf("transition %s -> %s names unknown guard %q", e.State, toState, guardID),
				}
			}
			denial, err := guard.Check(ctx, GuardContext{
				Entity:  e.Clone(),
				From:    e.State,
				To:      toState,
				Action:  rule.Action,
				Actor:   opts.Actor,
				Session: opts.Session,
				Load:    r.Load,
			})
			if err != nil {
				return err
			}
			if denial != nil {
				return &errs.TransitionBlocked{
					Entity: id,
					From:   e.State,
					To:     toState,
					Guard:  guardID,
					Reason: denial.Reason,
					Remedy: denial.Remedy,
				}
			}
		}

		now := r.now()
		from := e.State
		e.State = toState
		e.UpdatedAt = now
		e.LastActive = now
		if rule.Action == "claim" {
			e.ClaimedAt = now
			if opts.Session != "" {
				e.Session = opts.Session
			}
		}
		if err := r.writeAt(e, oldPath); err != nil {
			return err
		}

		payload := map[string]any{
			"from":   from,
			"to":     toState,
			"action": rule.Action,
		}
		if e.Session != "" {
			payload["session"] = e.Session
		}
		if opts.Reason != "" {
			payload["reason"] = opts.Reason
		}
		for k, v := range opts.Evidence {
			payload[k] = v
		}
		if _, err := r.journal.Append(r.kind+".transition", opts.Actor, id, payload); err != nil {
			return err
		}
		result = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Repository) transitionHint(from string) string {
	rules := r.machine.RulesFrom(from)
	if len(rules) == 0 {
		return fmt.Sprintf("state %q is terminal", from)
	}
	var targets []string
	for _, tr := range rules {
		targets = append(targets, tr.To)
	}
	return fmt.Sprintf("valid targets from %q: %s", from, strings.Join(targets, ", "))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
