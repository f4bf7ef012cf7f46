package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/procfs"
	"github.com/leeroybrun/edison-sub000/internal/workspace"
)

// EnvSession is the explicit session-id hint honored by the resolver.
const EnvSession = "AGENTS_SESSION"

// LLM wrapper process names recognized during the ancestor walk.
var llmWrappers = map[string]bool{
	"claude": true,
	"codex":  true,
	"cursor": true,
	"gemini": true,
}

// Resolver implements the ordered session-id resolution pipeline. Each
// source is validated against the existing sessions; explicit sources fail
// hard on a miss while derivation sources fall through.
type Resolver struct {
	mgr       *Manager
	paths     workspace.Paths
	env       func(string) string
	selfPID   int
	ancestors func(pid int) []procfs.Process
}

func NewResolver(mgr *Manager, paths workspace.Paths) *Resolver {
	return &Resolver{
		mgr:       mgr,
		paths:     paths,
		env:       os.Getenv,
		selfPID:   os.Getpid(),
		ancestors: func(pid int) []procfs.Process { return procfs.Ancestors(pid, 0) },
	}
}

// SetProcessContext overrides the env, pid, and ancestor sources (tests only).
func (r *Resolver) SetProcessContext(env func(string) string, selfPID int, ancestors func(pid int) []procfs.Process) {
	r.env = env
	r.selfPID = selfPID
	if ancestors != nil {
		r.ancestors = ancestors
	}
}

// Resolve runs the pipeline: explicit argument, AGENTS_SESSION, worktree
// .session-id, process-tree derivation, owner lookup. The first source
// naming an existing session wins; a full miss is a ResolutionError that
// teaches the intended fix rather than fabricating a stable-looking id.
func (r *Resolver) Resolve(explicit string) (string, error) {
	if explicit != "" {
		return r.requireExisting(explicit, "--session argument")
	}
	if env := strings.TrimSpace(r.env(EnvSession)); env != "" {
		return r.requireExisting(env, EnvSession+" environment variable")
	}
	if pinned, ok := r.paths.ReadSessionIDFile(); ok {
		if _, err := r.mgr.Load(pinned); err == nil {
			return pinned, nil
		}
		// A dangling pin falls through to derivation.
	}
	if id, ok := r.fromProcessTree(); ok {
		return id, nil
	}
	if id, ok := r.fromOwner(); ok {
		return id, nil
	}
	return "", &errs.ResolutionError{
		What:   "session id",
		Reason: "no explicit id, environment hint, worktree pin, or process-derived session matched",
		Remedy: "run `edison session create` to start one; omit --session unless resuming an existing session",
	}
}

func (r *Resolver) requireExisting(id, source string) (string, error) {
	if _, err := r.mgr.Load(id); err != nil {
		if errs.IsNotFound(err) {
			return "", &errs.ResolutionError{
				What:   "session id",
				Reason: fmt.Sprintf("%s names session %q but no such session exists", source, id),
				Remedy: "omit --session unless resuming; `edison session stale --list` shows known sessions",
			}
		}
		return "", err
	}
	return id, nil
}

// DerivedOwner describes the topmost relevant process for this invocation.
type DerivedOwner struct {
	Process string
	PID     int
}

// Prefix is the session-id base derived from the owner.
func (d DerivedOwner) Prefix() string { return fmt.Sprintf("%s-pid-%d", d.Process, d.PID) }

// DeriveOwner walks the parent chain and picks, in order of preference, the
// highest known LLM wrapper, else the highest Edison-classified process,
// else the current process. Process inspection being unavailable is an
// error: a fabricated owner would mint wrong-but-stable session ids.
func (r *Resolver) DeriveOwner() (DerivedOwner, error) {
	chain := r.ancestors(r.selfPID)
	if len(chain) == 0 {
		return DerivedOwner{}, &errs.ResolutionError{
			What:   "process owner",
			Reason: "process inspection is unavailable on this host",
			Remedy: "pass --session explicitly or set " + EnvSession,
		}
	}
	var highestWrapper, highestEdison *procfs.Process
	for i := range chain {
		p := chain[i]
		switch classify(p) {
		case "wrapper":
			highestWrapper = &chain[i]
		case "edison":
			highestEdison = &chain[i]
		}
	}
	switch {
	case highestWrapper != nil:
		return DerivedOwner{Process: normalizeName(highestWrapper.Name), PID: highestWrapper.PID}, nil
	case highestEdison != nil:
		return DerivedOwner{Process: "edison", PID: highestEdison.PID}, nil
	default:
		return DerivedOwner{Process: normalizeName(chain[0].Name), PID: chain[0].PID}, nil
	}
}

// classify tags a process as an LLM wrapper, an Edison CLI, or neither. A
// process whose argv carries an edison script path counts as edison even
// when the OS-level name is the interpreter (node, python, sh).
func classify(p procfs.Process) string {
	if llmWrappers[normalizeName(p.Name)] {
		return "wrapper"
	}
	for _, arg := range p.Args {
		if base := filepath.Base(strings.SplitN(arg, " ", 2)[0]); base == "edison" {
			return "edison"
		}
	}
	if normalizeName(p.Name) == "edison" {
		return "edison"
	}
	return ""
}

func normalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(filepath.Base(name)), filepath.Ext(name))
}

// fromProcessTree derives the owner prefix and matches it against existing
// sessions (the exact prefix or "<prefix>-seq-N"). Active sessions win the
// tie; then the most recently updated.
func (r *Resolver) fromProcessTree() (string, bool) {
	owner, err := r.DeriveOwner()
	if err != nil {
		return "", false
	}
	sessions, err := r.mgr.List()
	if err != nil {
		return "", false
	}
	prefix := owner.Prefix()
	var candidates []*Session
	for _, s := range sessions {
		if _, ok := seqOf(s.ID, prefix); ok {
			candidates = append(candidates, s)
		}
	}
	return pickCandidate(candidates)
}

// fromOwner is the best-effort final stage: any session whose recorded owner
// pid appears in the ancestor chain.
func (r *Resolver) fromOwner() (string, bool) {
	sessions, err := r.mgr.List()
	if err != nil {
		return "", false
	}
	inChain := map[int]bool{}
	for _, p := range r.ancestors(r.selfPID) {
		inChain[p.PID] = true
	}
	var candidates []*Session
	for _, s := range sessions {
		if s.Owner.PID > 0 && inChain[s.Owner.PID] {
			candidates = append(candidates, s)
		}
	}
	return pickCandidate(candidates)
}

// pickCandidate applies the tie-break: active state first, most recently
// updated within the same class, id as the final deterministic tiebreak.
func pickCandidate(candidates []*Session) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aActive, bActive := a.State == StateActive, b.State == StateActive
		if aActive != bActive {
			return aActive
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	return candidates[0].ID, true
}
