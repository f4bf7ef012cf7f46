package session

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/leeroybrun/edison-sub000/internal/audit"
	"github.com/leeroybrun/edison-sub000/internal/config"
	"github.com/leeroybrun/edison-sub000/internal/entity"
	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/storage"
	"github.com/leeroybrun/edison-sub000/internal/workspace"
)

// Manager performs session lifecycle operations. Session events go to the
// process-events stream; per-session activity to the session's activity log.
type Manager struct {
	paths   workspace.Paths
	cfg     *config.Config
	journal *audit.Journal // process-events
	now     func() time.Time
}

func NewManager(paths workspace.Paths, cfg *config.Config, journal *audit.Journal) *Manager {
	return &Manager{paths: paths, cfg: cfg, journal: journal, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the timestamp source (tests only).
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Now is the manager's timestamp source, shared with staleness checks.
func (m *Manager) Now() time.Time { return m.now() }

// StaleThreshold is the configured inactivity threshold.
func (m *Manager) StaleThreshold() time.Duration {
	return time.Duration(m.cfg.Session.Recovery.StaleAfterSeconds) * time.Second
}

// Load reads one session record.
func (m *Manager) Load(id string) (*Session, error) {
	path := m.paths.SessionRecord(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.NotFound{Kind: "session", ID: id, Path: path}
		}
		return nil, &errs.IOError{Op: "read", Path: path, Err: err}
	}
	return decodeRecord(data, path)
}

// Save writes the record atomically.
func (m *Manager) Save(s *Session) error {
	return storage.WriteYAMLAtomic(m.paths.SessionRecord(s.ID), s)
}

// List returns every session, id ascending. Directories without a readable
// record are skipped: a half-created session must not break listing.
func (m *Manager) List() ([]*Session, error) {
	entries, err := os.ReadDir(m.paths.SessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errs.IOError{Op: "readdir", Path: m.paths.SessionsDir(), Err: err}
	}
	var out []*Session
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		s, err := m.Load(ent.Name())
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateOptions seeds a new session.
type CreateOptions struct {
	ID         string // explicit id; wins over Prefix
	Prefix     string // derived "{process}-pid-{pid}" base
	Owner      Owner
	BaseBranch string
	Worktree   string
	Platform   string
	Actor      string
}

// Create allocates the session id, writes the record, journals the creation,
// and pins .session-id when running in a linked worktree. When the base id
// is taken, a "-seq-N" suffix disambiguates (N = highest existing + 1).
func (m *Manager) Create(opts CreateOptions) (*Session, error) {
	id := opts.ID
	if id == "" {
		if opts.Prefix == "" {
			return nil, &errs.ValidationError{Subject: "session", Reason: "neither id nor prefix given"}
		}
		var err error
		id, err = m.allocateID(opts.Prefix)
		if err != nil {
			return nil, err
		}
	} else if _, err := m.Load(id); err == nil {
		return nil, &errs.ValidationError{
			Subject: "session " + id,
			Reason:  "id already exists",
			Remedy:  "use `edison session resume " + id + "` to attach to it",
		}
	} else if !errs.IsNotFound(err) {
		// An unreadable record must not be overwritten by a fresh one.
		return nil, err
	}

	now := m.now()
	s := &Session{
		ID:         id,
		State:      StateActive,
		Owner:      opts.Owner,
		BaseBranch: opts.BaseBranch,
		Worktree:   opts.Worktree,
		Platform:   opts.Platform,
		CreatedAt:  now,
		UpdatedAt:  now,
		LastActive: now,
	}
	if err := m.Save(s); err != nil {
		return nil, err
	}
	if _, err := m.journal.Append("session.created", opts.Actor, id, map[string]any{
		"process": opts.Owner.Process,
		"pid":     opts.Owner.PID,
	}); err != nil {
		return nil, err
	}
	if err := m.paths.WriteSessionIDFile(id); err != nil {
		return nil, &errs.IOError{Op: "write", Path: m.paths.SessionIDFile(), Err: err}
	}
	return s, nil
}

func (m *Manager) allocateID(prefix string) (string, error) {
	if _, err := m.Load(prefix); errs.IsNotFound(err) {
		return prefix, nil
	} else if err != nil {
		return "", err
	}
	sessions, err := m.List()
	if err != nil {
		return "", err
	}
	max := 0
	for _, s := range sessions {
		if seq, ok := seqOf(s.ID, prefix); ok && seq > max {
			max = seq
		}
	}
	return fmt.Sprintf("%s-seq-%d", prefix, max+1), nil
}

// seqOf extracts N from "<prefix>-seq-N"; the bare prefix reports seq 0.
func seqOf(id, prefix string) (int, bool) {
	if id == prefix {
		return 0, true
	}
	rest, ok := strings.CutPrefix(id, prefix+"-seq-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Touch bumps last_active and updated_at. Called on every claim or
// transition performed inside the session.
func (m *Manager) Touch(id string) error {
	s, err := m.Load(id)
	if err != nil {
		return err
	}
	now := m.now()
	s.LastActive = now
	s.UpdatedAt = now
	if err := m.Save(s); err != nil {
		return err
	}
	_, err = m.journal.Append("session.touched", "", id, nil)
	return err
}

// Activity appends one record to the session's activity log. Best-effort
// callers use it for warnings (e.g. stale-session claims).
func (m *Manager) Activity(id, kind string, payload map[string]any) error {
	_, err := audit.New(m.paths.SessionActivityStream(id)).Append(kind, "", id, payload)
	return err
}

// ResumeGuidance is what `session resume` prints.
type ResumeGuidance struct {
	Session *Session
	Env     map[string]string
	Pinned  bool // .session-id written in this worktree
}

// Resume loads the session, re-pins .session-id in linked worktrees, and
// returns the environment setup the client should export.
func (m *Manager) Resume(id string) (*ResumeGuidance, error) {
	s, err := m.Load(id)
	if err != nil {
		return nil, err
	}
	if s.State == StateArchived {
		return nil, &errs.ValidationError{
			Subject: "session " + id,
			Reason:  "session is archived",
			Remedy:  "create a fresh session with `edison session create`",
		}
	}
	if err := m.paths.WriteSessionIDFile(id); err != nil {
		return nil, &errs.IOError{Op: "write", Path: m.paths.SessionIDFile(), Err: err}
	}
	if _, err := m.journal.Append("session.resumed", "", id, nil); err != nil {
		return nil, err
	}
	return &ResumeGuidance{
		Session: s,
		Env:     map[string]string{"AGENTS_SESSION": id},
		Pinned:  m.paths.Checkout() == workspace.CheckoutLinkedWorktree,
	}, nil
}

// StaleList returns the currently stale sessions without mutating anything.
func (m *Manager) StaleList() ([]*Session, error) {
	sessions, err := m.List()
	if err != nil {
		return nil, err
	}
	now := m.now()
	threshold := m.StaleThreshold()
	var out []*Session
	for _, s := range sessions {
		if s.Stale(now, threshold) {
			out = append(out, s)
		}
	}
	return out, nil
}

// CleanupReport summarizes one cleanup-stale run.
type CleanupReport struct {
	Closed   []string `json:"closed"`
	Restored []string `json:"restored"`
}

// CleanupStale restores every stale session's outstanding claims to the
// global trees and closes the session. wip tasks reopen as todo; blocked
// tasks stay blocked. Restoration is per-task transactional: a failure stops
// the run with the already-restored tasks reported.
func (m *Manager) CleanupStale(ctx context.Context, tasks *entity.Repository, transitions *audit.Journal, actor string) (*CleanupReport, error) {
	stale, err := m.StaleList()
	if err != nil {
		return nil, err
	}
	report := &CleanupReport{}
	for _, s := range stale {
		claimed, err := tasks.List(entity.Filter{Session: s.ID})
		if err != nil {
			return report, err
		}
		restored := 0
		for _, t := range claimed {
			if t.State != "wip" && t.State != "blocked" {
				continue
			}
			if err := m.restoreTask(ctx, tasks, transitions, s.ID, t.ID, actor); err != nil {
				return report, err
			}
			report.Restored = append(report.Restored, t.ID)
			restored++
		}
		s.State = StateClosed
		s.UpdatedAt = m.now()
		if err := m.Save(s); err != nil {
			return report, err
		}
		if _, err := m.journal.Append("session.closed", actor, s.ID, map[string]any{
			"reason":   "stale",
			"restored": restored,
		}); err != nil {
			return report, err
		}
		report.Closed = append(report.Closed, s.ID)
	}
	return report, nil
}

func (m *Manager) restoreTask(ctx context.Context, tasks *entity.Repository, transitions *audit.Journal, sessionID, taskID, actor string) error {
	return storage.WithLockRetry(ctx, m.paths.LockFile(entity.KindTask, taskID), storage.DefaultBackoff(), 0, func() error {
		t, err := tasks.Load(taskID)
		if err != nil {
			return err
		}
		if t.Session != sessionID {
			return nil // re-claimed elsewhere meanwhile
		}
		from := t.State
		t.Session = ""
		t.ClaimedAt = time.Time{}
		if t.State == "wip" {
			t.State = "todo"
		}
		if err := tasks.Save(t); err != nil {
			return err
		}
		_, err = transitions.Append("task.transition", actor, taskID, map[string]any{
			"from":   from,
			"to":     t.State,
			"action": "restore",
			"reason": "session " + sessionID + " cleaned up as stale",
		})
		return err
	})
}
