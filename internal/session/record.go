// Package session owns session records, their lifecycle, and the canonical
// session-id and actor resolvers. Sessions are YAML records under
// .project/sessions/<id>/; staleness is always derived from last_active,
// never stored.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/leeroybrun/edison-sub000/internal/config"
	"github.com/leeroybrun/edison-sub000/internal/errs"
)

// Stored session states. "stale" is intentionally absent: it is derived.
const (
	StateActive   = "active"
	StateClosing  = "closing"
	StateClosed   = "closed"
	StateArchived = "archived"
)

// Owner identifies the topmost process the session was created under.
type Owner struct {
	Process string `yaml:"process"`
	PID     int    `yaml:"pid"`
}

// Continuation is the per-session override of the project continuation
// settings. Nil fields fall back to project defaults.
type Continuation struct {
	Mode            string `yaml:"mode"`
	MaxIterations   *int   `yaml:"maxIterations"`
	CooldownSeconds *int   `yaml:"cooldownSeconds"`
	StopOnBlocked   *bool  `yaml:"stopOnBlocked"`
}

// Meta holds optional session settings. The schema is strict: unknown keys
// under meta are rejected at load.
type Meta struct {
	Continuation *Continuation `yaml:"continuation"`
}

// Session is one orchestration context.
type Session struct {
	ID         string    `yaml:"id"`
	State      string    `yaml:"state"`
	Owner      Owner     `yaml:"owner"`
	BaseBranch string    `yaml:"base_branch"`
	Worktree   string    `yaml:"worktree"`
	Platform   string    `yaml:"platform"`
	CreatedAt  time.Time `yaml:"created_at"`
	UpdatedAt  time.Time `yaml:"updated_at"`
	LastActive time.Time `yaml:"last_active"`
	Meta       Meta      `yaml:"meta"`
}

func validState(s string) bool {
	switch s {
	case StateActive, StateClosing, StateClosed, StateArchived:
		return true
	default:
		return false
	}
}

// decodeRecord strictly decodes one session record.
func decodeRecord(data []byte, path string) (*Session, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Session
	if err := dec.Decode(&s); err != nil {
		return nil, &errs.ValidationError{Subject: "session record " + path, Reason: err.Error()}
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, &errs.ValidationError{Subject: "session record " + path, Reason: "expected a single YAML document"}
	}
	if strings.TrimSpace(s.ID) == "" {
		return nil, &errs.ValidationError{Subject: "session record " + path, Reason: "missing id"}
	}
	if !validState(s.State) {
		return nil, &errs.ValidationError{
			Subject: "session record " + path,
			Reason:  fmt.Sprintf("unknown state %q (want active|closing|closed|archived)", s.State),
		}
	}
	if s.Meta.Continuation != nil && s.Meta.Continuation.Mode != "" {
		switch s.Meta.Continuation.Mode {
		case config.ModeOff, config.ModeSoft, config.ModeHard:
		default:
			return nil, &errs.ValidationError{
				Subject: "session record " + path,
				Reason:  fmt.Sprintf("invalid meta.continuation.mode %q (want off|soft|hard)", s.Meta.Continuation.Mode),
			}
		}
	}
	return &s, nil
}

// Stale reports whether the session has been inactive longer than threshold.
// Only active sessions can be stale; closed ones are just closed.
func (s *Session) Stale(now time.Time, threshold time.Duration) bool {
	if s.State != StateActive {
		return false
	}
	ref := s.LastActive
	if ref.IsZero() {
		ref = s.CreatedAt
	}
	return now.Sub(ref) > threshold
}
