// Package errs defines the error taxonomy shared by every Edison component.
// Each kind is a concrete type so callers can classify with errors.As; the
// CLI maps kinds onto exit codes with ExitCode. Guard denials and dependency
// gaps are values, never panics.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Exit codes form the CLI contract: 0 success, 1 user/logic error,
// 2 internal failure, 3 blocked by a guard.
const (
	ExitOK       = 0
	ExitUser     = 1
	ExitInternal = 2
	ExitBlocked  = 3
)

// NotFound reports a missing entity or file.
type NotFound struct {
	Kind string // "task", "session", "file", ...
	ID   string
	Path string
}

func (e *NotFound) Error() string {
	msg := fmt.Sprintf("%s %q not found", orUnknown(e.Kind), e.ID)
	if e.Path != "" {
		msg += " (expected at " + e.Path + ")"
	}
	return msg
}

// ValidationError reports a schema or invariant violation at load or save.
type ValidationError struct {
	Subject string
	Reason  string
	Remedy  string
}

func (e *ValidationError) Error() string {
	return withRemedy(fmt.Sprintf("invalid %s: %s", orUnknown(e.Subject), e.Reason), e.Remedy)
}

// TransitionBlocked is a guard denial. Recoverable; exits 3.
type TransitionBlocked struct {
	Entity string
	From   string
	To     string
	Guard  string
	Reason string
	Remedy string
}

func (e *TransitionBlocked) Error() string {
	return withRemedy(fmt.Sprintf("transition %s: %s -> %s blocked by %s: %s",
		e.Entity, e.From, e.To, e.Guard, e.Reason), e.Remedy)
}

// DependenciesUnsatisfied is surfaced by claim and promote when depends_on
// targets are not yet in a satisfied state.
type DependenciesUnsatisfied struct {
	Task        string
	Unsatisfied []string
}

func (e *DependenciesUnsatisfied) Error() string {
	deps := strings.Join(e.Unsatisfied, ", ")
	return fmt.Sprintf("task %q has unsatisfied dependencies: %s (claim and finish those first, e.g. `edison task claim %s`)",
		e.Task, deps, firstOr(e.Unsatisfied, "<dep>"))
}

// IntegrityError reports a cross-entity invariant that could not be held
// (for example an inverse edge whose second write failed).
type IntegrityError struct {
	Subject string
	Reason  string
	Paths   []string
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("integrity violation on %s: %s", orUnknown(e.Subject), e.Reason)
	if len(e.Paths) > 0 {
		msg += " (involved: " + strings.Join(e.Paths, ", ") + ")"
	}
	return msg
}

// ResolutionError means a session id or actor identity could not be determined.
type ResolutionError struct {
	What   string
	Reason string
	Remedy string
}

func (e *ResolutionError) Error() string {
	return withRemedy(fmt.Sprintf("could not resolve %s: %s", orUnknown(e.What), e.Reason), e.Remedy)
}

// IOError wraps disk, lock, and rename failures. Potentially transient.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ConfigError reports missing or invalid configuration.
type ConfigError struct {
	Path   string
	Reason string
	Remedy string
}

func (e *ConfigError) Error() string {
	msg := "config"
	if e.Path != "" {
		msg += " " + e.Path
	}
	return withRemedy(msg+": "+e.Reason, e.Remedy)
}

// ExternalError wraps a delegated executor or tool failure.
type ExternalError struct {
	Tool string
	Err  error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("external tool %s failed: %v", orUnknown(e.Tool), e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

// Cancelled reports cooperative cancellation of a long-running operation.
type Cancelled struct {
	Op string
}

func (e *Cancelled) Error() string {
	return fmt.Sprintf("%s cancelled", orUnknown(e.Op))
}

// Internal marks unexpected failures (impossible states, recovered panics).
// These exit 2; everything else in the taxonomy is a user/logic error.
type Internal struct {
	Err error
}

func (e *Internal) Error() string { return fmt.Sprintf("internal error: %v", e.Err) }

func (e *Internal) Unwrap() error { return e.Err }

// Internalf builds an Internal from a format string.
func Internalf(format string, args ...any) error {
	return &Internal{Err: fmt.Errorf(format, args...)}
}

// ExitCode maps an error onto the CLI exit-code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var blocked *TransitionBlocked
	var deps *DependenciesUnsatisfied
	if errors.As(err, &blocked) || errors.As(err, &deps) {
		return ExitBlocked
	}
	var internal *Internal
	if errors.As(err, &internal) {
		return ExitInternal
	}
	return ExitUser
}

func IsNotFound(err error) bool {
	var e *NotFound
	return errors.As(err, &e)
}

func IsTransitionBlocked(err error) bool {
	var e *TransitionBlocked
	return errors.As(err, &e)
}

func IsDependenciesUnsatisfied(err error) bool {
	var e *DependenciesUnsatisfied
	return errors.As(err, &e)
}

func IsIntegrity(err error) bool {
	var e *IntegrityError
	return errors.As(err, &e)
}

func withRemedy(msg, remedy string) string {
	remedy = strings.TrimSpace(remedy)
	if remedy == "" {
		return msg
	}
	return msg + " (" + remedy + ")"
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}
