// Package workspace resolves the repository root and translates logical
// identities (tasks, sessions, rounds, streams) into filesystem paths. Path
// resolution fails closed: when the root is ambiguous or absent the caller
// gets a ConfigError instead of a guessed location.
package workspace

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/leeroybrun/edison-sub000/internal/errs"
)

// CheckoutKind classifies how the root directory relates to git.
type CheckoutKind string

const (
	// CheckoutPrimary is the main checkout (".git" is a directory) or a
	// non-git directory; ".session-id" is ignored here.
	CheckoutPrimary CheckoutKind = "primary"
	// CheckoutLinkedWorktree is a linked git worktree (".git" is a file
	// pointing at the real gitdir); ".session-id" is honored here.
	CheckoutLinkedWorktree CheckoutKind = "linked-worktree"
)

// Paths is the per-invocation path resolver. It holds no mutable state and
// is passed explicitly wherever paths are needed.
type Paths struct {
	Root string
}

// FindRoot walks from startDir to the nearest ancestor containing ".edison".
func FindRoot(startDir string) (Paths, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return Paths{}, &errs.IOError{Op: "abs", Path: startDir, Err: err}
	}
	for {
		if st, err := os.Stat(filepath.Join(dir, ".edison")); err == nil && st.IsDir() {
			return Paths{Root: dir}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Paths{}, &errs.ConfigError{
				Reason: "no .edison directory found in " + startDir + " or any ancestor",
				Remedy: "run edison from inside an initialized repository, or create .edison/ at the repo root",
			}
		}
		dir = parent
	}
}

func (p Paths) EdisonDir() string    { return filepath.Join(p.Root, ".edison") }
func (p Paths) ConfigDir() string    { return filepath.Join(p.EdisonDir(), "config") }
func (p Paths) ConfigFile(name string) string {
	return filepath.Join(p.ConfigDir(), name)
}
func (p Paths) GeneratedDir() string { return filepath.Join(p.EdisonDir(), "_generated") }
func (p Paths) SchemasDir() string   { return filepath.Join(p.GeneratedDir(), "schemas") }
func (p Paths) OverlaysDir() string  { return filepath.Join(p.EdisonDir(), "overlays") }
func (p Paths) PacksDir() string     { return filepath.Join(p.EdisonDir(), "packs") }
func (p Paths) PackDir(pack string) string {
	return filepath.Join(p.PacksDir(), pack)
}
func (p Paths) VendorsDir() string { return filepath.Join(p.EdisonDir(), "vendors") }
func (p Paths) VendorWorktree(vendor string) string {
	return filepath.Join(p.VendorsDir(), vendor, "worktree")
}

func (p Paths) ProjectDir() string { return filepath.Join(p.Root, ".project") }
func (p Paths) TasksDir(state string) string {
	return filepath.Join(p.ProjectDir(), "tasks", state)
}
func (p Paths) TaskFile(state, id string) string {
	return filepath.Join(p.TasksDir(state), id+".md")
}
func (p Paths) SessionsDir() string { return filepath.Join(p.ProjectDir(), "sessions") }
func (p Paths) SessionDir(id string) string {
	return filepath.Join(p.SessionsDir(), id)
}
func (p Paths) SessionRecord(id string) string {
	return filepath.Join(p.SessionDir(id), "session.yaml")
}
func (p Paths) SessionTaskFile(session, task string) string {
	return filepath.Join(p.SessionDir(session), task+".md")
}
func (p Paths) SessionActivityStream(session string) string {
	return filepath.Join(p.SessionDir(session), "activity.jsonl")
}

func (p Paths) QADir() string        { return filepath.Join(p.ProjectDir(), "qa") }
func (p Paths) QARecordsDir() string { return filepath.Join(p.QADir(), "records") }
func (p Paths) QARecordFile(task string) string {
	return filepath.Join(p.QARecordsDir(), task+"-qa.md")
}
func (p Paths) EvidenceRoot() string {
	return filepath.Join(p.QADir(), "validation-evidence")
}
func (p Paths) EvidenceDir(task string) string {
	return filepath.Join(p.EvidenceRoot(), task)
}
func (p Paths) EvidenceRound(task string, round int) string {
	return filepath.Join(p.EvidenceDir(task), "round-"+strconv.Itoa(round))
}

// LockFile is the advisory-lock target for one entity. It is stable across
// the entity's moves between state directories, so a transition and a
// concurrent relate cannot interleave on the same id.
func (p Paths) LockFile(kind, id string) string {
	return filepath.Join(p.ProjectDir(), "locks", kind, id)
}

func (p Paths) JournalDir() string { return filepath.Join(p.ProjectDir(), "journal") }
func (p Paths) Stream(name string) string {
	return filepath.Join(p.JournalDir(), name+".jsonl")
}

func (p Paths) SessionIDFile() string { return filepath.Join(p.Root, ".session-id") }

// Rel renders path relative to the root for user-facing messages; absolute
// paths outside the root are returned unchanged.
func (p Paths) Rel(path string) string {
	rel, err := filepath.Rel(p.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

// Checkout classifies the root directory. A ".git" regular file whose
// content begins with "gitdir:" marks a linked worktree; a ".git" directory
// (or no git metadata at all) is treated as the primary checkout.
func (p Paths) Checkout() CheckoutKind {
	gitPath := filepath.Join(p.Root, ".git")
	st, err := os.Lstat(gitPath)
	if err != nil {
		return CheckoutPrimary
	}
	if st.IsDir() {
		return CheckoutPrimary
	}
	b, err := os.ReadFile(gitPath)
	if err != nil {
		return CheckoutPrimary
	}
	if strings.HasPrefix(strings.TrimSpace(string(b)), "gitdir:") {
		return CheckoutLinkedWorktree
	}
	return CheckoutPrimary
}

// ReadSessionIDFile returns the pinned session id. The file is consulted
// only in linked worktrees; in the primary checkout it is always ignored.
func (p Paths) ReadSessionIDFile() (string, bool) {
	if p.Checkout() != CheckoutLinkedWorktree {
		return "", false
	}
	b, err := os.ReadFile(p.SessionIDFile())
	if err != nil {
		return "", false
	}
	id := strings.TrimSpace(string(b))
	return id, id != ""
}

// WriteSessionIDFile pins a session id for the worktree. In the primary
// checkout this is a no-op so a stray .session-id can never mislead the
// resolver there.
func (p Paths) WriteSessionIDFile(id string) error {
	if p.Checkout() != CheckoutLinkedWorktree {
		return nil
	}
	return os.WriteFile(p.SessionIDFile(), []byte(strings.TrimSpace(id)+"\n"), 0o644)
}
