// Package entity implements the file-backed entity engine: a frontmatter
// codec for tasks and QA records, config-driven state machines with guard
// evaluation, and a repository that performs atomic guarded transitions.
// Entities are stored one file each so text diff and merge keep working for
// humans; the directory a task lives in always matches its state.
package entity

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/leeroybrun/edison-sub000/internal/errs"
)

// Entity kinds.
const (
	KindTask = "task"
	KindQA   = "qa"
)

// Relationship edge types. parent/child and depends_on/blocks are inverse
// pairs; related is symmetric; bundle_root is one-sided.
const (
	RelParent     = "parent"
	RelChild      = "child"
	RelDependsOn  = "depends_on"
	RelBlocks     = "blocks"
	RelRelated    = "related"
	RelBundleRoot = "bundle_root"
)

// Relationship is one edge entry in an entity header.
type Relationship struct {
	Type   string `yaml:"type"`
	Target string `yaml:"target"`
}

// Entity is one task or QA record: a structured header plus a markdown body
// that is preserved byte-for-byte across loads and saves.
type Entity struct {
	ID             string
	Title          string
	Type           string // KindTask or KindQA
	State          string
	Priority       int
	Session        string
	Owner          string
	Model          string
	ContinuationID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ClaimedAt      time.Time
	LastActive     time.Time
	Relationships  []Relationship
	Body           string
}

// Rel returns the targets of every edge of the given type, in header order.
func (e *Entity) Rel(relType string) []string {
	var out []string
	for _, r := range e.Relationships {
		if r.Type == relType {
			out = append(out, r.Target)
		}
	}
	return out
}

// RelOne returns the single target of an at-most-one edge type ("" if none).
func (e *Entity) RelOne(relType string) string {
	for _, r := range e.Relationships {
		if r.Type == relType {
			return r.Target
		}
	}
	return ""
}

// HasRel reports whether the exact edge exists.
func (e *Entity) HasRel(relType, target string) bool {
	for _, r := range e.Relationships {
		if r.Type == relType && r.Target == target {
			return true
		}
	}
	return false
}

// AddRel appends an edge, enforcing type validity, non-empty non-self
// targets, dedup, and the at-most-one cardinality of parent and bundle_root.
func (e *Entity) AddRel(relType, target string) error {
	switch relType {
	case RelParent, RelChild, RelDependsOn, RelBlocks, RelRelated, RelBundleRoot:
	default:
		return &errs.ValidationError{Subject: "entity " + e.ID, Reason: fmt.Sprintf("unknown relationship type %q", relType)}
	}
	if target == "" {
		return &errs.ValidationError{Subject: "entity " + e.ID, Reason: relType + " edge has an empty target"}
	}
	if target == e.ID && e.ID != "" {
		return &errs.ValidationError{Subject: "entity " + e.ID, Reason: "self-referencing " + relType + " edge"}
	}
	if e.HasRel(relType, target) {
		return nil
	}
	for _, one := range []string{RelParent, RelBundleRoot} {
		if relType == one && e.RelOne(one) != "" {
			return &errs.ValidationError{
				Subject: "entity " + e.ID,
				Reason:  fmt.Sprintf("more than one %s edge (%q and %q)", one, e.RelOne(one), target),
			}
		}
	}
	e.Relationships = append(e.Relationships, Relationship{Type: relType, Target: target})
	return nil
}

// RemoveRel drops the exact edge, reporting whether it was present.
func (e *Entity) RemoveRel(relType, target string) bool {
	for i, r := range e.Relationships {
		if r.Type == relType && r.Target == target {
			e.Relationships = append(e.Relationships[:i], e.Relationships[i+1:]...)
			return true
		}
	}
	return false
}

// SortRelationships orders edges by (type, target) so serialization is
// deterministic regardless of mutation order.
func (e *Entity) SortRelationships() {
	sort.Slice(e.Relationships, func(i, j int) bool {
		a, b := e.Relationships[i], e.Relationships[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Target < b.Target
	})
}

// Clone returns a deep copy; guards receive copies so a denied transition
// can never leak partial mutation.
func (e *Entity) Clone() *Entity {
	cp := *e
	cp.Relationships = append([]Relationship(nil), e.Relationships...)
	return &cp
}

// ValidID rejects ids that would escape their directory or collide with
// stream suffixes. Ids are path components, never paths.
func ValidID(id string) bool {
	if id == "" || len(id) > 200 {
		return false
	}
	if strings.ContainsAny(id, "/\\ \t\n") {
		return false
	}
	return !strings.HasPrefix(id, ".")
}
