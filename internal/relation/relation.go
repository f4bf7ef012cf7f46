// Package relation is the only writer and interpreter of cross-task edges.
// Mutations apply both sides of inverse pairs under a sorted lock order and
// roll back the first write when the second fails; queries run against an
// immutable snapshot of the task set.
package relation

import (
	"context"
	"fmt"
	"sort"

	"github.com/leeroybrun/edison-sub000/internal/audit"
	"github.com/leeroybrun/edison-sub000/internal/entity"
	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/storage"
	"github.com/leeroybrun/edison-sub000/internal/workspace"
)

// inverse maps each directed edge type to the edge stored on the other side.
// related is its own inverse; bundle_root has none.
var inverse = map[string]string{
	entity.RelParent:    entity.RelChild,
	entity.RelChild:     entity.RelParent,
	entity.RelDependsOn: entity.RelBlocks,
	entity.RelBlocks:    entity.RelDependsOn,
	entity.RelRelated:   entity.RelRelated,
}

// Graph mutates task relationships through the task repository.
type Graph struct {
	repo    *entity.Repository
	paths   workspace.Paths
	journal *audit.Journal
}

func NewGraph(repo *entity.Repository, paths workspace.Paths, journal *audit.Journal) *Graph {
	return &Graph{repo: repo, paths: paths, journal: journal}
}

// Add creates the edge a --typ--> b and its inverse on b when one exists.
// Both writes happen under both entity locks, taken in sorted-id order so
// concurrent mutations of the same pair cannot deadlock.
func (g *Graph) Add(ctx context.Context, typ, a, b string) error {
	return g.mutate(ctx, typ, a, b, "add", func(ea, eb *entity.Entity) error {
		if err := ea.AddRel(typ, b); err != nil {
			return err
		}
		if inv, ok := inverse[typ]; ok {
			return eb.AddRel(inv, a)
		}
		return nil
	})
}

// Remove deletes the edge and its inverse. Removing an absent edge is a
// NotFound so callers learn their picture of the graph is stale.
func (g *Graph) Remove(ctx context.Context, typ, a, b string) error {
	return g.mutate(ctx, typ, a, b, "remove", func(ea, eb *entity.Entity) error {
		if !ea.RemoveRel(typ, b) {
			return &errs.NotFound{Kind: "relationship", ID: fmt.Sprintf("%s %s %s", a, typ, b)}
		}
		if inv, ok := inverse[typ]; ok {
			eb.RemoveRel(inv, a)
		}
		return nil
	})
}

func (g *Graph) mutate(ctx context.Context, typ, a, b, op string, apply func(ea, eb *entity.Entity) error) error {
	if _, ok := inverse[typ]; !ok && typ != entity.RelBundleRoot {
		return &errs.ValidationError{Subject: "relationship", Reason: fmt.Sprintf("unknown relationship type %q", typ)}
	}
	if a == b {
		return &errs.ValidationError{Subject: "relationship", Reason: fmt.Sprintf("self-edge %s %s %s", a, typ, b)}
	}

	first, second := a, b
	if second < first {
		first, second = second, first
	}
	return storage.WithLockRetry(ctx, g.paths.LockFile(entity.KindTask, first), storage.DefaultBackoff(), 0, func() error {
		return storage.WithLockRetry(ctx, g.paths.LockFile(entity.KindTask, second), storage.DefaultBackoff(), 0, func() error {
			ea, err := g.repo.Load(a)
			if err != nil {
				return err
			}
			eb, err := g.repo.Load(b)
			if err != nil {
				return err
			}
			pathA, err := g.repo.Find(a)
			if err != nil {
				return err
			}
			beforeA, err := storage.ReadText(pathA)
			if err != nil {
				return err
			}

			if err := apply(ea, eb); err != nil {
				return err
			}
			Normalize(ea)
			Normalize(eb)

			if err := g.repo.Save(ea); err != nil {
				return err
			}
			if _, twoSided := inverse[typ]; twoSided {
				if err := g.repo.Save(eb); err != nil {
					// Roll the first side back so no half-edge survives.
					if restoreErr := storage.WriteTextAtomic(pathA, beforeA); restoreErr != nil {
						return &errs.IntegrityError{
							Subject: fmt.Sprintf("edge %s %s %s", a, typ, b),
							Reason:  fmt.Sprintf("second write failed (%v) and rollback failed (%v)", err, restoreErr),
							Paths:   []string{pathA, g.repo.PathFor(eb)},
						}
					}
					return &errs.IntegrityError{
						Subject: fmt.Sprintf("edge %s %s %s", a, typ, b),
						Reason:  fmt.Sprintf("second write failed, first side rolled back: %v", err),
						Paths:   []string{g.repo.PathFor(eb)},
					}
				}
			}
			_, err = g.journal.Append("task.relationship", "", a, map[string]any{
				"op":     op,
				"type":   typ,
				"target": b,
			})
			return err
		})
	})
}

// Normalize dedupes edges, drops self-edges, and orders deterministically.
func Normalize(e *entity.Entity) {
	seen := map[entity.Relationship]bool{}
	var out []entity.Relationship
	for _, r := range e.Relationships {
		if r.Target == e.ID || r.Target == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	e.Relationships = out
	e.SortRelationships()
}

// View is an immutable snapshot of every task, indexed by id. Queries that
// traverse edges run against a View so one List drives the whole computation.
type View struct {
	tasks map[string]*entity.Entity
	order []string
}

// NewView loads the full task set through the repository.
func NewView(repo *entity.Repository) (*View, error) {
	tasks, err := repo.List(entity.Filter{})
	if err != nil {
		return nil, err
	}
	return ViewOf(tasks), nil
}

// ViewOf builds a snapshot from an already-loaded task list.
func ViewOf(tasks []*entity.Entity) *View {
	v := &View{tasks: map[string]*entity.Entity{}}
	for _, t := range tasks {
		v.tasks[t.ID] = t
		v.order = append(v.order, t.ID)
	}
	sort.Strings(v.order)
	return v
}

// Get returns the snapshot's task by id.
func (v *View) Get(id string) (*entity.Entity, bool) {
	t, ok := v.tasks[id]
	return t, ok
}

// IDs returns every task id ascending.
func (v *View) IDs() []string { return append([]string(nil), v.order...) }

// Tasks returns the snapshot tasks id-ascending.
func (v *View) Tasks() []*entity.Entity {
	out := make([]*entity.Entity, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.tasks[id])
	}
	return out
}

// Descendants returns the parent/child closure below root, id ascending,
// excluding root itself. Both edge directions are consulted so a half-written
// legacy header cannot hide a child.
func (v *View) Descendants(root string) []string {
	children := map[string][]string{}
	for _, id := range v.order {
		t := v.tasks[id]
		for _, c := range t.Rel(entity.RelChild) {
			children[t.ID] = append(children[t.ID], c)
		}
		if p := t.RelOne(entity.RelParent); p != "" {
			children[p] = append(children[p], t.ID)
		}
	}
	seen := map[string]bool{root: true}
	var out []string
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		kids := children[cur]
		sort.Strings(kids)
		for _, c := range kids {
			if seen[c] {
				continue
			}
			seen[c] = true
			if _, ok := v.tasks[c]; ok {
				out = append(out, c)
				queue = append(queue, c)
			}
		}
	}
	sort.Strings(out)
	return out
}

// BundleMembers returns the tasks whose bundle_root is root, id ascending.
func (v *View) BundleMembers(root string) []string {
	var out []string
	for _, id := range v.order {
		if v.tasks[id].RelOne(entity.RelBundleRoot) == root {
			out = append(out, id)
		}
	}
	return out
}

// PrereqsSatisfied reports whether every depends_on target of t is in one of
// the satisfied states, and names the ones that are not. A dangling target
// counts as unsatisfied.
func (v *View) PrereqsSatisfied(t *entity.Entity, satisfiedStates []string) (bool, []string) {
	satisfied := map[string]bool{}
	for _, s := range satisfiedStates {
		satisfied[s] = true
	}
	var unsatisfied []string
	for _, dep := range t.Rel(entity.RelDependsOn) {
		target, ok := v.tasks[dep]
		if !ok || !satisfied[target.State] {
			unsatisfied = append(unsatisfied, dep)
		}
	}
	sort.Strings(unsatisfied)
	return len(unsatisfied) == 0, unsatisfied
}

// ReadyTasks returns the todo tasks whose dependencies are satisfied.
func (v *View) ReadyTasks(satisfiedStates []string) []*entity.Entity {
	var out []*entity.Entity
	for _, id := range v.order {
		t := v.tasks[id]
		if t.State != "todo" {
			continue
		}
		if ok, _ := v.PrereqsSatisfied(t, satisfiedStates); ok {
			out = append(out, t)
		}
	}
	return out
}
