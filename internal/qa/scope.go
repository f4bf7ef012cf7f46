package qa

import (
	"fmt"
	"sort"

	"github.com/leeroybrun/edison-sub000/internal/entity"
	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/relation"
)

// Scope selects how a validation cluster is formed around a root task.
type Scope string

const (
	ScopeHierarchy Scope = "hierarchy"
	ScopeBundle    Scope = "bundle"
	ScopeAuto      Scope = "auto"
	ScopeSingle    Scope = "single" // resolved form of auto with no members
)

// ParseScope validates a user-supplied scope flag.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeHierarchy, ScopeBundle, ScopeAuto:
		return Scope(s), nil
	case "":
		return ScopeAuto, nil
	default:
		return "", &errs.ValidationError{
			Subject: "scope",
			Reason:  fmt.Sprintf("unknown scope %q", s),
			Remedy:  "use hierarchy, bundle, or auto",
		}
	}
}

// Cluster is one resolved validation unit. Tasks always contains the root
// and is id-ascending; Scope records the effective choice (auto resolves to
// bundle, hierarchy, or single).
type Cluster struct {
	Root  string   `json:"root"`
	Scope Scope    `json:"scope"`
	Tasks []string `json:"tasks"`
}

// BuildCluster resolves the cluster for root under the requested scope.
// A bundle request on a non-root member re-roots at its bundle_root.
func BuildCluster(v *relation.View, root string, scope Scope) (Cluster, error) {
	task, ok := v.Get(root)
	if !ok {
		return Cluster{}, &errs.NotFound{Kind: "task", ID: root}
	}

	switch scope {
	case ScopeBundle:
		if br := task.RelOne(entity.RelBundleRoot); br != "" {
			if _, ok := v.Get(br); !ok {
				return Cluster{}, &errs.IntegrityError{
					Subject: "task " + root,
					Reason:  fmt.Sprintf("bundle_root %q does not exist", br),
				}
			}
			root = br
		}
		return newCluster(root, ScopeBundle, v.BundleMembers(root)), nil
	case ScopeHierarchy:
		return newCluster(root, ScopeHierarchy, v.Descendants(root)), nil
	case ScopeAuto:
		if br := task.RelOne(entity.RelBundleRoot); br != "" {
			return BuildCluster(v, br, ScopeBundle)
		}
		if members := v.BundleMembers(root); len(members) > 0 {
			return newCluster(root, ScopeBundle, members), nil
		}
		if desc := v.Descendants(root); len(desc) > 0 {
			return newCluster(root, ScopeHierarchy, desc), nil
		}
		return newCluster(root, ScopeSingle, nil), nil
	default:
		return Cluster{}, &errs.ValidationError{Subject: "scope", Reason: fmt.Sprintf("unknown scope %q", scope)}
	}
}

func newCluster(root string, scope Scope, members []string) Cluster {
	tasks := append([]string{root}, members...)
	sort.Strings(tasks)
	return Cluster{Root: root, Scope: scope, Tasks: dedupeSorted(tasks)}
}

func dedupeSorted(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i == 0 || in[i-1] != s {
			out = append(out, s)
		}
	}
	return out
}
