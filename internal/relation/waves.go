package relation

import (
	"sort"

	"github.com/leeroybrun/edison-sub000/internal/entity"
)

// Waves layers tasks for parallel execution: wave N holds every task whose
// remaining depends_on targets were all emitted in earlier waves. Within a
// wave, tasks sharing a related cluster sort adjacently (cluster root id,
// then id). Tasks caught in a dependency cycle are returned separately as
// the blocked residue.
func (v *View) Waves(ids []string) (waves [][]string, blocked []string) {
	if ids == nil {
		ids = v.IDs()
	}
	inSet := map[string]bool{}
	for _, id := range ids {
		if _, ok := v.tasks[id]; ok {
			inSet[id] = true
		}
	}

	indegree := map[string]int{}
	dependents := map[string][]string{}
	for id := range inSet {
		indegree[id] = 0
	}
	for id := range inSet {
		for _, dep := range v.tasks[id].Rel(entity.RelDependsOn) {
			if inSet[dep] {
				indegree[id]++
				dependents[dep] = append(dependents[dep], id)
			}
		}
	}

	cluster := v.relatedClusters(inSet)
	byCluster := func(list []string) {
		sort.Slice(list, func(i, j int) bool {
			ci, cj := cluster[list[i]], cluster[list[j]]
			if ci != cj {
				return ci < cj
			}
			return list[i] < list[j]
		})
	}

	remaining := len(indegree)
	for remaining > 0 {
		var wave []string
		for id, deg := range indegree {
			if deg == 0 {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			// Cycle: everything left is mutually blocked.
			for id := range indegree {
				blocked = append(blocked, id)
			}
			sort.Strings(blocked)
			return waves, blocked
		}
		byCluster(wave)
		waves = append(waves, wave)
		for _, id := range wave {
			delete(indegree, id)
			remaining--
			for _, dep := range dependents[id] {
				if _, ok := indegree[dep]; ok {
					indegree[dep]--
				}
			}
		}
	}
	return waves, nil
}

// relatedClusters assigns each task the smallest id in its related-connected
// component; that id orders clusters inside a wave.
func (v *View) relatedClusters(inSet map[string]bool) map[string]string {
	parent := map[string]string{}
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		// Keep the smaller id as representative.
		if rb < ra {
			ra, rb = rb, ra
		}
		parent[rb] = ra
	}

	for id := range inSet {
		parent[id] = id
	}
	for id := range inSet {
		for _, rel := range v.tasks[id].Rel(entity.RelRelated) {
			if inSet[rel] {
				union(id, rel)
			}
		}
	}
	out := map[string]string{}
	for id := range inSet {
		out[id] = find(id)
	}
	return out
}
