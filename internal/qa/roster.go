package qa

import (
	"github.com/leeroybrun/edison-sub000/internal/config"
)

// BuildRoster computes the union validator set for a cluster: every preset
// validator whose triggers match some member's changed files, plus every
// alwaysRun validator. Order follows validator declaration order so the
// roster is deterministic. A member with no recorded file changes keeps the
// full preset roster: less information must never mean less validation.
func BuildRoster(cfg *config.ValidationConfig, policy Policy, cluster Cluster, filesByTask map[string][]string) []config.ValidatorConfig {
	inFilter := map[string]bool{}
	for _, id := range policy.RosterFilter {
		inFilter[id] = true
	}

	selected := map[string]bool{}
	for _, v := range cfg.Validators {
		if v.AlwaysRun {
			selected[v.ID] = true
			continue
		}
		if !inFilter[v.ID] {
			continue
		}
		for _, task := range cluster.Tasks {
			files, known := filesByTask[task]
			if !known || len(files) == 0 {
				selected[v.ID] = true
				break
			}
			if triggersMatch(v, files) {
				selected[v.ID] = true
				break
			}
		}
	}

	var roster []config.ValidatorConfig
	for _, v := range cfg.Validators {
		if selected[v.ID] {
			roster = append(roster, v)
		}
	}
	return roster
}

func triggersMatch(v config.ValidatorConfig, files []string) bool {
	for _, f := range files {
		if matchAny(v.Triggers, f) {
			return true
		}
	}
	return false
}

// BlockingSet returns the roster validators whose failure blocks promotion.
func BlockingSet(roster []config.ValidatorConfig) []config.ValidatorConfig {
	var out []config.ValidatorConfig
	for _, v := range roster {
		if v.BlocksOnFail {
			out = append(out, v)
		}
	}
	return out
}
