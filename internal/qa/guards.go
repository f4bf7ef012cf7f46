package qa

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/leeroybrun/edison-sub000/internal/config"
	"github.com/leeroybrun/edison-sub000/internal/entity"
	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/storage"
	"github.com/leeroybrun/edison-sub000/internal/workspace"
)

// Guard ids as referenced by workflow transition rules.
const (
	GuardBundleApproval   = "has_bundle_approval"
	GuardRequiredEvidence = "has_required_evidence"
	GuardAllWavesPassed   = "has_all_waves_passed"
)

// ImplementationReport is the one evidence file no preset may waive.
const ImplementationReport = "implementation-report.md"

// RegisterGuards wires the promotion guards into the shared registry. Each
// guard fails closed: absent evidence denies with the expected path and the
// exact command that produces it.
func RegisterGuards(reg *entity.Registry, paths workspace.Paths, cfg *config.Config) {
	reg.Register(GuardBundleApproval, entity.GuardFunc(func(_ context.Context, gc entity.GuardContext) (*entity.Denial, error) {
		return checkBundleApproval(paths, gc.Entity)
	}))
	reg.Register(GuardRequiredEvidence, entity.GuardFunc(func(_ context.Context, gc entity.GuardContext) (*entity.Denial, error) {
		return checkRequiredEvidence(paths, cfg, gc.Entity)
	}))
	reg.Register(GuardAllWavesPassed, entity.GuardFunc(func(_ context.Context, gc entity.GuardContext) (*entity.Denial, error) {
		return checkAllWavesPassed(paths, cfg, gc.Entity)
	}))
}

// bundleRootOf resolves where a task's approval truth lives: its bundle_root
// when it is a member, otherwise itself.
func bundleRootOf(e *entity.Entity) string {
	if br := e.RelOne(entity.RelBundleRoot); br != "" {
		return br
	}
	return e.ID
}

// latestSummaryFor loads the newest completed round's summary for the task's
// bundle root. A nil summary with a non-nil denial means promotion is
// blocked for lack of evidence rather than by an error.
func latestSummaryFor(paths workspace.Paths, e *entity.Entity) (*BundleSummary, string, *entity.Denial, error) {
	root := bundleRootOf(e)
	round, err := LatestRound(paths, root)
	if err != nil {
		return nil, "", nil, err
	}
	if round == 0 {
		return nil, "", &entity.Denial{
			Reason: fmt.Sprintf("no validation round recorded for %s (expected under %s)", root, paths.Rel(paths.EvidenceDir(root))),
			Remedy: "run: edison qa validate " + root,
		}, nil
	}
	roundDir := paths.EvidenceRound(root, round)
	summary, err := ReadSummary(roundDir)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, "", &entity.Denial{
				Reason: fmt.Sprintf("round %d of %s has no bundle summary (expected %s)", round, root, paths.Rel(SummaryFile(roundDir))),
				Remedy: "run: edison qa validate " + root,
			}, nil
		}
		return nil, "", nil, err
	}
	return &summary, roundDir, nil, nil
}

func checkBundleApproval(paths workspace.Paths, e *entity.Entity) (*entity.Denial, error) {
	summary, _, denial, err := latestSummaryFor(paths, e)
	if denial != nil || err != nil {
		return denial, err
	}
	root := bundleRootOf(e)
	if !slices.Contains(summary.Tasks, e.ID) {
		return &entity.Denial{
			Reason: fmt.Sprintf("task %s is not covered by the latest round of %s", e.ID, root),
			Remedy: "run: edison qa validate " + root + " --scope bundle",
		}, nil
	}
	if !summary.Approved || len(summary.Missing) > 0 {
		reason := fmt.Sprintf("round %d of %s is not approved", summary.Round, root)
		if len(summary.Missing) > 0 {
			reason += ": blocking validators without approval: " + strings.Join(summary.Missing, ", ")
		}
		return &entity.Denial{
			Reason: reason,
			Remedy: "address the rejections, then run: edison qa validate " + root,
		}, nil
	}
	return nil, nil
}

// checkRequiredEvidence requires every evidence file the round's preset
// names. Under quick only the implementation report is mandatory; the
// automation artifacts a fuller preset would demand may be absent.
func checkRequiredEvidence(paths workspace.Paths, cfg *config.Config, e *entity.Entity) (*entity.Denial, error) {
	summary, roundDir, denial, err := latestSummaryFor(paths, e)
	if denial != nil || err != nil {
		return denial, err
	}
	preset, ok := cfg.Validation.Presets[summary.Preset]
	if !ok {
		return nil, &errs.ConfigError{
			Path:   "validation.presets",
			Reason: fmt.Sprintf("bundle summary names unconfigured preset %q", summary.Preset),
		}
	}
	for _, name := range preset.RequiredEvidence {
		path := filepath.Join(roundDir, name)
		if storage.Exists(path) {
			continue
		}
		if summary.Preset == "quick" && name != ImplementationReport {
			continue
		}
		return &entity.Denial{
			Reason: fmt.Sprintf("required evidence %s is missing (expected %s)", name, paths.Rel(path)),
			Remedy: fmt.Sprintf("record the evidence file at %s, or re-run: edison qa validate %s", paths.Rel(path), bundleRootOf(e)),
		}, nil
	}
	return nil, nil
}

// checkAllWavesPassed requires every configured wave that intersects the
// round's roster to have all of its roster validators non-rejected.
func checkAllWavesPassed(paths workspace.Paths, cfg *config.Config, e *entity.Entity) (*entity.Denial, error) {
	summary, _, denial, err := latestSummaryFor(paths, e)
	if denial != nil || err != nil {
		return denial, err
	}
	status := map[string]string{}
	for _, v := range summary.Validators {
		status[v.ID] = v.Status
	}
	for _, wave := range cfg.Validation.Waves {
		for _, id := range wave.Validators {
			st, inRoster := status[id]
			if !inRoster {
				continue
			}
			if Rejected(st) {
				return &entity.Denial{
					Reason: fmt.Sprintf("wave %q has a rejected validator: %s", wave.Name, id),
					Remedy: "address the rejection, then run: edison qa validate " + bundleRootOf(e),
				}, nil
			}
		}
	}
	return nil, nil
}
