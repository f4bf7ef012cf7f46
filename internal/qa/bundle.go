package qa

import (
	"context"
	"encoding/json"
	"time"

	"github.com/leeroybrun/edison-sub000/internal/audit"
	"github.com/leeroybrun/edison-sub000/internal/config"
	"github.com/leeroybrun/edison-sub000/internal/entity"
	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/relation"
	"github.com/leeroybrun/edison-sub000/internal/storage"
	"github.com/leeroybrun/edison-sub000/internal/worker"
	"github.com/leeroybrun/edison-sub000/internal/workspace"
)

// ValidatorResult is one roster entry's outcome in the bundle summary.
type ValidatorResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// BundleSummary is the round's single source of approval truth. It is
// written once, at the root task's round directory; member promotion checks
// resolve their bundle_root and read the root's summary.
type BundleSummary struct {
	RootTask   string            `json:"rootTask"`
	Scope      Scope             `json:"scope"`
	Preset     string            `json:"preset"`
	Round      int               `json:"round"`
	Approved   bool              `json:"approved"`
	Tasks      []string          `json:"tasks"`
	Validators []ValidatorResult `json:"validators"`
	Missing    []string          `json:"missing"`
}

// SummaryFile is bundle.json inside a round directory. Its presence marks
// the round as completed.
func SummaryFile(roundDir string) string { return roundDir + "/bundle.json" }

// ReadSummary loads a round's bundle.json.
func ReadSummary(roundDir string) (BundleSummary, error) {
	data, err := storage.ReadText(SummaryFile(roundDir))
	if err != nil {
		return BundleSummary{}, err
	}
	var s BundleSummary
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return BundleSummary{}, &errs.ValidationError{Subject: "bundle summary " + SummaryFile(roundDir), Reason: err.Error()}
	}
	return s, nil
}

// ValidateOptions steer one validation round.
type ValidateOptions struct {
	Scope       Scope
	Preset      string
	DryRun      bool
	Actor       string
	FilesByTask map[string][]string
}

// Outcome reports what a round resolved to and, unless dry-run, produced.
type Outcome struct {
	Cluster  Cluster        `json:"cluster"`
	Policy   Policy         `json:"policy"`
	Roster   []string       `json:"roster"`
	Round    int            `json:"round,omitempty"`
	DryRun   bool           `json:"dryRun,omitempty"`
	Summary  *BundleSummary `json:"summary,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
}

// Engine orchestrates validation rounds over the task graph.
type Engine struct {
	paths   workspace.Paths
	cfg     *config.Config
	repo    *entity.Repository
	journal *audit.Journal
	command *CommandExecutor
}

func NewEngine(paths workspace.Paths, cfg *config.Config, repo *entity.Repository, journal *audit.Journal) *Engine {
	timeout := time.Duration(cfg.Validation.Execution.TimeoutSeconds) * time.Second
	return &Engine{
		paths:   paths,
		cfg:     cfg,
		repo:    repo,
		journal: journal,
		command: &CommandExecutor{Timeout: timeout},
	}
}

// Validate resolves the cluster, policy, and roster for root, then runs the
// roster against a fresh round at the cluster root and writes bundle.json.
// Dry-run stops after resolution: nothing touches disk and no events are
// appended.
func (e *Engine) Validate(ctx context.Context, root string, opts ValidateOptions) (Outcome, error) {
	view, err := relation.NewView(e.repo)
	if err != nil {
		return Outcome{}, err
	}
	cluster, err := BuildCluster(view, root, opts.Scope)
	if err != nil {
		return Outcome{}, err
	}

	var changed []string
	for _, task := range cluster.Tasks {
		changed = append(changed, opts.FilesByTask[task]...)
	}
	policy, err := ResolvePolicy(&e.cfg.Validation, changed, opts.Preset)
	if err != nil {
		return Outcome{}, err
	}
	roster := BuildRoster(&e.cfg.Validation, policy, cluster, opts.FilesByTask)

	out := Outcome{
		Cluster:  cluster,
		Policy:   policy,
		Roster:   validatorIDs(roster),
		DryRun:   opts.DryRun,
		Warnings: policy.Warnings,
	}
	if opts.DryRun {
		return out, nil
	}

	round, roundDir, err := CreateRound(e.paths, cluster.Root)
	if err != nil {
		return Outcome{}, err
	}
	out.Round = round

	runs := make([]Run, len(roster))
	for i, v := range roster {
		runs[i] = Run{
			Validator: v,
			Root:      cluster.Root,
			Tasks:     cluster.Tasks,
			Round:     round,
			RoundDir:  roundDir,
			WorkDir:   e.paths.Root,
		}
	}
	parallel := e.cfg.Validation.Execution.Parallel
	pool := worker.NewPool[Run, Report](parallel)
	results := pool.Process(ctx, runs, func(ctx context.Context, run Run) (Report, error) {
		r, err := Route(run.Validator, e.command).Execute(ctx, run)
		if err != nil {
			return Report{}, err
		}
		if err := WriteReport(run.RoundDir, r, RenderSummary(r)); err != nil {
			return Report{}, err
		}
		return r, nil
	})

	summary := BundleSummary{
		RootTask: cluster.Root,
		Scope:    cluster.Scope,
		Preset:   policy.Preset,
		Round:    round,
		Approved: true,
		Tasks:    cluster.Tasks,
		Missing:  []string{},
	}
	for i, res := range results {
		v := roster[i]
		status := StatusRejected
		switch {
		case res.Err != nil:
			// Executor failure counts as a rejection; the round must still
			// complete so the other reports remain inspectable.
			if v.BlocksOnFail {
				summary.Approved = false
				summary.Missing = append(summary.Missing, v.ID)
			}
		default:
			status = res.Value.Status
			if v.BlocksOnFail && Rejected(status) {
				summary.Approved = false
				summary.Missing = append(summary.Missing, v.ID)
			}
		}
		summary.Validators = append(summary.Validators, ValidatorResult{ID: v.ID, Status: status})
	}

	if err := storage.WriteJSONAtomic(SummaryFile(roundDir), summary); err != nil {
		return Outcome{}, err
	}

	if _, err := e.journal.Append("evidence.written", opts.Actor, cluster.Root, map[string]any{
		"round": round,
		"dir":   e.paths.Rel(roundDir),
	}); err != nil {
		return Outcome{}, err
	}
	if _, err := e.journal.Append("bundle.summary", opts.Actor, cluster.Root, map[string]any{
		"round":    round,
		"scope":    string(cluster.Scope),
		"preset":   policy.Preset,
		"approved": summary.Approved,
		"missing":  summary.Missing,
		"tasks":    cluster.Tasks,
	}); err != nil {
		return Outcome{}, err
	}

	out.Summary = &summary
	return out, nil
}

func validatorIDs(roster []config.ValidatorConfig) []string {
	ids := make([]string, len(roster))
	for i, v := range roster {
		ids[i] = v.ID
	}
	return ids
}

// LatestSummary resolves the newest completed round's summary for task,
// following bundle_root one hop so member checks read the root's truth.
func LatestSummary(paths workspace.Paths, view *relation.View, task string) (BundleSummary, int, error) {
	root := task
	if t, ok := view.Get(task); ok {
		if br := t.RelOne(entity.RelBundleRoot); br != "" {
			root = br
		}
	}
	round, err := LatestRound(paths, root)
	if err != nil {
		return BundleSummary{}, 0, err
	}
	if round == 0 {
		return BundleSummary{}, 0, &errs.NotFound{
			Kind: "validation round", ID: root,
			Path: paths.EvidenceDir(root),
		}
	}
	s, err := ReadSummary(paths.EvidenceRound(root, round))
	if err != nil {
		return BundleSummary{}, 0, err
	}
	return s, round, nil
}
