// Package config loads and validates the typed configuration families under
// .edison/config/. Decoding is strict (unknown keys, duplicate documents,
// and invalid enum values are errors), every knob has a bundled default, and
// a small set of EDISON_* environment variables override file values.
//
// Families and their files:
//
//	workflow.yaml     state machines for tasks and QA records
//	session.yaml      recovery, continuation, worktree shared-state
//	validation.yaml   presets, inference buckets, validators, waves, execution
//	composition.yaml  active packs, include depth, shadowing allow-list
//	vendors.yaml      vendor sources and exports
//	vendors.lock.yaml pinned vendor checkouts
//	tampering.yaml    protected-settings policy (consumed by composition)
package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Continuation modes accepted in config and session overrides.
const (
	ModeOff  = "off"
	ModeSoft = "soft"
	ModeHard = "hard"
)

// Completion policies for session-next.
const (
	PolicyParentValidatedChildrenDone = "parent_validated_children_done"
	PolicyAllTasksValidated           = "all_tasks_validated"
)

// Config aggregates every family for one invocation.
type Config struct {
	Workflow    WorkflowConfig
	Session     SessionConfig
	Validation  ValidationConfig
	Composition CompositionConfig
	Vendors     VendorsConfig
	VendorsLock VendorsLock
	Tampering   TamperingConfig

	lookup map[string]any
}

type WorkflowConfig struct {
	Tasks MachineConfig `yaml:"tasks"`
	QA    MachineConfig `yaml:"qa"`
}

// MachineConfig declares one entity state machine. The engine treats it as a
// directed graph; unknown states anywhere are rejected at load.
type MachineConfig struct {
	States                    []string          `yaml:"states"`
	Terminal                  []string          `yaml:"terminal"`
	Directories               map[string]string `yaml:"directories"`
	Transitions               []TransitionRule  `yaml:"transitions"`
	DependencySatisfiedStates []string          `yaml:"dependencySatisfiedStates"`
}

type TransitionRule struct {
	From   string   `yaml:"from"`
	To     string   `yaml:"to"`
	Action string   `yaml:"action"`
	Guards []string `yaml:"guards"`
}

type SessionConfig struct {
	Recovery     RecoveryConfig     `yaml:"recovery"`
	Continuation ContinuationConfig `yaml:"continuation"`
	Worktrees    WorktreesConfig    `yaml:"worktrees"`
}

type RecoveryConfig struct {
	BlockOnStale      bool `yaml:"blockOnStale"`
	StaleAfterSeconds int  `yaml:"staleAfterSeconds"`
}

type ContinuationConfig struct {
	Enabled          *bool                           `yaml:"enabled"`
	DefaultMode      string                          `yaml:"defaultMode"`
	MaxIterations    int                             `yaml:"maxIterations"`
	CooldownSeconds  int                             `yaml:"cooldownSeconds"`
	StopOnBlocked    *bool                           `yaml:"stopOnBlocked"`
	CompletionPolicy string                          `yaml:"completionPolicy"`
	Templates        ContinuationTemplates           `yaml:"templates"`
	Platforms        map[string]ContinuationOverride `yaml:"platforms"`
}

type ContinuationTemplates struct {
	Prompt string `yaml:"prompt"`
	CWAM   string `yaml:"cwam"`
}

type ContinuationOverride struct {
	Mode string `yaml:"mode"`
}

type WorktreesConfig struct {
	SharedState SharedStateConfig `yaml:"sharedState"`
}

type SharedStateConfig struct {
	Mode             string   `yaml:"mode"` // off|symlink|copy
	MetaBranch       string   `yaml:"metaBranch"`
	MetaPathTemplate string   `yaml:"metaPathTemplate"`
	SharedPaths      []string `yaml:"sharedPaths"`
}

type ValidationConfig struct {
	PresetOrder     []string                `yaml:"presetOrder"`
	Presets         map[string]PresetConfig `yaml:"presets"`
	PresetInference InferenceConfig         `yaml:"presetInference"`
	Validators      []ValidatorConfig       `yaml:"validators"`
	Waves           []WaveConfig            `yaml:"waves"`
	Execution       ExecutionConfig         `yaml:"execution"`
}

type PresetConfig struct {
	Validators       []string `yaml:"validators"`
	RequiredEvidence []string `yaml:"requiredEvidence"`
	RequiredReports  []string `yaml:"requiredReports"`
}

type InferenceConfig struct {
	Default string         `yaml:"default"`
	Buckets []BucketConfig `yaml:"buckets"`
}

type BucketConfig struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`
	Preset   string   `yaml:"preset"`
	Code     bool     `yaml:"code"`
}

type ValidatorConfig struct {
	ID               string   `yaml:"id"`
	Model            string   `yaml:"model"`
	Triggers         []string `yaml:"triggers"`
	BlocksOnFail     bool     `yaml:"blocksOnFail"`
	AlwaysRun        bool     `yaml:"alwaysRun"`
	Command          string   `yaml:"command"`
	RequiredEvidence []string `yaml:"requiredEvidence"`
}

type WaveConfig struct {
	Name       string   `yaml:"name"`
	Validators []string `yaml:"validators"`
}

type ExecutionConfig struct {
	Parallel       int `yaml:"parallel"`
	TimeoutSeconds int `yaml:"timeoutSeconds"`
}

type CompositionConfig struct {
	ActivePacks  []string        `yaml:"activePacks"`
	IncludeDepth int             `yaml:"includeDepth"`
	Version      string          `yaml:"version"`
	Shadowing    ShadowingConfig `yaml:"shadowing"`
}

type ShadowingConfig struct {
	Allow []string `yaml:"allow"`
}

type VendorsConfig struct {
	Cache    string         `yaml:"cache"`
	Checkout string         `yaml:"checkout"`
	Sources  []VendorSource `yaml:"sources"`
	Exports  []VendorExport `yaml:"exports"`
}

type VendorSource struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	Ref  string `yaml:"ref"`
}

// VendorExport promotes a path inside a vendor worktree to a first-class
// entity. Mounts without exports contribute nothing to composition.
type VendorExport struct {
	Vendor         string `yaml:"vendor"`
	Path           string `yaml:"path"`
	Type           string `yaml:"type"`
	Name           string `yaml:"name"`
	AllowShadowing bool   `yaml:"allowShadowing"`
}

// Key is the entity key an export targets, e.g. "skills/testing/tdd".
func (e VendorExport) Key() string { return e.Type + "/" + e.Name }

type VendorsLock struct {
	Vendors []VendorPin `yaml:"vendors"`
}

type VendorPin struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Ref    string `yaml:"ref"`
	Commit string `yaml:"commit"`
}

type TamperingConfig struct {
	Enabled      bool     `yaml:"enabled"`
	ProtectedDir string   `yaml:"protectedDir"`
	Platforms    []string `yaml:"platforms"`
	Mode         string   `yaml:"mode"` // warn|enforce
}

// ContentTypes supported by the composition pipeline. Section and loop
// tokens are processed only for types in sectionTypes.
var (
	ContentTypes = []string{"agents", "validators", "constitutions", "skills", "commands", "settings"}

	sectionTypes = map[string]bool{"agents": true, "validators": true, "constitutions": true}
)

// SupportsSections reports whether a content type participates in section
// and loop expansion.
func SupportsSections(contentType string) bool { return sectionTypes[contentType] }

func knownContentType(t string) bool {
	for _, ct := range ContentTypes {
		if ct == t {
			return true
		}
	}
	return false
}

func applyWorkflowDefaults(c *WorkflowConfig) {
	if len(c.Tasks.States) == 0 {
		c.Tasks = MachineConfig{
			States:   []string{"todo", "wip", "blocked", "done", "validated", "archived"},
			Terminal: []string{"archived"},
			Directories: map[string]string{
				"todo": "todo", "wip": "wip", "blocked": "blocked",
				"done": "done", "validated": "validated", "archived": "archived",
			},
			Transitions: []TransitionRule{
				{From: "todo", To: "wip", Action: "claim", Guards: []string{"dependencies_satisfied", "session_not_stale"}},
				{From: "wip", To: "blocked", Action: "block"},
				{From: "blocked", To: "wip", Action: "unblock"},
				{From: "wip", To: "done", Action: "done"},
				{From: "done", To: "wip", Action: "reopen"},
				{From: "done", To: "validated", Action: "promote",
					Guards: []string{"has_bundle_approval", "has_required_evidence", "has_all_waves_passed"}},
				{From: "validated", To: "archived", Action: "archive"},
			},
			DependencySatisfiedStates: []string{"done", "validated", "archived"},
		}
	}
	if len(c.QA.States) == 0 {
		c.QA = MachineConfig{
			States:   []string{"pending", "wip", "done", "validated", "rejected"},
			Terminal: []string{"validated", "rejected"},
			Transitions: []TransitionRule{
				{From: "pending", To: "wip", Action: "start"},
				{From: "wip", To: "done", Action: "finish"},
				{From: "done", To: "validated", Action: "approve"},
				{From: "done", To: "rejected", Action: "reject"},
				{From: "done", To: "wip", Action: "reopen"},
			},
		}
	}
}

func applySessionDefaults(c *SessionConfig) {
	if c.Recovery.StaleAfterSeconds == 0 {
		c.Recovery.StaleAfterSeconds = 3600
	}
	if c.Continuation.Enabled == nil {
		c.Continuation.Enabled = boolPtr(true)
	}
	if c.Continuation.DefaultMode == "" {
		c.Continuation.DefaultMode = ModeOff
	}
	if c.Continuation.MaxIterations == 0 {
		c.Continuation.MaxIterations = 20
	}
	if c.Continuation.CooldownSeconds == 0 {
		c.Continuation.CooldownSeconds = 5
	}
	if c.Continuation.StopOnBlocked == nil {
		c.Continuation.StopOnBlocked = boolPtr(true)
	}
	if c.Continuation.CompletionPolicy == "" {
		c.Continuation.CompletionPolicy = PolicyParentValidatedChildrenDone
	}
	if c.Continuation.Templates.Prompt == "" {
		c.Continuation.Templates.Prompt = "Session {{session}} is not complete. Run `{{command}}`. Next: {{next}}."
	}
	if c.Worktrees.SharedState.Mode == "" {
		c.Worktrees.SharedState.Mode = "off"
	}
}

func applyValidationDefaults(c *ValidationConfig) {
	if len(c.PresetOrder) == 0 {
		c.PresetOrder = []string{"quick", "standard", "thorough"}
	}
	if len(c.Presets) == 0 {
		c.Presets = map[string]PresetConfig{
			"quick": {
				Validators:       []string{"global-codex"},
				RequiredEvidence: []string{"implementation-report.md"},
			},
			"standard": {
				Validators:       []string{"global-codex", "command-lint"},
				RequiredEvidence: []string{"implementation-report.md", "command-lint.txt"},
			},
			"thorough": {
				Validators:       []string{"global-codex", "command-lint", "deep-review"},
				RequiredEvidence: []string{"implementation-report.md", "command-lint.txt", "deep-review.md"},
			},
		}
	}
	if c.PresetInference.Default == "" {
		c.PresetInference.Default = "quick"
	}
	if len(c.PresetInference.Buckets) == 0 {
		c.PresetInference.Buckets = []BucketConfig{
			{Name: "docs", Patterns: []string{"**/*.md", "docs/**"}, Preset: "quick"},
			{Name: "config", Patterns: []string{"**/*.{yaml,yml,json,toml}"}, Preset: "quick"},
			{Name: "code", Patterns: []string{"**/*.{go,ts,tsx,js,py,rs,java}"}, Preset: "standard", Code: true},
		}
	}
	if len(c.Validators) == 0 {
		c.Validators = []ValidatorConfig{
			{ID: "global-codex", Model: "codex", Triggers: []string{"**"}, BlocksOnFail: true, AlwaysRun: true},
			{ID: "command-lint", Triggers: []string{"**/*.{go,ts,tsx,js,py}"}, BlocksOnFail: true, Command: "make lint"},
			{ID: "deep-review", Model: "opus", Triggers: []string{}, BlocksOnFail: false},
		}
	}
	if len(c.Waves) == 0 {
		c.Waves = []WaveConfig{
			{Name: "automation", Validators: []string{"command-lint"}},
			{Name: "review", Validators: []string{"global-codex", "deep-review"}},
		}
	}
	if c.Execution.Parallel == 0 {
		c.Execution.Parallel = 2
	}
	if c.Execution.TimeoutSeconds == 0 {
		c.Execution.TimeoutSeconds = 1800
	}
}

func applyCompositionDefaults(c *CompositionConfig) {
	if c.IncludeDepth == 0 {
		c.IncludeDepth = 3
	}
	if c.Version == "" {
		c.Version = "1"
	}
}

func applyVendorsDefaults(c *VendorsConfig) {
	if c.Cache == "" {
		c.Cache = ".edison/vendors/.cache"
	}
	if c.Checkout == "" {
		c.Checkout = "worktree"
	}
}

func applyTamperingDefaults(c *TamperingConfig) {
	if c.ProtectedDir == "" {
		c.ProtectedDir = ".edison/_generated/settings"
	}
	if c.Mode == "" {
		c.Mode = "warn"
	}
}

func validateWorkflow(c *WorkflowConfig) error {
	if err := validateMachine("workflow.tasks", &c.Tasks); err != nil {
		return err
	}
	return validateMachine("workflow.qa", &c.QA)
}

func validateMachine(scope string, m *MachineConfig) error {
	if len(m.States) == 0 {
		return fmt.Errorf("%s.states must not be empty", scope)
	}
	known := map[string]bool{}
	for _, s := range m.States {
		s = strings.TrimSpace(s)
		if s == "" {
			return fmt.Errorf("%s.states contains an empty state", scope)
		}
		if known[s] {
			return fmt.Errorf("%s.states duplicates %q", scope, s)
		}
		known[s] = true
	}
	for _, s := range m.Terminal {
		if !known[s] {
			return fmt.Errorf("%s.terminal references unknown state %q", scope, s)
		}
	}
	for state := range m.Directories {
		if !known[state] {
			return fmt.Errorf("%s.directories references unknown state %q", scope, state)
		}
	}
	seen := map[string]bool{}
	for i, tr := range m.Transitions {
		if !known[tr.From] {
			return fmt.Errorf("%s.transitions[%d].from: unknown state %q", scope, i, tr.From)
		}
		if !known[tr.To] {
			return fmt.Errorf("%s.transitions[%d].to: unknown state %q", scope, i, tr.To)
		}
		key := tr.From + "->" + tr.To
		if seen[key] {
			return fmt.Errorf("%s.transitions duplicates %s", scope, key)
		}
		seen[key] = true
		for _, g := range tr.Guards {
			if strings.TrimSpace(g) == "" {
				return fmt.Errorf("%s.transitions[%d] has an empty guard id", scope, i)
			}
		}
	}
	for _, s := range m.DependencySatisfiedStates {
		if !known[s] {
			return fmt.Errorf("%s.dependencySatisfiedStates references unknown state %q", scope, s)
		}
	}
	return nil
}

func validateSession(c *SessionConfig) error {
	if c.Recovery.StaleAfterSeconds <= 0 {
		return fmt.Errorf("invalid session.recovery.staleAfterSeconds: %d (want > 0)", c.Recovery.StaleAfterSeconds)
	}
	if !validMode(c.Continuation.DefaultMode) {
		return fmt.Errorf("invalid continuation.defaultMode: %q (want off|soft|hard)", c.Continuation.DefaultMode)
	}
	switch c.Continuation.CompletionPolicy {
	case PolicyParentValidatedChildrenDone, PolicyAllTasksValidated:
	default:
		return fmt.Errorf("invalid continuation.completionPolicy: %q (want %s|%s)",
			c.Continuation.CompletionPolicy, PolicyParentValidatedChildrenDone, PolicyAllTasksValidated)
	}
	if c.Continuation.MaxIterations < 0 {
		return fmt.Errorf("invalid continuation.maxIterations: %d (want >= 0)", c.Continuation.MaxIterations)
	}
	if c.Continuation.CooldownSeconds < 0 {
		return fmt.Errorf("invalid continuation.cooldownSeconds: %d (want >= 0)", c.Continuation.CooldownSeconds)
	}
	for platform, ov := range c.Continuation.Platforms {
		if !validMode(ov.Mode) {
			return fmt.Errorf("invalid continuation.platforms.%s.mode: %q (want off|soft|hard)", platform, ov.Mode)
		}
	}
	switch c.Worktrees.SharedState.Mode {
	case "off", "symlink", "copy":
	default:
		return fmt.Errorf("invalid worktrees.sharedState.mode: %q (want off|symlink|copy)", c.Worktrees.SharedState.Mode)
	}
	return nil
}

func validMode(mode string) bool {
	switch mode {
	case ModeOff, ModeSoft, ModeHard:
		return true
	default:
		return false
	}
}

func validateValidation(c *ValidationConfig) error {
	if len(c.PresetOrder) == 0 {
		return fmt.Errorf("validation.presetOrder must not be empty")
	}
	order := map[string]bool{}
	for _, p := range c.PresetOrder {
		if order[p] {
			return fmt.Errorf("validation.presetOrder duplicates %q", p)
		}
		order[p] = true
		if _, ok := c.Presets[p]; !ok {
			return fmt.Errorf("validation.presetOrder names %q but validation.presets does not define it", p)
		}
	}
	for name := range c.Presets {
		if !order[name] {
			return fmt.Errorf("validation.presets.%s is not listed in presetOrder", name)
		}
	}

	validators := map[string]bool{}
	for i, v := range c.Validators {
		if strings.TrimSpace(v.ID) == "" {
			return fmt.Errorf("validation.validators[%d].id must not be empty", i)
		}
		if validators[v.ID] {
			return fmt.Errorf("validation.validators duplicates id %q", v.ID)
		}
		validators[v.ID] = true
		for _, pattern := range v.Triggers {
			if !doublestar.ValidatePattern(pattern) {
				return fmt.Errorf("validation.validators.%s has invalid trigger pattern %q", v.ID, pattern)
			}
		}
	}
	for name, preset := range c.Presets {
		for _, id := range preset.Validators {
			if !validators[id] {
				return fmt.Errorf("validation.presets.%s references unknown validator %q", name, id)
			}
		}
	}
	if !order[c.PresetInference.Default] {
		return fmt.Errorf("invalid validation.presetInference.default: %q (not in presetOrder)", c.PresetInference.Default)
	}
	for i, b := range c.PresetInference.Buckets {
		if strings.TrimSpace(b.Name) == "" {
			return fmt.Errorf("validation.presetInference.buckets[%d].name must not be empty", i)
		}
		if !order[b.Preset] {
			return fmt.Errorf("validation.presetInference.buckets.%s: preset %q not in presetOrder", b.Name, b.Preset)
		}
		if len(b.Patterns) == 0 {
			return fmt.Errorf("validation.presetInference.buckets.%s has no patterns", b.Name)
		}
		for _, pattern := range b.Patterns {
			if !doublestar.ValidatePattern(pattern) {
				return fmt.Errorf("validation.presetInference.buckets.%s has invalid pattern %q", b.Name, pattern)
			}
		}
	}
	for i, w := range c.Waves {
		if strings.TrimSpace(w.Name) == "" {
			return fmt.Errorf("validation.waves[%d].name must not be empty", i)
		}
		for _, id := range w.Validators {
			if !validators[id] {
				return fmt.Errorf("validation.waves.%s references unknown validator %q", w.Name, id)
			}
		}
	}
	if c.Execution.Parallel < 1 {
		return fmt.Errorf("invalid validation.execution.parallel: %d (want >= 1)", c.Execution.Parallel)
	}
	if c.Execution.TimeoutSeconds < 1 {
		return fmt.Errorf("invalid validation.execution.timeoutSeconds: %d (want >= 1)", c.Execution.TimeoutSeconds)
	}
	return nil
}

// PresetRank returns the index of preset in presetOrder, or -1.
func (c *ValidationConfig) PresetRank(preset string) int {
	for i, p := range c.PresetOrder {
		if p == preset {
			return i
		}
	}
	return -1
}

// Validator returns the declared validator config by id.
func (c *ValidationConfig) Validator(id string) (ValidatorConfig, bool) {
	for _, v := range c.Validators {
		if v.ID == id {
			return v, true
		}
	}
	return ValidatorConfig{}, false
}

func validateComposition(c *CompositionConfig) error {
	if c.IncludeDepth < 1 || c.IncludeDepth > 10 {
		return fmt.Errorf("invalid composition.includeDepth: %d (want 1..10)", c.IncludeDepth)
	}
	seen := map[string]bool{}
	for _, p := range c.ActivePacks {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("composition.activePacks contains an empty name")
		}
		if seen[p] {
			return fmt.Errorf("composition.activePacks duplicates %q", p)
		}
		seen[p] = true
	}
	return nil
}

func validateVendors(c *VendorsConfig, lock *VendorsLock) error {
	switch c.Checkout {
	case "worktree", "clone":
	default:
		return fmt.Errorf("invalid vendors.checkout: %q (want worktree|clone)", c.Checkout)
	}
	sources := map[string]bool{}
	for i, s := range c.Sources {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("vendors.sources[%d].name must not be empty", i)
		}
		if sources[s.Name] {
			return fmt.Errorf("vendors.sources duplicates %q", s.Name)
		}
		sources[s.Name] = true
	}
	for _, pin := range lock.Vendors {
		sources[pin.Name] = true
	}
	for i, e := range c.Exports {
		if e.Vendor == "" || e.Type == "" || e.Name == "" {
			return fmt.Errorf("vendors.exports[%d] needs vendor, type and name", i)
		}
		if !knownContentType(e.Type) {
			return fmt.Errorf("vendors.exports[%d].type: unknown content type %q (want one of %s)",
				i, e.Type, strings.Join(ContentTypes, "|"))
		}
		if !sources[e.Vendor] {
			return fmt.Errorf("vendors.exports[%d] references vendor %q not present in vendors.sources or vendors.lock.yaml", i, e.Vendor)
		}
	}
	return nil
}

func validateTampering(c *TamperingConfig) error {
	switch c.Mode {
	case "warn", "enforce":
	default:
		return fmt.Errorf("invalid tampering.mode: %q (want warn|enforce)", c.Mode)
	}
	return nil
}

// SortedPlatformNames supports deterministic iteration over platform overrides.
func (c ContinuationConfig) SortedPlatformNames() []string {
	names := make([]string, 0, len(c.Platforms))
	for n := range c.Platforms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func boolPtr(b bool) *bool { return &b }
