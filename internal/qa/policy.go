// Package qa decides what to validate, with which validators, and when a
// task may be promoted. Preset policy resolution, bundle scope clustering,
// the union roster, validator execution, and the bundle summary all live
// here; the state machine's promotion guards read this package's outputs.
package qa

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/leeroybrun/edison-sub000/internal/config"
	"github.com/leeroybrun/edison-sub000/internal/errs"
)

// Policy is the resolved validation policy for one round. It is the single
// source of truth consumed by the roster builder, the promotion guards, and
// session-next.
type Policy struct {
	Preset           string   `json:"preset"`
	RequiredEvidence []string `json:"requiredEvidence"`
	RequiredReports  []string `json:"requiredReports"`
	RosterFilter     []string `json:"rosterFilter"`
	Warnings         []string `json:"warnings,omitempty"`
}

// ResolvePolicy maps the changed files onto preset-inference buckets and
// applies the explicit override when it does not downgrade. Matching any
// code bucket clamps the result so code changes never validate under a
// docs-grade preset; a downgrade attempt is kept as a warning instead of an
// error so dry-runs can surface it.
func ResolvePolicy(cfg *config.ValidationConfig, changed []string, explicit string) (Policy, error) {
	if explicit != "" && cfg.PresetRank(explicit) < 0 {
		return Policy{}, &errs.ValidationError{
			Subject: "preset",
			Reason:  fmt.Sprintf("unknown preset %q", explicit),
			Remedy:  "configured presets: " + strings.Join(cfg.PresetOrder, ", "),
		}
	}

	resolved := cfg.PresetInference.Default
	var warnings []string
	codeMatched := false
	for _, file := range changed {
		for _, bucket := range cfg.PresetInference.Buckets {
			if !matchAny(bucket.Patterns, file) {
				continue
			}
			if bucket.Code {
				codeMatched = true
			}
			if cfg.PresetRank(bucket.Preset) > cfg.PresetRank(resolved) {
				resolved = bucket.Preset
			}
		}
	}
	// Safety rule: code changes never validate below standard, whatever the
	// matching bucket declares.
	if codeMatched && cfg.PresetRank("standard") > cfg.PresetRank(resolved) {
		resolved = "standard"
	}

	if explicit != "" {
		if cfg.PresetRank(explicit) >= cfg.PresetRank(resolved) {
			resolved = explicit
		} else {
			warnings = append(warnings,
				fmt.Sprintf("explicit preset %q would downgrade inferred %q; keeping %q", explicit, resolved, resolved))
		}
	}

	preset, ok := cfg.Presets[resolved]
	if !ok {
		return Policy{}, &errs.ConfigError{
			Path:   "validation.presets",
			Reason: fmt.Sprintf("resolved preset %q is not configured", resolved),
		}
	}
	return Policy{
		Preset:           resolved,
		RequiredEvidence: append([]string(nil), preset.RequiredEvidence...),
		RequiredReports:  append([]string(nil), preset.RequiredReports...),
		RosterFilter:     append([]string(nil), preset.Validators...),
		Warnings:         warnings,
	}, nil
}

// matchAny applies doublestar semantics: a pattern containing a slash
// matches the repo-relative path, a slash-less pattern matches the basename.
func matchAny(patterns []string, path string) bool {
	base := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		base = path[idx+1:]
	}
	for _, pattern := range patterns {
		subject := base
		if strings.ContainsRune(pattern, '/') {
			subject = path
		}
		if ok, err := doublestar.Match(pattern, subject); err == nil && ok {
			return true
		}
	}
	return false
}
