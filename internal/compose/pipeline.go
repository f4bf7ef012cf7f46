package compose

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/leeroybrun/edison-sub000/internal/config"
	"github.com/leeroybrun/edison-sub000/internal/errs"
)

var (
	includeToken = regexp.MustCompile(`\{\{include:([^}]+)\}\}`)
	sectionToken = regexp.MustCompile(`\{\{SECTION:([A-Za-z0-9_-]+)\}\}`)
	eachToken    = regexp.MustCompile(`(?s)\{\{#each ([A-Za-z0-9_.]+)\}\}(.*?)\{\{/each\}\}`)
	thisToken    = regexp.MustCompile(`\{\{this\.([A-Za-z0-9_]+)\}\}`)
	configToken  = regexp.MustCompile(`\{\{(config\.[A-Za-z0-9_.\-]+)\}\}`)
	anyToken     = regexp.MustCompile(`\{\{([^{}]*)\}\}`)
)

type templateContext struct {
	contentType  string
	templateName string
	sourceLayers []string
	timestamp    time.Time
}

// transform applies the fixed pipeline: includes, sections and loops,
// config variables, legacy variables, validation. The write step lives with
// the caller.
func (c *Composer) transform(body string, tctx templateContext, rep *Report) (string, error) {
	out, err := c.resolveIncludes(body, nil, rep)
	if err != nil {
		return "", err
	}

	if config.SupportsSections(tctx.contentType) {
		out = c.expandSections(out, rep)
		out, err = c.expandLoops(out, rep)
		if err != nil {
			return "", err
		}
	}

	out = c.substituteConfig(out, tctx, rep)
	out = c.substituteLegacy(out, tctx, rep)
	c.validateResidue(out, tctx, rep)
	return out, nil
}

// resolveIncludes replaces {{include:rel/path}} tokens, searching project,
// then packs in reverse declared order, then core, then vendor roots. First
// match wins. Depth is capped by composition.includeDepth and cycles are
// rejected by path.
func (c *Composer) resolveIncludes(body string, stack []string, rep *Report) (string, error) {
	if len(stack) > c.cfg.Composition.IncludeDepth {
		return "", &errs.ValidationError{
			Subject: "composition includes",
			Reason:  fmt.Sprintf("include depth exceeds %d: %s", c.cfg.Composition.IncludeDepth, strings.Join(stack, " -> ")),
			Remedy:  "raise composition.includeDepth or flatten the chain",
		}
	}
	var resolveErr error
	out := includeToken.ReplaceAllStringFunc(body, func(token string) string {
		if resolveErr != nil {
			return token
		}
		rel := path.Clean(strings.TrimSpace(includeToken.FindStringSubmatch(token)[1]))
		for _, seen := range stack {
			if seen == rel {
				resolveErr = &errs.ValidationError{
					Subject: "composition includes",
					Reason:  fmt.Sprintf("include cycle: %s -> %s", strings.Join(stack, " -> "), rel),
				}
				return token
			}
		}
		layer, ok := c.findInclude(rel)
		if !ok {
			resolveErr = &errs.ValidationError{
				Subject: "composition includes",
				Reason:  fmt.Sprintf("include target %q not found in any layer", rel),
			}
			return token
		}
		data, err := layer.read(rel)
		if err != nil {
			resolveErr = err
			return token
		}
		nested, err := c.resolveIncludes(string(data), append(stack, rel), rep)
		if err != nil {
			resolveErr = err
			return token
		}
		rep.IncludesResolved++
		return nested
	})
	return out, resolveErr
}

func (c *Composer) findInclude(rel string) (Layer, bool) {
	// Project first, packs in reverse declared order, then core.
	for i := len(c.layers) - 1; i >= 0; i-- {
		if c.layers[i].exists(rel) {
			return c.layers[i], true
		}
	}
	for _, v := range c.vendorRoots {
		if v.exists(rel) {
			return v, true
		}
	}
	return Layer{}, false
}

// expandSections concatenates sections/<Name>.md contributions from every
// layer, low to high, in place of {{SECTION:Name}}.
func (c *Composer) expandSections(body string, rep *Report) string {
	return sectionToken.ReplaceAllStringFunc(body, func(token string) string {
		name := sectionToken.FindStringSubmatch(token)[1]
		var parts []string
		for _, layer := range c.layers {
			rel := path.Join("sections", name+".md")
			if !layer.exists(rel) {
				continue
			}
			data, err := layer.read(rel)
			if err != nil {
				continue
			}
			parts = append(parts, strings.TrimRight(string(data), "\n"))
		}
		if len(parts) == 0 {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("section %q has no contributions", name))
			return ""
		}
		rep.SectionsProcessed++
		return strings.Join(parts, "\n\n")
	})
}

// expandLoops repeats the body of {{#each config.list}}…{{/each}} once per
// element, binding {{this.field}} to the element's entries.
func (c *Composer) expandLoops(body string, rep *Report) (string, error) {
	var loopErr error
	out := eachToken.ReplaceAllStringFunc(body, func(token string) string {
		m := eachToken.FindStringSubmatch(token)
		listPath, inner := m[1], m[2]
		v, ok := c.cfg.Lookup(listPath)
		if !ok {
			rep.VariablesMissing = append(rep.VariablesMissing, listPath)
			return token
		}
		list, ok := v.([]any)
		if !ok {
			loopErr = &errs.ValidationError{
				Subject: "composition loops",
				Reason:  fmt.Sprintf("%s is not a list", listPath),
			}
			return token
		}
		var b strings.Builder
		for _, elem := range list {
			fields, _ := elem.(map[string]any)
			b.WriteString(thisToken.ReplaceAllStringFunc(inner, func(t string) string {
				field := thisToken.FindStringSubmatch(t)[1]
				if val, ok := fields[field]; ok {
					rep.VariablesSubstituted++
					return fmt.Sprintf("%v", val)
				}
				rep.VariablesMissing = append(rep.VariablesMissing, listPath+".this."+field)
				return t
			}))
		}
		rep.SectionsProcessed++
		return b.String()
	})
	return out, loopErr
}

// substituteConfig resolves {{config.a.b.c}} tokens. Missing paths are
// recorded and the token is left in place for the validation step.
func (c *Composer) substituteConfig(body string, tctx templateContext, rep *Report) string {
	return configToken.ReplaceAllStringFunc(body, func(token string) string {
		dotted := configToken.FindStringSubmatch(token)[1]
		val, ok := c.cfg.LookupString(dotted)
		if !ok {
			rep.VariablesMissing = append(rep.VariablesMissing, dotted)
			return token
		}
		rep.VariablesSubstituted++
		return val
	})
}

func (c *Composer) substituteLegacy(body string, tctx templateContext, rep *Report) string {
	ts := ""
	if !tctx.timestamp.IsZero() {
		ts = tctx.timestamp.Format(time.RFC3339)
	}
	for token, val := range map[string]string{
		"{{source_layers}}":      strings.Join(tctx.sourceLayers, ","),
		"{{timestamp}}":          ts,
		"{{version}}":            c.cfg.Composition.Version,
		"{{template_name}}":      tctx.templateName,
		"{{PROJECT_EDISON_DIR}}": ".edison",
	} {
		if strings.Contains(body, token) {
			rep.VariablesSubstituted += strings.Count(body, token)
			body = strings.ReplaceAll(body, token, val)
		}
	}
	return body
}

// validateResidue records any surviving token as a warning. Section and
// loop syntax on types that do not support sections is expected and
// whitelisted.
func (c *Composer) validateResidue(body string, tctx templateContext, rep *Report) {
	for _, m := range anyToken.FindAllStringSubmatch(body, -1) {
		inner := m[1]
		if !config.SupportsSections(tctx.contentType) {
			if strings.HasPrefix(inner, "SECTION:") || strings.HasPrefix(inner, "#each ") ||
				inner == "/each" || strings.HasPrefix(inner, "this.") {
				continue
			}
		}
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("%s/%s: unresolved token {{%s}}", tctx.contentType, tctx.templateName, inner))
	}
}
