// Package compose produces every generated artifact under
// .edison/_generated/ in one deterministic pass. Content layers stack in
// fixed priority order (embedded core, vendor exports, active packs,
// project overlays); markdown artifacts run through a fixed transformation
// pipeline and settings merge as JSON without template processing.
package compose

import (
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/leeroybrun/edison-sub000/internal/config"
	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/storage"
	"github.com/leeroybrun/edison-sub000/internal/workspace"
)

//go:embed all:coredata
var coreFS embed.FS

// Layer is one content source. Lower layers are overridden by higher ones;
// the order in Composer.layers is the priority order.
type Layer struct {
	Name string
	fsys fs.FS
}

func (l Layer) read(rel string) ([]byte, error) {
	return fs.ReadFile(l.fsys, rel)
}

func (l Layer) exists(rel string) bool {
	_, err := fs.Stat(l.fsys, rel)
	return err == nil
}

func (l Layer) mtime(rel string) time.Time {
	info, err := fs.Stat(l.fsys, rel)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime().UTC()
}

// source is one layer's contribution to an entity key.
type source struct {
	layer       Layer
	rel         string
	allowShadow bool
}

// Report aggregates one composition run. Any entry in Errors makes the run
// fail after all artifacts were attempted.
type Report struct {
	FilesWritten         []string `json:"filesWritten"`
	VariablesSubstituted int      `json:"variablesSubstituted"`
	VariablesMissing     []string `json:"variablesMissing"`
	IncludesResolved     int      `json:"includesResolved"`
	SectionsProcessed    int      `json:"sectionsProcessed"`
	Warnings             []string `json:"warnings"`
	Errors               []string `json:"errors"`
	Fingerprint          string   `json:"fingerprint"`
}

// Composer discovers layers once per invocation and composes artifacts.
type Composer struct {
	paths       workspace.Paths
	cfg         *config.Config
	layers      []Layer // core, packs (declared order), project; low to high
	vendors     map[string][]source
	vendorRoots []Layer
	allowShadow map[string]bool
}

func New(paths workspace.Paths, cfg *config.Config) (*Composer, error) {
	core, err := fs.Sub(coreFS, "coredata")
	if err != nil {
		return nil, errs.Internalf("embedded core: %v", err)
	}
	c := &Composer{
		paths:       paths,
		cfg:         cfg,
		layers:      []Layer{{Name: "core", fsys: core}},
		vendors:     map[string][]source{},
		allowShadow: map[string]bool{},
	}
	for _, key := range cfg.Composition.Shadowing.Allow {
		c.allowShadow[key] = true
	}

	for _, export := range cfg.Vendors.Exports {
		root := paths.VendorWorktree(export.Vendor)
		if _, err := os.Stat(root); err != nil {
			continue // vendor not checked out; exports contribute nothing
		}
		layer := Layer{Name: "vendor:" + export.Vendor, fsys: os.DirFS(root)}
		c.vendorRoots = append(c.vendorRoots, layer)
		c.vendors[export.Key()] = append(c.vendors[export.Key()], source{
			layer:       layer,
			rel:         filepath.ToSlash(export.Path),
			allowShadow: export.AllowShadowing,
		})
	}
	for _, pack := range cfg.Composition.ActivePacks {
		dir := paths.PackDir(pack)
		if _, err := os.Stat(dir); err != nil {
			return nil, &errs.ConfigError{
				Path:   "composition.activePacks",
				Reason: fmt.Sprintf("pack %q has no directory at %s", pack, paths.Rel(dir)),
			}
		}
		c.layers = append(c.layers, Layer{Name: "pack:" + pack, fsys: os.DirFS(dir)})
	}
	if dir := paths.OverlaysDir(); storage.Exists(dir) {
		c.layers = append(c.layers, Layer{Name: "project", fsys: os.DirFS(dir)})
	}
	return c, nil
}

// ComposeAll composes every content type. The returned error summarizes
// report errors; the report itself is always complete.
func (c *Composer) ComposeAll() (*Report, error) {
	rep := newReport()
	hasher := blake3.New()
	for _, typ := range config.ContentTypes {
		c.composeType(typ, rep, hasher)
	}
	rep.Fingerprint = hex.EncodeToString(hasher.Sum(nil))
	return finish(rep)
}

// ComposeType composes one content type.
func (c *Composer) ComposeType(contentType string) (*Report, error) {
	found := false
	for _, t := range config.ContentTypes {
		if t == contentType {
			found = true
		}
	}
	if !found {
		return nil, &errs.ValidationError{
			Subject: "content type",
			Reason:  fmt.Sprintf("unknown content type %q", contentType),
			Remedy:  "one of: " + strings.Join(config.ContentTypes, ", "),
		}
	}
	rep := newReport()
	hasher := blake3.New()
	c.composeType(contentType, rep, hasher)
	rep.Fingerprint = hex.EncodeToString(hasher.Sum(nil))
	return finish(rep)
}

func newReport() *Report {
	return &Report{
		FilesWritten:     []string{},
		VariablesMissing: []string{},
		Warnings:         []string{},
		Errors:           []string{},
	}
}

func finish(rep *Report) (*Report, error) {
	if len(rep.Errors) > 0 {
		return rep, &errs.ValidationError{
			Subject: "composition",
			Reason:  fmt.Sprintf("%d error(s): %s", len(rep.Errors), strings.Join(rep.Errors, "; ")),
		}
	}
	return rep, nil
}

func (c *Composer) composeType(contentType string, rep *Report, hasher *blake3.Hasher) {
	keys, sources := c.entities(contentType)
	for _, name := range keys {
		srcs := sources[name]
		if err := c.checkShadowing(contentType, name, srcs, rep); err != nil {
			rep.Errors = append(rep.Errors, err.Error())
			continue
		}
		for _, s := range srcs {
			data, err := s.layer.read(s.rel)
			if err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("%s/%s: read %s from %s: %v", contentType, name, s.rel, s.layer.Name, err))
				continue
			}
			hasher.WriteString(s.layer.Name)
			hasher.WriteString("\x00" + s.rel + "\x00")
			hasher.Write(data)
		}
		if contentType == "settings" {
			c.composeSettings(name, srcs, rep)
		} else {
			c.composeMarkdown(contentType, name, srcs, rep)
		}
	}
}

// entities enumerates every entity name for a content type with its
// contributing sources ordered low to high priority. Vendor exports slot in
// between core and packs.
func (c *Composer) entities(contentType string) ([]string, map[string][]source) {
	ext := ".md"
	if contentType == "settings" {
		ext = ".json"
	}
	sources := map[string][]source{}
	add := func(name string, s source) {
		sources[name] = append(sources[name], s)
	}

	for _, layer := range c.layers {
		if _, err := fs.Stat(layer.fsys, contentType); err == nil {
			// Entity names may nest (skills/testing/tdd), so walk the whole
			// subtree rather than one directory level.
			fs.WalkDir(layer.fsys, contentType, func(rel string, d fs.DirEntry, err error) error {
				if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ext) {
					return nil
				}
				name := strings.TrimSuffix(strings.TrimPrefix(rel, contentType+"/"), ext)
				add(name, source{
					layer:       layer,
					rel:         rel,
					allowShadow: c.allowShadow[contentType+"/"+name],
				})
				return nil
			})
		}
		if layer.Name == "core" {
			// Vendor exports stack directly above core.
			for key, vsrcs := range c.vendors {
				typ, name, _ := strings.Cut(key, "/")
				if typ != contentType {
					continue
				}
				for _, vs := range vsrcs {
					add(name, vs)
				}
			}
		}
	}

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, sources
}

// checkShadowing enforces the opt-in rule: when more than one layer provides
// the same entity key, every overriding layer must declare the intent.
func (c *Composer) checkShadowing(contentType, name string, srcs []source, rep *Report) error {
	if len(srcs) < 2 {
		return nil
	}
	key := contentType + "/" + name
	for _, s := range srcs[1:] {
		if s.allowShadow {
			continue
		}
		flag := fmt.Sprintf("composition.shadowing.allow: [%s]", key)
		if strings.HasPrefix(s.layer.Name, "vendor:") {
			flag = "allowShadowing: true on the vendor export"
		}
		return &errs.ValidationError{
			Subject: "composition",
			Reason: fmt.Sprintf("entity %s from %s shadows %s without opt-in",
				key, s.layer.Name, srcs[0].layer.Name),
			Remedy: "set " + flag,
		}
	}
	return nil
}

func (c *Composer) composeMarkdown(contentType, name string, srcs []source, rep *Report) {
	top := srcs[len(srcs)-1]
	raw, err := top.layer.read(top.rel)
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("%s/%s: %v", contentType, name, err))
		return
	}

	tctx := templateContext{
		contentType:  contentType,
		templateName: name,
		sourceLayers: layerNames(srcs),
		timestamp:    newestMtime(srcs),
	}
	out, err := c.transform(string(raw), tctx, rep)
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("%s/%s: %v", contentType, name, err))
		return
	}

	dest := filepath.Join(c.paths.GeneratedDir(), contentType, name+".md")
	if err := storage.WriteTextAtomic(dest, out); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("%s/%s: %v", contentType, name, err))
		return
	}
	rep.FilesWritten = append(rep.FilesWritten, c.paths.Rel(dest))
}

// composeSettings merges every layer's JSON low to high and writes the
// result. Settings bypass the template pipeline entirely.
func (c *Composer) composeSettings(name string, srcs []source, rep *Report) {
	merged := map[string]any{}
	for _, s := range srcs {
		raw, err := s.layer.read(s.rel)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("settings/%s: %v", name, err))
			return
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("settings/%s (%s): %v", name, s.layer.Name, err))
			return
		}
		merged = MergeWithHandlers(merged, doc, settingsHandlers)
	}

	dest := filepath.Join(c.paths.GeneratedDir(), "settings", name+".json")
	if err := storage.WriteJSONAtomic(dest, merged); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("settings/%s: %v", name, err))
		return
	}
	rep.FilesWritten = append(rep.FilesWritten, c.paths.Rel(dest))
}

// settingsHandlers accumulate list-valued permission and hook entries
// across layers instead of letting the top layer clobber them.
var settingsHandlers = map[string]MergeHandler{
	"permissions": mergeAccumulating,
	"hooks":       mergeAccumulating,
}

func mergeAccumulating(base, overlay any) any {
	bm, bok := base.(map[string]any)
	om, ook := overlay.(map[string]any)
	if bok && ook {
		out := make(map[string]any, len(bm)+len(om))
		for k, v := range bm {
			out[k] = v
		}
		for k, ov := range om {
			out[k] = mergeAccumulating(out[k], ov)
		}
		return out
	}
	if _, ok := overlay.([]any); ok {
		return AppendUnique(base, overlay)
	}
	return overlay
}

func layerNames(srcs []source) []string {
	names := make([]string, len(srcs))
	for i, s := range srcs {
		names[i] = s.layer.Name
	}
	return names
}

// newestMtime keeps recomposition deterministic: the timestamp variable
// comes from the inputs, so unchanged inputs produce byte-identical output.
func newestMtime(srcs []source) time.Time {
	var newest time.Time
	for _, s := range srcs {
		if mt := s.layer.mtime(s.rel); mt.After(newest) {
			newest = mt
		}
	}
	return newest
}
