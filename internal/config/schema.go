package config

import (
	"encoding/json"
	"errors"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/workspace"
)

// validateAgainstSchema checks a loaded family against the generated schema
// file for it, when one exists under .edison/_generated/schemas/. Typed
// strict decoding is the baseline; generated schemas let packs tighten it
// further without a new binary.
func validateAgainstSchema(paths workspace.Paths, configFile string, loaded any) error {
	schemaPath := schemaFileFor(paths, configFile)
	data, err := os.ReadFile(schemaPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &errs.IOError{Op: "read", Path: schemaPath, Err: err}
	}
	sch, err := CompileSchema(schemaPath, data)
	if err != nil {
		return &errs.ConfigError{Path: schemaPath, Reason: err.Error()}
	}
	doc, err := jsonDocument(loaded)
	if err != nil {
		return errs.Internalf("encode %s for schema validation: %v", configFile, err)
	}
	if err := sch.Validate(doc); err != nil {
		return &errs.ConfigError{Path: paths.ConfigFile(configFile), Reason: err.Error(),
			Remedy: "see " + paths.Rel(schemaPath)}
	}
	return nil
}

// CompileSchema compiles raw JSON schema bytes under the given resource name.
func CompileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(name)
}

// jsonDocument renders v the way encoding/json would decode it, which is the
// shape jsonschema validates. YAML-tagged structs go through a YAML round
// trip first so schema properties match the on-disk key spelling.
func jsonDocument(v any) (any, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
