package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/leeroybrun/edison-sub000/internal/errs"
	"github.com/leeroybrun/edison-sub000/internal/workspace"
)

// Load reads every config family under paths.ConfigDir(), fills bundled
// defaults for missing files and fields, applies EDISON_* environment
// overrides, and validates the result. A repository with no config files at
// all loads successfully on defaults alone.
func Load(paths workspace.Paths) (*Config, error) {
	cfg := &Config{}

	type family struct {
		file     string
		target   any
		defaults func()
		validate func() error
	}
	families := []family{
		{"workflow.yaml", &cfg.Workflow,
			func() { applyWorkflowDefaults(&cfg.Workflow) },
			func() error { return validateWorkflow(&cfg.Workflow) }},
		{"session.yaml", &cfg.Session,
			func() { applySessionDefaults(&cfg.Session) },
			func() error { return validateSession(&cfg.Session) }},
		{"validation.yaml", &cfg.Validation,
			func() { applyValidationDefaults(&cfg.Validation) },
			func() error { return validateValidation(&cfg.Validation) }},
		{"composition.yaml", &cfg.Composition,
			func() { applyCompositionDefaults(&cfg.Composition) },
			func() error { return validateComposition(&cfg.Composition) }},
		{"vendors.lock.yaml", &cfg.VendorsLock, func() {}, func() error { return nil }},
		{"vendors.yaml", &cfg.Vendors,
			func() { applyVendorsDefaults(&cfg.Vendors) },
			func() error { return validateVendors(&cfg.Vendors, &cfg.VendorsLock) }},
		{"tampering.yaml", &cfg.Tampering,
			func() { applyTamperingDefaults(&cfg.Tampering) },
			func() error { return validateTampering(&cfg.Tampering) }},
	}

	for _, f := range families {
		path := paths.ConfigFile(f.file)
		if err := loadFile(path, f.target); err != nil {
			return nil, err
		}
		f.defaults()
		if err := f.validate(); err != nil {
			return nil, &errs.ConfigError{Path: path, Reason: err.Error()}
		}
		if err := validateAgainstSchema(paths, f.file, f.target); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	// Env values pass the same gates as file values.
	if err := validateSession(&cfg.Session); err != nil {
		return nil, &errs.ConfigError{Path: "EDISON_* environment", Reason: err.Error()}
	}
	if err := validateValidation(&cfg.Validation); err != nil {
		return nil, &errs.ConfigError{Path: "EDISON_* environment", Reason: err.Error()}
	}
	if err := validateComposition(&cfg.Composition); err != nil {
		return nil, &errs.ConfigError{Path: "EDISON_* environment", Reason: err.Error()}
	}

	if err := cfg.buildLookup(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, target any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &errs.IOError{Op: "read", Path: path, Err: err}
	}
	if err := decodeYAMLStrict(data, target); err != nil {
		return &errs.ConfigError{Path: path, Reason: err.Error(), Remedy: "fix the YAML or delete the file to use bundled defaults"}
	}
	return nil
}

// decodeYAMLStrict rejects unknown fields and multi-document files.
func decodeYAMLStrict(data []byte, target any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil // empty file, defaults apply
		}
		return err
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return fmt.Errorf("expected a single YAML document")
	}
	return nil
}

// Environment overrides. Each recognized variable maps onto one field; the
// merged result is re-validated so a bad value fails the same way a bad file
// would.
const envPrefix = "EDISON_"

func applyEnvOverrides(cfg *Config) error {
	if v, ok := os.LookupEnv(envPrefix + "SESSION_RECOVERY_BLOCK_ON_STALE"); ok {
		b, err := parseEnvBool("SESSION_RECOVERY_BLOCK_ON_STALE", v)
		if err != nil {
			return err
		}
		cfg.Session.Recovery.BlockOnStale = b
	}
	if v, ok := os.LookupEnv(envPrefix + "SESSION_RECOVERY_STALE_AFTER_SECONDS"); ok {
		n, err := parseEnvInt("SESSION_RECOVERY_STALE_AFTER_SECONDS", v)
		if err != nil {
			return err
		}
		cfg.Session.Recovery.StaleAfterSeconds = n
	}
	if v, ok := os.LookupEnv(envPrefix + "CONTINUATION_DEFAULT_MODE"); ok {
		cfg.Session.Continuation.DefaultMode = v
	}
	if v, ok := os.LookupEnv(envPrefix + "CONTINUATION_COMPLETION_POLICY"); ok {
		cfg.Session.Continuation.CompletionPolicy = v
	}
	if v, ok := os.LookupEnv(envPrefix + "CONTINUATION_MAX_ITERATIONS"); ok {
		n, err := parseEnvInt("CONTINUATION_MAX_ITERATIONS", v)
		if err != nil {
			return err
		}
		cfg.Session.Continuation.MaxIterations = n
	}
	if v, ok := os.LookupEnv(envPrefix + "CONTINUATION_STOP_ON_BLOCKED"); ok {
		b, err := parseEnvBool("CONTINUATION_STOP_ON_BLOCKED", v)
		if err != nil {
			return err
		}
		cfg.Session.Continuation.StopOnBlocked = boolPtr(b)
	}
	if v, ok := os.LookupEnv(envPrefix + "VALIDATION_DEFAULT_PRESET"); ok {
		cfg.Validation.PresetInference.Default = v
	}
	if v, ok := os.LookupEnv(envPrefix + "VALIDATION_EXECUTION_PARALLEL"); ok {
		n, err := parseEnvInt("VALIDATION_EXECUTION_PARALLEL", v)
		if err != nil {
			return err
		}
		cfg.Validation.Execution.Parallel = n
	}
	if v, ok := os.LookupEnv(envPrefix + "COMPOSITION_INCLUDE_DEPTH"); ok {
		n, err := parseEnvInt("COMPOSITION_INCLUDE_DEPTH", v)
		if err != nil {
			return err
		}
		cfg.Composition.IncludeDepth = n
	}
	return nil
}

func parseEnvBool(name, v string) (bool, error) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &errs.ConfigError{Path: envPrefix + name, Reason: fmt.Sprintf("invalid boolean %q", v)}
	}
	return b, nil
}

func parseEnvInt(name, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &errs.ConfigError{Path: envPrefix + name, Reason: fmt.Sprintf("invalid integer %q", v)}
	}
	return n, nil
}

// schemaFileFor maps a config family file to its optional generated schema.
func schemaFileFor(paths workspace.Paths, configFile string) string {
	base := configFile[:len(configFile)-len(filepath.Ext(configFile))]
	return filepath.Join(paths.SchemasDir(), base+".schema.json")
}
