package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
)

// schema rejects structurally broken documents before decoding; field-level
// rules live in validate().
const schema = `{
	"type": "object",
	"properties": {
		"app":       {"type": "object"},
		"ledger":    {"type": "object"},
		"broker":    {"type": "object"},
		"market":    {"type": "object"},
		"reconcile": {"type": "object"},
		"risk":      {"type": "object"},
		"execution": {"type": "object"},
		"strategy":  {"type": "object"},
		"pairs":     {"type": "array"},
		"universe":  {"type": "array"},
		"notify":    {"type": "object"},
		"http":      {"type": "object"}
	},
	"additionalProperties": {"not": {}}
}`

var compiledSchema = jsonschema.MustCompileString("config.json", schema)

// Load reads the main config file plus any files its top-level `include`
// list names, later files overriding earlier ones, and decodes the merged
// result.
func Load(path string) (*Config, error) {
	files, err := resolveIncludes(path, make(map[string]bool))
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		if err := mergeConfigFile(v, file); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
	}
	settings := v.AllSettings()
	delete(settings, "include")
	if err := checkSchema(settings); err != nil {
		return nil, fmt.Errorf("config schema: %w", err)
	}
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// checkSchema round-trips the settings through JSON so the validator sees
// plain decoded values.
func checkSchema(settings map[string]any) error {
	buf, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(buf, &doc); err != nil {
		return err
	}
	return compiledSchema.Validate(doc)
}

func mergeConfigFile(v *viper.Viper, path string) error {
	tmp := viper.New()
	tmp.SetConfigFile(path)
	if err := tmp.ReadInConfig(); err != nil {
		return err
	}
	return v.MergeConfigMap(tmp.AllSettings())
}

// resolveIncludes expands the `include` list depth-first, cycle-safe.
func resolveIncludes(path string, seen map[string]bool) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	abs = filepath.Clean(abs)
	if seen[abs] {
		return nil, fmt.Errorf("include cycle detected: %s", abs)
	}
	seen[abs] = true

	tmp := viper.New()
	tmp.SetConfigFile(abs)
	if err := tmp.ReadInConfig(); err != nil {
		return nil, err
	}
	var ordered []string
	dir := filepath.Dir(abs)
	for _, inc := range tmp.GetStringSlice("include") {
		inc = strings.TrimSpace(inc)
		if inc == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(dir, inc)
		}
		nested, err := resolveIncludes(inc, seen)
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, nested...)
	}
	return append(ordered, abs), nil
}
