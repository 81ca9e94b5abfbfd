// Package config loads stacktrain.yaml.
//
// A file is decoded with yaml.v3, overlaid with STACKTRAIN_* environment
// variables, checked against an embedded CUE schema and only then decoded
// into Config. Flags are applied by the CLI on top of the result.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/stacktrain/internal/store"
	"github.com/roach88/stacktrain/internal/train"
	"github.com/roach88/stacktrain/internal/vcs"
)

//go:embed schema.cue
var schemaSource string

// DefaultFile is the config file looked up in the working directory when
// no --config flag is given.
const DefaultFile = "stacktrain.yaml"

// EnvPrefix prefixes every environment override, e.g. STACKTRAIN_DATABASE.
const EnvPrefix = "STACKTRAIN_"

// Config is the resolved daemon and CLI configuration.
type Config struct {
	Database               string           `yaml:"database"`
	Socket                 string           `yaml:"socket"`
	Trunk                  string           `yaml:"trunk"`
	TickInterval           Duration         `yaml:"tick_interval"`
	IntegrationTimeout     Duration         `yaml:"integration_timeout"`
	RebaseRate             float64          `yaml:"rebase_rate"`
	MaxConsecutiveFailures int              `yaml:"max_consecutive_failures"`
	Retention              Duration         `yaml:"retention"`
	LockTTL                Duration         `yaml:"lock_ttl"`
	LogLevel               string           `yaml:"log_level"`
	Integrator             IntegratorConfig `yaml:"integrator"`
}

// IntegratorConfig holds the hook commands run by vcs.ExecIntegrator.
type IntegratorConfig struct {
	TrunkCommand     string `yaml:"trunk_command"`
	IntegrateCommand string `yaml:"integrate_command"`
	RebaseCommand    string `yaml:"rebase_command"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when nothing is set.
func Default() Config {
	t := train.DefaultConfig()
	return Config{
		Database:               filepath.Join(".stacktrain", "queue.db"),
		Trunk:                  "main",
		TickInterval:           Duration(t.TickInterval),
		IntegrationTimeout:     Duration(t.IntegrationTimeout),
		RebaseRate:             t.RebaseRate,
		MaxConsecutiveFailures: t.MaxConsecutiveFailures,
		LockTTL:                Duration(store.DefaultLockTTL),
		LogLevel:               "info",
	}
}

// Error is a config file that failed to parse or validate.
type Error struct {
	Path    string
	Message string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "config: " + e.Message
	}
	return fmt.Sprintf("config %s: %s", e.Path, e.Message)
}

// IsConfigError reports whether err is a *Error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Load reads path and applies the environment. An empty path loads
// DefaultFile if it exists, else defaults plus environment only. An explicit
// path that does not exist is an error.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return Parse(nil, "", os.LookupEnv)
	}
	if err != nil {
		return Config{}, &Error{Path: path, Message: err.Error()}
	}
	return Parse(data, path, os.LookupEnv)
}

// Parse builds a Config from YAML data and environment lookups. name is
// used in error messages only.
func Parse(data []byte, name string, lookupEnv func(string) (string, bool)) (Config, error) {
	raw := map[string]any{}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, &Error{Path: name, Message: err.Error()}
		}
		if raw == nil {
			raw = map[string]any{}
		}
	}
	applyEnv(raw, lookupEnv)

	if err := validate(raw); err != nil {
		return Config{}, &Error{Path: name, Message: err.Error()}
	}

	// Re-encode the merged map so defaults are overlaid field by field.
	merged, err := yaml.Marshal(raw)
	if err != nil {
		return Config{}, &Error{Path: name, Message: err.Error()}
	}
	cfg := Default()
	if err := yaml.Unmarshal(merged, &cfg); err != nil {
		return Config{}, &Error{Path: name, Message: err.Error()}
	}
	if cfg.Socket == "" {
		cfg.Socket = filepath.Join(filepath.Dir(cfg.Database), "stacktrain.sock")
	}
	return cfg, nil
}

func validate(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return errors.New(strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

// envKeys maps environment suffixes to config keys. Nested keys use a dot.
var envKeys = map[string]string{
	"DATABASE":                 "database",
	"SOCKET":                   "socket",
	"TRUNK":                    "trunk",
	"TICK_INTERVAL":            "tick_interval",
	"INTEGRATION_TIMEOUT":      "integration_timeout",
	"REBASE_RATE":              "rebase_rate",
	"MAX_CONSECUTIVE_FAILURES": "max_consecutive_failures",
	"RETENTION":                "retention",
	"LOCK_TTL":                 "lock_ttl",
	"LOG_LEVEL":                "log_level",
	"TRUNK_COMMAND":            "integrator.trunk_command",
	"INTEGRATE_COMMAND":        "integrator.integrate_command",
	"REBASE_COMMAND":           "integrator.rebase_command",
}

func applyEnv(raw map[string]any, lookupEnv func(string) (string, bool)) {
	if lookupEnv == nil {
		return
	}
	for suffix, key := range envKeys {
		s, ok := lookupEnv(EnvPrefix + suffix)
		if !ok {
			continue
		}
		var v any = s
		switch key {
		case "rebase_rate":
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				v = f
			}
		case "max_consecutive_failures":
			if n, err := strconv.Atoi(s); err == nil {
				v = n
			}
		}

		parent, field, nested := strings.Cut(key, ".")
		if !nested {
			raw[key] = v
			continue
		}
		sub, _ := raw[parent].(map[string]any)
		if sub == nil {
			sub = map[string]any{}
			raw[parent] = sub
		}
		sub[field] = v
	}
}

// Train returns the merge train settings.
func (c Config) Train() train.Config {
	return train.Config{
		TickInterval:           c.TickInterval.Std(),
		IntegrationTimeout:     c.IntegrationTimeout.Std(),
		RebaseRate:             c.RebaseRate,
		RebaseBurst:            1,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
		Retention:              c.Retention.Std(),
	}
}

// ExecIntegrator returns the hook runner, working in dir. Hooks also see
// STACKTRAIN_TRUNK.
func (c Config) ExecIntegrator(dir string) *vcs.ExecIntegrator {
	return &vcs.ExecIntegrator{
		TrunkCommand:     c.Integrator.TrunkCommand,
		IntegrateCommand: c.Integrator.IntegrateCommand,
		RebaseCommand:    c.Integrator.RebaseCommand,
		Dir:              dir,
		Env:              []string{EnvPrefix + "TRUNK=" + c.Trunk},
	}
}

// SlogLevel maps LogLevel to a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
