package regula

import (
	"context"
	"fmt"

	"github.com/viant/afs"
	"gopkg.in/yaml.v3"

	"github.com/viant/regula/model"
)

// Config is a serialisable representation of the engine configuration.  It
// can be populated from YAML or JSON.  The zero-value is useful: all nested
// fields inherit their package defaults.
type Config struct {
	Runner  RunnerConfig  `json:"runner" yaml:"runner"`
	Store   StoreConfig   `json:"store" yaml:"store"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`

	// RosterURL points at a YAML approver roster, loaded unless a roster
	// is supplied programmatically.
	RosterURL string `json:"rosterUrl" yaml:"rosterUrl"`
}

// RunnerConfig bounds the execution engine.
type RunnerConfig struct {
	Workers int `json:"workers" yaml:"workers"`
}

// StoreConfig selects the rule store backend.  An empty DSN keeps the
// in-memory store.
type StoreConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

// TracingConfig enables span export when ServiceName is set.
type TracingConfig struct {
	ServiceName    string `json:"serviceName" yaml:"serviceName"`
	ServiceVersion string `json:"serviceVersion" yaml:"serviceVersion"`
	OutputFile     string `json:"outputFile" yaml:"outputFile"`
}

// DefaultConfig returns a Config populated with the package defaults.
// Callers may modify the returned struct before passing it to New.
func DefaultConfig() *Config {
	return &Config{
		Runner: RunnerConfig{Workers: 4},
	}
}

// Validate returns an error describing invalid settings or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.Runner.Workers < 0 {
		return fmt.Errorf("runner.workers must not be negative")
	}
	return nil
}

// LoadConfig reads a YAML configuration from an afs URL or local path.
func LoadConfig(ctx context.Context, URL string) (*Config, error) {
	fs := afs.New()
	data, err := fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", URL, err)
	}
	config := DefaultConfig()
	if err = yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("invalid config at %s: %w", URL, err)
	}
	if err = config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadRoster reads a YAML approver roster from an afs URL or local path.
func LoadRoster(ctx context.Context, URL string) (*model.Roster, error) {
	fs := afs.New()
	data, err := fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("failed to load roster from %s: %w", URL, err)
	}
	roster, err := model.ParseRoster(data)
	if err != nil {
		return nil, fmt.Errorf("invalid roster at %s: %w", URL, err)
	}
	return roster, nil
}
