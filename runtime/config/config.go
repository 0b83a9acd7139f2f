// Package config loads the YAML configuration of the transcript runtime:
// provider profiles, scheduler limits, storage backends and diagnostics.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/goa-transcript/runtime/projection"
	"goa.design/goa-transcript/runtime/scheduler"
	"goa.design/goa-transcript/runtime/session"
)

type (
	// Config is the root of the configuration file.
	Config struct {
		// Default names the profile used when none is selected.
		Default     string              `yaml:"default"`
		Providers   map[string]Provider `yaml:"providers"`
		Scheduler   Scheduler           `yaml:"scheduler"`
		Storage     Storage             `yaml:"storage"`
		Diagnostics Diagnostics         `yaml:"diagnostics"`
	}

	// Provider is a named provider profile.
	Provider struct {
		Family string `yaml:"family"`
		Model  string `yaml:"model"`
		// StrictAdjacency overrides the family default.
		StrictAdjacency *bool `yaml:"strictAdjacency,omitempty"`
	}

	// Scheduler bounds tool execution.
	Scheduler struct {
		Parallelism int           `yaml:"parallelism"`
		ToolTimeout time.Duration `yaml:"toolTimeout"`
		RateLimit   RateLimit     `yaml:"rateLimit"`
	}

	// RateLimit throttles tool starts. PerSecond <= 0 disables it.
	RateLimit struct {
		PerSecond float64 `yaml:"perSecond"`
		Burst     int     `yaml:"burst"`
	}

	// Storage selects persistent backends. Empty sections keep the
	// in-memory defaults.
	Storage struct {
		Mongo Mongo `yaml:"mongo"`
		Redis Redis `yaml:"redis"`
	}

	// Mongo configures the history store.
	Mongo struct {
		URI        string        `yaml:"uri"`
		Database   string        `yaml:"database"`
		Collection string        `yaml:"collection"`
		Timeout    time.Duration `yaml:"timeout"`
	}

	// Redis configures the replicated ledger and the diagnostics stream.
	Redis struct {
		Addr              string `yaml:"addr"`
		Password          string `yaml:"password"`
		LedgerMap         string `yaml:"ledgerMap"`
		DiagnosticsStream string `yaml:"diagnosticsStream"`
	}

	// Diagnostics selects the diagnostics sinks.
	Diagnostics struct {
		Log    bool `yaml:"log"`
		Stream bool `yaml:"stream"`
	}
)

// ErrUnknownProfile is returned by Profile for names not in Providers.
var ErrUnknownProfile = errors.New("config: unknown provider profile")

// Default returns the configuration used when no file is given: one profile
// per family named after it, logging diagnostics, no persistence.
func Default() *Config {
	c := &Config{Providers: make(map[string]Provider), Diagnostics: Diagnostics{Log: true}}
	for _, f := range projection.Families() {
		c.Providers[string(f)] = Provider{Family: string(f)}
	}
	c.applyDefaults()
	return c
}

// Load reads and parses the file at path. Environment variables in the file
// are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if len(c.Providers) == 0 {
		c.Providers = Default().Providers
	}
	if c.Default == "" {
		names := c.ProfileNames()
		if len(names) > 0 {
			c.Default = names[0]
		}
	}
	if c.Storage.Mongo.Collection == "" {
		c.Storage.Mongo.Collection = "history"
	}
	if c.Storage.Mongo.Timeout == 0 {
		c.Storage.Mongo.Timeout = 5 * time.Second
	}
	if c.Storage.Redis.LedgerMap == "" {
		c.Storage.Redis.LedgerMap = "transcript-ledger"
	}
	if c.Storage.Redis.DiagnosticsStream == "" {
		c.Storage.Redis.DiagnosticsStream = "transcript-diagnostics"
	}
	if c.Scheduler.RateLimit.PerSecond > 0 && c.Scheduler.RateLimit.Burst == 0 {
		c.Scheduler.RateLimit.Burst = 1
	}
}

// Validate checks profile families and numeric bounds.
func (c *Config) Validate() error {
	var errs []error
	for _, name := range c.ProfileNames() {
		if _, err := projection.ParseFamily(c.Providers[name].Family); err != nil {
			errs = append(errs, fmt.Errorf("provider %q: %w", name, err))
		}
	}
	if _, ok := c.Providers[c.Default]; !ok {
		errs = append(errs, fmt.Errorf("default %q: %w", c.Default, ErrUnknownProfile))
	}
	if c.Scheduler.Parallelism < 0 {
		errs = append(errs, errors.New("scheduler.parallelism must not be negative"))
	}
	if c.Scheduler.ToolTimeout < 0 {
		errs = append(errs, errors.New("scheduler.toolTimeout must not be negative"))
	}
	if c.Scheduler.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("scheduler.rateLimit.burst must not be negative"))
	}
	if c.Storage.Mongo.URI != "" && c.Storage.Mongo.Database == "" {
		errs = append(errs, errors.New("storage.mongo.database is required with storage.mongo.uri"))
	}
	if c.Diagnostics.Stream && c.Storage.Redis.Addr == "" {
		errs = append(errs, errors.New("diagnostics.stream requires storage.redis.addr"))
	}
	return errors.Join(errs...)
}

// ProfileNames returns the provider profile names in sorted order.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Providers))
	for n := range c.Providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Profile returns the session profile named name. An empty name selects the
// default profile.
func (c *Config) Profile(name string) (session.Profile, error) {
	if name == "" {
		name = c.Default
	}
	p, ok := c.Providers[name]
	if !ok {
		return session.Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	fam, err := projection.ParseFamily(p.Family)
	if err != nil {
		return session.Profile{}, fmt.Errorf("provider %q: %w", name, err)
	}
	return session.Profile{Name: name, Family: fam, Model: p.Model, StrictAdjacency: p.StrictAdjacency}, nil
}

// SchedulerOptions returns the scheduler options of the configuration.
func (c *Config) SchedulerOptions() []scheduler.Option {
	opts := []scheduler.Option{scheduler.WithParallelism(c.Scheduler.Parallelism)}
	if c.Scheduler.ToolTimeout > 0 {
		opts = append(opts, scheduler.WithToolTimeout(c.Scheduler.ToolTimeout))
	}
	if c.Scheduler.RateLimit.PerSecond > 0 {
		opts = append(opts, scheduler.WithRateLimit(c.Scheduler.RateLimit.PerSecond, c.Scheduler.RateLimit.Burst))
	}
	return opts
}
