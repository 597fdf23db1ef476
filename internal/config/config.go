// Package config loads the workspace config file and applies environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"crmflow/internal/generate"
	"crmflow/internal/targeting"
)

// Config is the contents of crmflow.yml.
type Config struct {
	Generator     GeneratorConfig     `yaml:"generator"`
	Audience      AudienceConfig      `yaml:"audience"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Batch         BatchConfig         `yaml:"batch"`
	Watch         WatchConfig         `yaml:"watch"`
	Log           LogConfig           `yaml:"log"`
}

// GeneratorConfig selects the content backend.
type GeneratorConfig struct {
	Provider     string        `yaml:"provider" env:"CRMFLOW_GENERATOR"`
	Capabilities []string      `yaml:"capabilities,omitempty" env:"CRMFLOW_GENERATOR_CAPABILITIES" envSeparator:","`
	Model        string        `yaml:"model,omitempty" env:"CRMFLOW_GENAI_MODEL"`
	APIKey       string        `yaml:"api_key,omitempty" env:"GEMINI_API_KEY"`
	Command      string        `yaml:"command,omitempty" env:"CRMFLOW_GENERATOR_COMMAND"`
	Args         []string      `yaml:"args,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty" env:"CRMFLOW_GENERATOR_TIMEOUT"`
}

// AudienceConfig drives audience resolution.
type AudienceConfig struct {
	SampleSize int                                 `yaml:"sample_size" env:"CRMFLOW_AUDIENCE_SAMPLE_SIZE"`
	Keywords   map[string]targeting.KeywordMapping `yaml:"keywords,omitempty"`
}

// NotificationsConfig toggles desktop notifications.
type NotificationsConfig struct {
	Enabled bool `yaml:"enabled" env:"CRMFLOW_NOTIFY"`
}

// BatchConfig bounds run batch parallelism.
type BatchConfig struct {
	Parallel int `yaml:"parallel" env:"CRMFLOW_BATCH_PARALLEL"`
}

// WatchConfig drives the watch loop.
type WatchConfig struct {
	Interval time.Duration `yaml:"interval" env:"CRMFLOW_WATCH_INTERVAL"`
}

// LogConfig sets the zap level.
type LogConfig struct {
	Level string `yaml:"level" env:"CRMFLOW_LOG_LEVEL"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Generator: GeneratorConfig{
			Provider: "fallback",
			Timeout:  60 * time.Second,
		},
		Audience: AudienceConfig{
			SampleSize: 5,
			Keywords:   map[string]targeting.KeywordMapping{},
		},
		Batch: BatchConfig{Parallel: 4},
		Watch: WatchConfig{Interval: 5 * time.Second},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads path (a missing file yields defaults), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Write stores cfg as YAML at path.
func Write(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Generator.Provider) {
	case "", "fallback":
	case "genai":
		if strings.TrimSpace(c.Generator.APIKey) == "" {
			errs = append(errs, errors.New("generator.api_key (or GEMINI_API_KEY) is required for the genai provider"))
		}
	case "command":
		if strings.TrimSpace(c.Generator.Command) == "" {
			errs = append(errs, errors.New("generator.command is required for the command provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("generator.provider %q must be fallback, genai or command", c.Generator.Provider))
	}
	for _, capability := range c.Generator.Capabilities {
		switch capability {
		case generate.CapabilityCandidates, generate.CapabilityCompliance, generate.CapabilityRender:
		default:
			errs = append(errs, fmt.Errorf("generator.capabilities: unknown capability %q", capability))
		}
	}
	if c.Generator.Timeout < 0 {
		errs = append(errs, errors.New("generator.timeout must not be negative"))
	}

	if c.Audience.SampleSize < 0 {
		errs = append(errs, errors.New("audience.sample_size must not be negative"))
	}
	for kw, m := range c.Audience.Keywords {
		if strings.TrimSpace(m.Category) == "" {
			errs = append(errs, fmt.Errorf("audience.keywords.%s: category is required", kw))
		}
		if len(m.Codes) == 0 {
			errs = append(errs, fmt.Errorf("audience.keywords.%s: at least one code is required", kw))
		}
	}

	if c.Batch.Parallel < 0 {
		errs = append(errs, errors.New("batch.parallel must not be negative"))
	}
	if c.Watch.Interval < 0 {
		errs = append(errs, errors.New("watch.interval must not be negative"))
	}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	return errors.Join(errs...)
}

// GenerateOptions maps the generator section onto generate.Options.
func (c Config) GenerateOptions() generate.Options {
	return generate.Options{
		Provider:     c.Generator.Provider,
		Capabilities: c.Generator.Capabilities,
		Model:        c.Generator.Model,
		APIKey:       c.Generator.APIKey,
		Command:      c.Generator.Command,
		Args:         c.Generator.Args,
		Timeout:      c.Generator.Timeout,
	}
}

// Starter returns the config written by init: defaults plus a sample concern
// keyword mapping.
func Starter() Config {
	cfg := Default()
	cfg.Audience.Keywords = map[string]targeting.KeywordMapping{
		"dryness":  {Category: "hydration", Codes: []string{"C01"}},
		"acne":     {Category: "trouble", Codes: []string{"C02"}},
		"wrinkles": {Category: "anti_aging", Codes: []string{"C03"}},
		"dullness": {Category: "brightening", Codes: []string{"C04"}},
	}
	return cfg
}
