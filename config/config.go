// Package config provides configuration loading and validation for the
// Knowledge Hook Engine: a YAML file under the repository's .gitvan
// directory, overridable by environment variables, validated before the
// orchestrator ever touches a commit.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfig provides utilities for loading configuration from environment
// variables with an optional common prefix.
type EnvConfig struct {
	prefix string // Optional prefix for all environment variables
}

// NewEnvConfig creates a new environment configuration loader
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{
		prefix: prefix,
	}
}

// GetString retrieves a string value from environment with optional default
func (ec *EnvConfig) GetString(key, defaultValue string) string {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		return value
	}
	return defaultValue
}

// GetInt retrieves an integer value from environment with optional default
func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetBool retrieves a boolean value from environment with optional default
func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration value from environment with optional default
func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetStringSlice retrieves a comma-separated string slice from environment
func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	fullKey := ec.buildKey(key)
	if value := os.Getenv(fullKey); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

// buildKey builds the full environment variable key with optional prefix
func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

// Validator provides configuration validation utilities
type Validator struct {
	errors []string
}

// NewValidator creates a new configuration validator
func NewValidator() *Validator {
	return &Validator{
		errors: make([]string, 0),
	}
}

// RequireString validates that a string field is not empty
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

// RequirePositiveInt validates that an integer field is positive
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequirePositiveDuration validates that a duration field is positive
func (v *Validator) RequirePositiveDuration(field string, value time.Duration) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

// RequireOneOf validates that a value is one of the allowed options
func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
		return
	}
	for _, option := range allowed {
		if value == option {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

// IsValid returns true if there are no validation errors
func (v *Validator) IsValid() bool {
	return len(v.errors) == 0
}

// Errors returns all validation errors
func (v *Validator) Errors() []string {
	return v.errors
}

// ErrorString returns all validation errors as a single string
func (v *Validator) ErrorString() string {
	if len(v.errors) == 0 {
		return ""
	}
	return strings.Join(v.errors, "; ")
}

// Validate runs validation and returns error if invalid
func (v *Validator) Validate() error {
	if !v.IsValid() {
		return fmt.Errorf("configuration validation failed: %s", v.ErrorString())
	}
	return nil
}

// EngineConfig is the full, validated configuration for one Orchestrator
// instance. Zero values are never used directly; always go through
// LoadEngineConfig or DefaultEngineConfig so defaults and environment
// overrides are applied consistently.
type EngineConfig struct {
	// RepoPath is the working directory of the Git repository the engine
	// operates on.
	RepoPath string `yaml:"repo_path"`

	// GraphDir is the repository-relative directory the Knowledge Loader
	// scans for *.ttl files.
	GraphDir string `yaml:"graph_dir"`

	// BaseIRI resolves relative references in every Turtle file the
	// engine parses, both knowledge graphs and hook definitions.
	BaseIRI string `yaml:"base_iri"`

	// HooksDir is loaded, overridable and validated, but no component reads
	// it: the Hook Parser takes gh:Hook definitions from the graph the
	// Knowledge Loader builds from GraphDir, and *.ttl files under HooksDir
	// are not loaded.
	HooksDir string `yaml:"hooks_dir"`

	// CacheDir is the repository-relative directory backing the Artifact
	// Cache's disk tier.
	CacheDir string `yaml:"cache_dir"`

	// Concurrency is P, the maximum number of steps executed concurrently
	// within one DAG batch.
	Concurrency int `yaml:"concurrency"`

	// PredicateTimeout bounds a single predicate evaluation.
	PredicateTimeout time.Duration `yaml:"predicate_timeout"`

	// MaxShaclViolations bounds how many violations a ShaclAllConform
	// predicate copies into its receipt Context.
	MaxShaclViolations int `yaml:"max_shacl_violations"`

	// StepTimeout is the default per-step timeout when a step does not
	// set its own timeout_ms.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// LockTTL is loaded, overridable and validated, but no component reads
	// it: evaluation locks are not reaped, so a lock ref left behind by an
	// interrupted evaluation stays until it is deleted.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// CacheTTL bounds how long a cache entry may live before the
	// background purge task removes it.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// CacheMemoryEntries bounds the memory tier's entry count.
	CacheMemoryEntries int `yaml:"cache_memory_entries"`

	// CacheMemoryBytes bounds the memory tier's aggregate byte size.
	CacheMemoryBytes int64 `yaml:"cache_memory_bytes"`

	// AllowedShellCommands is the allow-list of argv[0] values the Shell
	// step may invoke.
	AllowedShellCommands []string `yaml:"allowed_shell_commands"`

	// AllowedGitSubcommands is the allow-list the Git step may invoke.
	AllowedGitSubcommands []string `yaml:"allowed_git_subcommands"`

	// ShellSandbox, when true, runs Shell steps inside an ephemeral
	// container instead of the host process.
	ShellSandbox bool `yaml:"shell_sandbox"`

	// ShellSandboxImage names the container image used when ShellSandbox
	// is enabled.
	ShellSandboxImage string `yaml:"shell_sandbox_image"`

	// GiteaBaseURL and GiteaTokenEnv configure the Notify step's Gitea
	// target; the token itself is read from the named environment
	// variable, never stored in config.
	GiteaBaseURL  string `yaml:"gitea_base_url"`
	GiteaTokenEnv string `yaml:"gitea_token_env"`

	// GitLabBaseURL and GitLabTokenEnv configure the Notify step's GitLab
	// target.
	GitLabBaseURL  string `yaml:"gitlab_base_url"`
	GitLabTokenEnv string `yaml:"gitlab_token_env"`

	// LogLevel controls the logrus level used across every component.
	LogLevel string `yaml:"log_level"`
}

// DefaultEngineConfig returns an EngineConfig with the defaults used when
// no config file is present.
func DefaultEngineConfig(repoPath string) EngineConfig {
	return EngineConfig{
		RepoPath:              repoPath,
		GraphDir:              "graphs",
		BaseIRI:               "http://gitvan.dev/ns#",
		HooksDir:              "hooks",
		CacheDir:              ".gitvan/cache",
		Concurrency:           4,
		PredicateTimeout:      5 * time.Second,
		MaxShaclViolations:    20,
		StepTimeout:           30 * time.Second,
		LockTTL:               10 * time.Minute,
		CacheTTL:              24 * time.Hour,
		CacheMemoryEntries:    4096,
		CacheMemoryBytes:      64 << 20,
		AllowedShellCommands:  []string{},
		AllowedGitSubcommands: []string{"status", "log", "diff", "show"},
		ShellSandbox:          false,
		ShellSandboxImage:     "alpine:3.20",
		GiteaTokenEnv:         "GITVAN_GITEA_TOKEN",
		GitLabTokenEnv:        "GITVAN_GITLAB_TOKEN",
		LogLevel:              "info",
	}
}

// ConfigLoader loads and validates an EngineConfig from a YAML file plus
// environment overrides.
type ConfigLoader struct {
	prefix string
	env    *EnvConfig
}

// NewConfigLoader creates a new configuration loader using the given
// environment variable prefix (conventionally "GITVAN").
func NewConfigLoader(prefix string) *ConfigLoader {
	return &ConfigLoader{
		prefix: prefix,
		env:    NewEnvConfig(prefix),
	}
}

// LoadEngineConfig reads a YAML config file (if present), applies
// prefixed environment overrides, fills remaining fields with defaults,
// and validates the result.
func (cl *ConfigLoader) LoadEngineConfig(repoPath, configFile string) (EngineConfig, error) {
	cfg := DefaultEngineConfig(repoPath)

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return EngineConfig{}, fmt.Errorf("parsing config file %s: %w", configFile, err)
			}
		case os.IsNotExist(err):
			// No config file is fine; defaults apply.
		default:
			return EngineConfig{}, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	cfg.BaseIRI = cl.env.GetString("BASE_IRI", cfg.BaseIRI)
	cfg.GraphDir = cl.env.GetString("GRAPH_DIR", cfg.GraphDir)
	cfg.HooksDir = cl.env.GetString("HOOKS_DIR", cfg.HooksDir)
	cfg.CacheDir = cl.env.GetString("CACHE_DIR", cfg.CacheDir)
	cfg.Concurrency = cl.env.GetInt("CONCURRENCY", cfg.Concurrency)
	cfg.PredicateTimeout = cl.env.GetDuration("PREDICATE_TIMEOUT", cfg.PredicateTimeout)
	cfg.StepTimeout = cl.env.GetDuration("STEP_TIMEOUT", cfg.StepTimeout)
	cfg.LockTTL = cl.env.GetDuration("LOCK_TTL", cfg.LockTTL)
	cfg.CacheTTL = cl.env.GetDuration("CACHE_TTL", cfg.CacheTTL)
	cfg.ShellSandbox = cl.env.GetBool("SHELL_SANDBOX", cfg.ShellSandbox)
	cfg.LogLevel = cl.env.GetString("LOG_LEVEL", cfg.LogLevel)
	cfg.GiteaBaseURL = cl.env.GetString("GITEA_BASE_URL", cfg.GiteaBaseURL)
	cfg.GitLabBaseURL = cl.env.GetString("GITLAB_BASE_URL", cfg.GitLabBaseURL)

	if err := cl.validate(cfg); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

// validate validates the loaded configuration
func (cl *ConfigLoader) validate(cfg EngineConfig) error {
	validator := NewValidator()

	validator.RequireString("RepoPath", cfg.RepoPath)
	validator.RequireString("BaseIRI", cfg.BaseIRI)
	validator.RequireString("GraphDir", cfg.GraphDir)
	validator.RequireString("HooksDir", cfg.HooksDir)
	validator.RequireString("CacheDir", cfg.CacheDir)
	validator.RequirePositiveInt("Concurrency", cfg.Concurrency)
	validator.RequirePositiveDuration("PredicateTimeout", cfg.PredicateTimeout)
	validator.RequirePositiveDuration("StepTimeout", cfg.StepTimeout)
	validator.RequirePositiveDuration("LockTTL", cfg.LockTTL)
	validator.RequirePositiveDuration("CacheTTL", cfg.CacheTTL)
	validator.RequireOneOf("LogLevel", cfg.LogLevel, []string{"debug", "info", "warn", "error"})

	return validator.Validate()
}

// LoadEngineConfig is a convenience wrapper around
// NewConfigLoader(prefix).LoadEngineConfig for callers that don't need to
// reuse a loader across calls.
func LoadEngineConfig(prefix, repoPath, configFile string) (EngineConfig, error) {
	return NewConfigLoader(prefix).LoadEngineConfig(repoPath, configFile)
}
