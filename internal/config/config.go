// Package config loads the coverloop configuration from
// .coverloop/config.yaml with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"coverloop/internal/browser"
	"coverloop/internal/logging"
	"coverloop/internal/mcp"
	"coverloop/internal/retry"
	"coverloop/internal/types"
)

// Config holds all coverloop configuration.
type Config struct {
	Target    TargetConfig    `yaml:"target"`
	Iteration IterationConfig `yaml:"iteration"`
	Retry     RetryConfig     `yaml:"retry"`
	Backend   BackendConfig   `yaml:"backend"`
	AI        AIConfig        `yaml:"ai"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Report    ReportConfig    `yaml:"report"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   logging.Config  `yaml:"logging"`
}

// TargetConfig names the application under test and its aspect universe.
type TargetConfig struct {
	URL string `yaml:"url" validate:"omitempty,url"`
	// Catalog is a YAML aspect catalog. Without AI it is the only planner.
	Catalog string `yaml:"catalog"`
	// AspectCount overrides the universe size derived from the catalog.
	AspectCount int `yaml:"aspect_count" validate:"gte=0"`
}

// IterationConfig configures the controller loop.
type IterationConfig struct {
	MaxIterations  int     `yaml:"max_iterations" validate:"gte=1,lte=1000"`
	CoverageTarget float64 `yaml:"coverage_target" validate:"gte=0,lte=100"`
	Interactive    bool    `yaml:"interactive"`
	AutoHeal       bool    `yaml:"auto_heal"`
	RecommendFrom  string  `yaml:"recommend_from" validate:"oneof=cumulative latest"`
	// BatchSize is how many catalog aspects one normal iteration plans.
	BatchSize int `yaml:"batch_size" validate:"gte=0"`
}

// RetryConfig holds one retry policy per call site.
type RetryConfig struct {
	Instruction RetryPolicy `yaml:"instruction"`
	TestCase    RetryPolicy `yaml:"test_case"`
	// Snapshots captures backend state on every failed instruction attempt.
	Snapshots bool `yaml:"snapshots"`
}

// RetryPolicy is the YAML form of retry.Policy.
type RetryPolicy struct {
	MaxRetries        int     `yaml:"max_retries" validate:"gte=0,lte=10"`
	RetryDelay        string  `yaml:"retry_delay"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" validate:"gte=1"`
	MaxRetryDelay     string  `yaml:"max_retry_delay"`
}

// BackendConfig selects the browser backend.
type BackendConfig struct {
	Mode string `yaml:"mode" validate:"oneof=mcp local"`
	URL  string `yaml:"url" validate:"omitempty,url"`
	// Command launches the MCP server as a stdio subprocess instead of
	// dialing URL, e.g. "npx @playwright/mcp@latest --headless".
	Command string         `yaml:"command"`
	Timeout string         `yaml:"timeout"`
	Browser browser.Config `yaml:"browser"`
}

// AIConfig configures the Gemini planner.
type AIConfig struct {
	Enabled     bool    `yaml:"enabled"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature" validate:"gte=0,lte=2"`
}

// ArtifactsConfig configures screenshots and the history store.
type ArtifactsConfig struct {
	Dir       string `yaml:"dir" validate:"required"`
	HistoryDB string `yaml:"history_db"`
}

// ReportConfig configures the final report.
type ReportConfig struct {
	Dir      string `yaml:"dir" validate:"required"`
	Terminal bool   `yaml:"terminal"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Iteration: IterationConfig{
			MaxIterations:  3,
			CoverageTarget: 100,
			Interactive:    true,
			AutoHeal:       true,
			RecommendFrom:  "cumulative",
		},
		Retry: RetryConfig{
			Instruction: RetryPolicy{
				MaxRetries:        2,
				RetryDelay:        "1s",
				BackoffMultiplier: 2,
				MaxRetryDelay:     "10s",
			},
			TestCase: RetryPolicy{
				MaxRetries:        0,
				RetryDelay:        "1s",
				BackoffMultiplier: 2,
				MaxRetryDelay:     "10s",
			},
		},
		Backend: BackendConfig{
			Mode:    "mcp",
			URL:     "http://localhost:8931/mcp",
			Timeout: "60s",
			Browser: browser.DefaultConfig(),
		},
		AI: AIConfig{
			Model:       "gemini-2.5-flash",
			Temperature: 0.2,
		},
		Artifacts: ArtifactsConfig{
			Dir:       ".coverloop/artifacts",
			HistoryDB: ".coverloop/history.db",
		},
		Report: ReportConfig{
			Dir:      ".coverloop/reports",
			Terminal: true,
		},
		Logging: logging.Config{
			Level: "info",
		},
	}
}

// DefaultPath returns the config file location inside workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".coverloop", "config.yaml")
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("COVERLOOP_BACKEND_URL"); url != "" {
		c.Backend.URL = url
	}
	if url := os.Getenv("COVERLOOP_TARGET_URL"); url != "" {
		c.Target.URL = url
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.AI.APIKey = key
	}
	if raw := os.Getenv("COVERLOOP_MAX_ITERATIONS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			c.Iteration.MaxIterations = n
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

var validate = newValidator()

// newValidator reports fields by their YAML names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			return types.NewValidationError(field, fmt.Sprintf("failed %q check (value %v)", fe.Tag(), fe.Value()))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Backend.Mode == "mcp" && c.Backend.URL == "" && c.Backend.Command == "" {
		return types.NewValidationError("backend.url", "mcp backend requires a url (or COVERLOOP_BACKEND_URL) or a command")
	}
	if c.AI.Enabled && c.AI.APIKey == "" {
		return types.NewValidationError("ai.api_key", "AI planning requires an API key (set GEMINI_API_KEY)")
	}
	if !c.AI.Enabled && c.Target.Catalog == "" {
		return types.NewValidationError("target.catalog", "an aspect catalog is required when AI planning is disabled")
	}
	for name, p := range map[string]RetryPolicy{"retry.instruction": c.Retry.Instruction, "retry.test_case": c.Retry.TestCase} {
		for _, d := range []string{p.RetryDelay, p.MaxRetryDelay} {
			if d == "" {
				continue
			}
			if _, err := time.ParseDuration(d); err != nil {
				return types.NewValidationError(name, fmt.Sprintf("invalid duration %q", d))
			}
		}
	}
	return nil
}

// =============================================================================
// GETTERS
// =============================================================================

// BackendChannel returns the MCP channel the backend section describes:
// a stdio subprocess when Command is set, streamable HTTP otherwise.
func (c *Config) BackendChannel() mcp.Channel {
	if c.Backend.Command != "" {
		return mcp.NewStdioChannel(c.Backend.Command, c.GetBackendTimeout())
	}
	return mcp.NewHTTPChannel(c.Backend.URL, c.GetBackendTimeout())
}

// GetBackendTimeout returns the backend transport timeout.
func (c *Config) GetBackendTimeout() time.Duration {
	d, err := time.ParseDuration(c.Backend.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// Policy converts p into a retry.Policy, falling back to the defaults for
// unparsable durations.
func (p RetryPolicy) Policy() retry.Policy {
	def := retry.DefaultPolicy()
	out := retry.Policy{
		MaxRetries:        p.MaxRetries,
		RetryDelay:        def.RetryDelay,
		BackoffMultiplier: p.BackoffMultiplier,
		MaxRetryDelay:     def.MaxRetryDelay,
	}
	if d, err := time.ParseDuration(p.RetryDelay); err == nil {
		out.RetryDelay = d
	}
	if d, err := time.ParseDuration(p.MaxRetryDelay); err == nil {
		out.MaxRetryDelay = d
	}
	if out.BackoffMultiplier < 1 {
		out.BackoffMultiplier = def.BackoffMultiplier
	}
	return out
}

// ResolvePath makes a relative path relative to workspace.
func ResolvePath(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

// FindWorkspaceRoot walks up from the working directory to the nearest
// directory holding .coverloop. Without one the working directory is used.
func FindWorkspaceRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	for dir := wd; ; {
		if info, err := os.Stat(filepath.Join(dir, ".coverloop")); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return wd, nil
		}
		dir = parent
	}
}
