// Package config loads the runtime's configuration from YAML, expands
// environment variable references, and decodes it into the sections
// each component reads at startup.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/scaffoldai/agentcore/pkg/policy"
	"github.com/scaffoldai/agentcore/pkg/resource"
)

// PolicyDefaults configures the starting policy engine thresholds.
type PolicyDefaults struct {
	DeliberateThreshold float64 `yaml:"deliberate_threshold"`
	InferredThreshold   float64 `yaml:"inferred_threshold"`
	AccidentalThreshold float64 `yaml:"accidental_threshold"`
	AuditCapacity       int     `yaml:"audit_capacity"`
}

func (p PolicyDefaults) Thresholds() policy.Thresholds {
	t := policy.DefaultThresholds()
	if p.DeliberateThreshold > 0 {
		t.Deliberate = p.DeliberateThreshold
	}
	if p.InferredThreshold > 0 {
		t.Inferred = p.InferredThreshold
	}
	if p.AccidentalThreshold > 0 {
		t.Accidental = p.AccidentalThreshold
	}
	return t
}

// BudgetConfig configures execution economics.
type BudgetConfig struct {
	MaxTokens       int `yaml:"max_tokens"`
	SoftLimitTokens int `yaml:"soft_limit_tokens"`
	MaxIterations   int `yaml:"max_iterations"`
}

// ExplorationConfig configures the agent state machine's saturation
// detector.
type ExplorationConfig struct {
	SaturationLimit int `yaml:"saturation_limit"`
}

// SwarmConfig configures the orchestrator and worker pool.
type SwarmConfig struct {
	MaxConcurrentWorkers int64  `yaml:"max_concurrent_workers"`
	MaxRetriesPerTask    int    `yaml:"max_retries_per_task"`
	TokensPerTask        int    `yaml:"tokens_per_task"`
	PoolCapacity         int    `yaml:"pool_capacity"`
	PerWorkerCap         int    `yaml:"per_worker_cap"`
	ToolAccessMode       string `yaml:"tool_access_mode"` // "all" or "whitelist"
	Whitelist            []string `yaml:"whitelist,omitempty"`
}

// ResourceLimitsConfig mirrors resource.Limits for YAML decoding.
type ResourceLimitsConfig struct {
	MaxMemoryMB       float64 `yaml:"max_memory_mb"`
	MaxCPUTimeSec     float64 `yaml:"max_cpu_time_sec"`
	MaxOperations     int     `yaml:"max_operations"`
	WarnThreshold     float64 `yaml:"warn_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`
}

func (r ResourceLimitsConfig) ToLimits() resource.Limits {
	d := resource.DefaultLimits()
	if r.MaxMemoryMB > 0 {
		d.MaxMemoryMB = r.MaxMemoryMB
	}
	if r.MaxCPUTimeSec > 0 {
		d.MaxCPUTimeSec = r.MaxCPUTimeSec
	}
	if r.MaxOperations > 0 {
		d.MaxOperations = r.MaxOperations
	}
	if r.WarnThreshold > 0 {
		d.WarnThreshold = r.WarnThreshold
	}
	if r.CriticalThreshold > 0 {
		d.CriticalThreshold = r.CriticalThreshold
	}
	return d
}

// Config is the top-level decoded configuration.
type Config struct {
	LogLevel    string               `yaml:"log_level"`
	LogFormat   string               `yaml:"log_format"`
	SessionPath string               `yaml:"session_path"`
	Policy      PolicyDefaults       `yaml:"policy"`
	Budget      BudgetConfig         `yaml:"budget"`
	Exploration ExplorationConfig    `yaml:"exploration"`
	Swarm       SwarmConfig          `yaml:"swarm"`
	Resource    ResourceLimitsConfig `yaml:"resource"`
}

// Default returns a Config with sensible defaults for a single-agent
// run with no swarm and generous but bounded limits.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "simple",
		Budget:    BudgetConfig{MaxTokens: 200_000, SoftLimitTokens: 160_000, MaxIterations: 100},
		Exploration: ExplorationConfig{SaturationLimit: 3},
		Swarm: SwarmConfig{
			MaxConcurrentWorkers: 4,
			MaxRetriesPerTask:    1,
			TokensPerTask:        20_000,
			PoolCapacity:         500_000,
			ToolAccessMode:       "all",
		},
	}
}

// Loader reads, parses, expands, and decodes configuration from a
// Provider, notifying an optional callback whenever Watch observes a
// change.
type Loader struct {
	provider Provider
	onChange func(*Config)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithOnChange registers a callback invoked with the freshly reloaded
// Config whenever the underlying provider signals a change.
func WithOnChange(fn func(*Config)) LoaderOption {
	return func(l *Loader) { l.onChange = fn }
}

// NewLoader creates a Loader backed by p.
func NewLoader(p Provider, opts ...LoaderOption) *Loader {
	l := &Loader{provider: p}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads, parses, expands, and decodes the current configuration.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	data, err := l.provider.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("config: load: %w", err)
	}

	rawMap, err := parseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	expanded := expandEnvVars(rawMap)

	cfg := Default()
	if err := decodeConfig(expanded, cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

// WatchAndReload starts the provider's file watch (if supported) and
// calls Load plus the registered onChange callback each time the
// provider reports a change, until ctx is cancelled.
func (l *Loader) WatchAndReload(ctx context.Context) error {
	changes, err := l.provider.Watch(ctx)
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	go func() {
		for range changes {
			cfg, err := l.Load(ctx)
			if err != nil {
				continue
			}
			if l.onChange != nil {
				l.onChange(cfg)
			}
		}
	}()
	return nil
}

func parseBytes(data []byte) (map[string]any, error) {
	var result map[string]any
	if err := yaml.Unmarshal(data, &result); err == nil {
		return result, nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("not valid YAML or JSON: %w", err)
	}
	return result, nil
}

func decodeConfig(input map[string]any, output *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

func expandEnvVars(input map[string]any) map[string]any {
	result := make(map[string]any, len(input))
	for k, v := range input {
		result[k] = expandValue(v)
	}
	return result
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]any:
		return expandEnvVars(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandValue(item)
		}
		return out
	default:
		return v
	}
}

func expandEnvString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, fallback := groups[1], strings.TrimPrefix(groups[2], ":-")
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return fallback
	})
}
