// config.go
// ----------
// This file defines the Config structure, which customizes rate limiting,
// circuit breaking, batching, and backoff behavior, plus the per-endpoint
// RetryConfig policies and their pattern-based resolution.
//
// The SDK is fully functional with zero configuration: DefaultConfig()
// documents every default. Overrides come from an optional YAML file
// (LoadConfigFile) and from GRAPH_BRIDGE_* environment variables
// (FromEnv), applied in that order.
package graphbridge

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
	// BackoffAdaptive scales exponential delays by the historical failure
	// rate of the endpoint: the worse it has behaved, the longer we wait.
	BackoffAdaptive BackoffStrategy = "adaptive"
)

// RetryConfig is the per-endpoint-class retry policy. Immutable once loaded.
type RetryConfig struct {
	MaxRetries        int             `yaml:"max_retries"`
	BaseDelay         time.Duration   `yaml:"base_delay"`
	MaxDelay          time.Duration   `yaml:"max_delay"`
	BackoffMultiplier float64         `yaml:"backoff_multiplier"`
	JitterMin         float64         `yaml:"jitter_min"` // fraction, e.g. 0.0
	JitterMax         float64         `yaml:"jitter_max"` // fraction, e.g. 0.1
	Strategy          BackoffStrategy `yaml:"strategy"`
}

// EndpointPolicy binds a RetryConfig to an endpoint pattern. A trailing '*'
// matches any suffix; otherwise the pattern must match the path exactly.
type EndpointPolicy struct {
	Pattern string      `yaml:"pattern"`
	Retry   RetryConfig `yaml:"retry"`
}

// Config carries every tunable of the SDK.
type Config struct {
	// Toggles. All default to true.
	RateLimitEnabled      bool `yaml:"rate_limit_enabled"`
	CircuitBreakerEnabled bool `yaml:"circuit_breaker_enabled"`
	PredictiveEnabled     bool `yaml:"predictive_enabled"`
	JitterEnabled         bool `yaml:"jitter_enabled"`

	// Circuit breaker tunables.
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold"` // failures to open
	CircuitBreakerTimeout   time.Duration `yaml:"circuit_breaker_timeout"`   // open -> half-open
	CircuitBreakerProbes    int           `yaml:"circuit_breaker_probes"`    // half-open successes to close

	// Batching.
	MaxOperationsPerBatch int           `yaml:"max_operations_per_batch"` // builder ceiling
	TransportBatchLimit   int           `yaml:"transport_batch_limit"`    // per physical $batch call
	RequestTimeout        time.Duration `yaml:"request_timeout"`

	// Predictive throttling: proactively delay when the trailing window
	// exceeds PredictiveThreshold requests per second with at least
	// PredictiveMinSamples observations.
	PredictiveWindow     time.Duration `yaml:"predictive_window"`
	PredictiveThreshold  float64       `yaml:"predictive_threshold"`
	PredictiveMinSamples int           `yaml:"predictive_min_samples"`

	// Per-endpoint retry policies; the longest matching pattern wins.
	// Unmatched endpoints use DefaultRetry.
	EndpointPolicies []EndpointPolicy `yaml:"endpoint_policies"`
	DefaultRetry     RetryConfig      `yaml:"default_retry"`

	// BaseURL prefixes relative operation URLs when sending.
	BaseURL string `yaml:"base_url"`
}

// DefaultRetryConfig is the fallback policy for unmatched endpoints:
// 3 retries, 1s base, exponential.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterMin:         0.0,
		JitterMax:         0.1,
		Strategy:          BackoffExponential,
	}
}

// DefaultConfig returns the documented defaults. The endpoint policy table
// covers the Graph surfaces the bridge talks to most: /me reads, the $batch
// endpoint itself, Planner resources, and admin-tier paths.
func DefaultConfig() *Config {
	return &Config{
		RateLimitEnabled:      true,
		CircuitBreakerEnabled: true,
		PredictiveEnabled:     true,
		JitterEnabled:         true,

		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   60 * time.Second,
		CircuitBreakerProbes:    3,

		MaxOperationsPerBatch: 20,
		TransportBatchLimit:   20,
		RequestTimeout:        30 * time.Second,

		PredictiveWindow:     60 * time.Second,
		PredictiveThreshold:  0.5,
		PredictiveMinSamples: 5,

		EndpointPolicies: []EndpointPolicy{
			{Pattern: "/me*", Retry: RetryConfig{
				MaxRetries: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second,
				BackoffMultiplier: 2.0, JitterMax: 0.1, Strategy: BackoffExponential,
			}},
			{Pattern: "/$batch", Retry: RetryConfig{
				MaxRetries: 4, BaseDelay: time.Second, MaxDelay: 120 * time.Second,
				BackoffMultiplier: 2.0, JitterMax: 0.2, Strategy: BackoffAdaptive,
			}},
			{Pattern: "/planner/*", Retry: RetryConfig{
				MaxRetries: 5, BaseDelay: 2 * time.Second, MaxDelay: 120 * time.Second,
				BackoffMultiplier: 2.0, JitterMax: 0.2, Strategy: BackoffAdaptive,
			}},
			{Pattern: "/admin/*", Retry: RetryConfig{
				MaxRetries: 2, BaseDelay: 5 * time.Second, MaxDelay: 300 * time.Second,
				BackoffMultiplier: 3.0, JitterMax: 0.1, Strategy: BackoffExponential,
			}},
		},
		DefaultRetry: DefaultRetryConfig(),

		BaseURL: "https://graph.microsoft.com/v1.0",
	}
}

// ResolveRetryConfig picks the policy for an endpoint path by longest
// matching pattern, falling back to DefaultRetry.
func (c *Config) ResolveRetryConfig(endpoint string) RetryConfig {
	best := -1
	result := c.DefaultRetry
	for _, p := range c.EndpointPolicies {
		if patternMatches(p.Pattern, endpoint) && len(p.Pattern) > best {
			best = len(p.Pattern)
			result = p.Retry
		}
	}
	return result
}

func patternMatches(pattern, path string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return pattern == path
}

// duration adapts time.Duration to YAML: accepts Go duration strings like
// "250ms" or "1m30s", or a bare integer meaning seconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = duration(time.Duration(secs) * time.Second)
	return nil
}

// UnmarshalYAML merges present keys over the receiver's current values, so a
// partial policy in a config file keeps the defaults it does not mention.
func (c *RetryConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxRetries        *int             `yaml:"max_retries"`
		BaseDelay         *duration        `yaml:"base_delay"`
		MaxDelay          *duration        `yaml:"max_delay"`
		BackoffMultiplier *float64         `yaml:"backoff_multiplier"`
		JitterMin         *float64         `yaml:"jitter_min"`
		JitterMax         *float64         `yaml:"jitter_max"`
		Strategy          *BackoffStrategy `yaml:"strategy"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.MaxRetries != nil {
		c.MaxRetries = *raw.MaxRetries
	}
	if raw.BaseDelay != nil {
		c.BaseDelay = time.Duration(*raw.BaseDelay)
	}
	if raw.MaxDelay != nil {
		c.MaxDelay = time.Duration(*raw.MaxDelay)
	}
	if raw.BackoffMultiplier != nil {
		c.BackoffMultiplier = *raw.BackoffMultiplier
	}
	if raw.JitterMin != nil {
		c.JitterMin = *raw.JitterMin
	}
	if raw.JitterMax != nil {
		c.JitterMax = *raw.JitterMax
	}
	if raw.Strategy != nil {
		c.Strategy = *raw.Strategy
	}
	return nil
}

// UnmarshalYAML merges present keys over the receiver's current values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		RateLimitEnabled      *bool `yaml:"rate_limit_enabled"`
		CircuitBreakerEnabled *bool `yaml:"circuit_breaker_enabled"`
		PredictiveEnabled     *bool `yaml:"predictive_enabled"`
		JitterEnabled         *bool `yaml:"jitter_enabled"`

		CircuitBreakerThreshold *int      `yaml:"circuit_breaker_threshold"`
		CircuitBreakerTimeout   *duration `yaml:"circuit_breaker_timeout"`
		CircuitBreakerProbes    *int      `yaml:"circuit_breaker_probes"`

		MaxOperationsPerBatch *int      `yaml:"max_operations_per_batch"`
		TransportBatchLimit   *int      `yaml:"transport_batch_limit"`
		RequestTimeout        *duration `yaml:"request_timeout"`

		PredictiveWindow     *duration `yaml:"predictive_window"`
		PredictiveThreshold  *float64  `yaml:"predictive_threshold"`
		PredictiveMinSamples *int      `yaml:"predictive_min_samples"`

		EndpointPolicies []EndpointPolicy `yaml:"endpoint_policies"`
		DefaultRetry     *yaml.Node       `yaml:"default_retry"`

		BaseURL *string `yaml:"base_url"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.RateLimitEnabled != nil {
		c.RateLimitEnabled = *raw.RateLimitEnabled
	}
	if raw.CircuitBreakerEnabled != nil {
		c.CircuitBreakerEnabled = *raw.CircuitBreakerEnabled
	}
	if raw.PredictiveEnabled != nil {
		c.PredictiveEnabled = *raw.PredictiveEnabled
	}
	if raw.JitterEnabled != nil {
		c.JitterEnabled = *raw.JitterEnabled
	}
	if raw.CircuitBreakerThreshold != nil {
		c.CircuitBreakerThreshold = *raw.CircuitBreakerThreshold
	}
	if raw.CircuitBreakerTimeout != nil {
		c.CircuitBreakerTimeout = time.Duration(*raw.CircuitBreakerTimeout)
	}
	if raw.CircuitBreakerProbes != nil {
		c.CircuitBreakerProbes = *raw.CircuitBreakerProbes
	}
	if raw.MaxOperationsPerBatch != nil {
		c.MaxOperationsPerBatch = *raw.MaxOperationsPerBatch
	}
	if raw.TransportBatchLimit != nil {
		c.TransportBatchLimit = *raw.TransportBatchLimit
	}
	if raw.RequestTimeout != nil {
		c.RequestTimeout = time.Duration(*raw.RequestTimeout)
	}
	if raw.PredictiveWindow != nil {
		c.PredictiveWindow = time.Duration(*raw.PredictiveWindow)
	}
	if raw.PredictiveThreshold != nil {
		c.PredictiveThreshold = *raw.PredictiveThreshold
	}
	if raw.PredictiveMinSamples != nil {
		c.PredictiveMinSamples = *raw.PredictiveMinSamples
	}
	if raw.EndpointPolicies != nil {
		c.EndpointPolicies = raw.EndpointPolicies
	}
	if raw.DefaultRetry != nil {
		if err := raw.DefaultRetry.Decode(&c.DefaultRetry); err != nil {
			return err
		}
	}
	if raw.BaseURL != nil {
		c.BaseURL = *raw.BaseURL
	}
	return nil
}

// LoadConfigFile reads a YAML config file over the defaults. A missing file
// is not an error; the defaults stand.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv applies GRAPH_BRIDGE_* environment overrides in place and returns
// the config for chaining. Unset or unparseable variables leave the current
// value untouched.
func (c *Config) FromEnv() *Config {
	envBool("GRAPH_BRIDGE_RATE_LIMIT_ENABLED", &c.RateLimitEnabled)
	envBool("GRAPH_BRIDGE_CIRCUIT_BREAKER_ENABLED", &c.CircuitBreakerEnabled)
	envBool("GRAPH_BRIDGE_PREDICTIVE_ENABLED", &c.PredictiveEnabled)
	envBool("GRAPH_BRIDGE_JITTER_ENABLED", &c.JitterEnabled)
	envInt("GRAPH_BRIDGE_CIRCUIT_BREAKER_THRESHOLD", &c.CircuitBreakerThreshold)
	envDuration("GRAPH_BRIDGE_CIRCUIT_BREAKER_TIMEOUT", &c.CircuitBreakerTimeout)
	envInt("GRAPH_BRIDGE_CIRCUIT_BREAKER_PROBES", &c.CircuitBreakerProbes)
	envInt("GRAPH_BRIDGE_MAX_OPERATIONS_PER_BATCH", &c.MaxOperationsPerBatch)
	envInt("GRAPH_BRIDGE_TRANSPORT_BATCH_LIMIT", &c.TransportBatchLimit)
	envDuration("GRAPH_BRIDGE_REQUEST_TIMEOUT", &c.RequestTimeout)
	envDuration("GRAPH_BRIDGE_BACKOFF_BASE", &c.DefaultRetry.BaseDelay)
	envDuration("GRAPH_BRIDGE_BACKOFF_MAX", &c.DefaultRetry.MaxDelay)
	if v := os.Getenv("GRAPH_BRIDGE_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	return c
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
