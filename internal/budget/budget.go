package budget

import (
	"fmt"

	"github.com/mercatorhq/mercator/config"
)

// Config defines spending guardrails for one run. Nil fields mean no limit.
type Config struct {
	MaxCostUSD     *float64
	MaxTokens      *int64
	MaxTimeSeconds *int64
}

// FromConfig lifts the static application config into per-run limits,
// treating zero values as unlimited.
func FromConfig(cfg config.BudgetConfig) Config {
	var out Config
	if cfg.MaxCostUSD > 0 {
		v := cfg.MaxCostUSD
		out.MaxCostUSD = &v
	}
	if cfg.MaxTokens > 0 {
		v := cfg.MaxTokens
		out.MaxTokens = &v
	}
	return out
}

// FromParams extracts per-run limit overrides from the run's extra
// parameters. Keys: max_cost_usd, max_tokens. Unknown keys and non-numeric
// values are ignored.
func FromParams(extra map[string]interface{}) Config {
	var out Config
	if v, ok := asFloat(extra["max_cost_usd"]); ok && v > 0 {
		out.MaxCostUSD = &v
	}
	if v, ok := asFloat(extra["max_tokens"]); ok && v > 0 {
		n := int64(v)
		out.MaxTokens = &n
	}
	return out
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Validate ensures the limits are sane before use.
func (c Config) Validate() error {
	if c.MaxCostUSD != nil && *c.MaxCostUSD < 0 {
		return fmt.Errorf("max_cost_usd cannot be negative")
	}
	if c.MaxTokens != nil && *c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	if c.MaxTimeSeconds != nil && *c.MaxTimeSeconds < 0 {
		return fmt.Errorf("max_time_seconds cannot be negative")
	}
	return nil
}

// Clone produces a deep copy of the config.
func (c Config) Clone() Config {
	clone := Config{}
	if c.MaxCostUSD != nil {
		v := *c.MaxCostUSD
		clone.MaxCostUSD = &v
	}
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	if c.MaxTimeSeconds != nil {
		v := *c.MaxTimeSeconds
		clone.MaxTimeSeconds = &v
	}
	return clone
}

// Merge overlays non-nil limits from override onto base. Callers use it to
// apply per-request limits on top of the configured defaults.
func Merge(base Config, override Config) Config {
	result := base.Clone()
	if override.MaxCostUSD != nil {
		v := *override.MaxCostUSD
		result.MaxCostUSD = &v
	}
	if override.MaxTokens != nil {
		v := *override.MaxTokens
		result.MaxTokens = &v
	}
	if override.MaxTimeSeconds != nil {
		v := *override.MaxTimeSeconds
		result.MaxTimeSeconds = &v
	}
	return result
}

// IsZero reports whether the config defines no limits at all.
func (c Config) IsZero() bool {
	return c.MaxCostUSD == nil && c.MaxTokens == nil && c.MaxTimeSeconds == nil
}
