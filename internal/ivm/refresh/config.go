package refresh

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ariyn/ivm/internal/ivm/diff"
)

// Config controls how views are refreshed.
type Config struct {
	// DifferentialMaxChangeRatio is the fraction of a relation's rows that may
	// change in one cycle before the view is recomputed in full. A value <= 0
	// disables the check.
	DifferentialMaxChangeRatio float64 `yaml:"differential_max_change_ratio"`

	// AdaptiveThreshold tunes the ratio per view from observed refresh times.
	AdaptiveThreshold bool `yaml:"adaptive_threshold"`

	MaxRecursionDepth      int `yaml:"max_recursion_depth"`
	MaxConcurrentRefreshes int `yaml:"max_concurrent_refreshes"`

	// LateralInnerChangePolicy is "fallback" or "rescan".
	LateralInnerChangePolicy string `yaml:"lateral_inner_change_policy"`
}

func DefaultConfig() Config {
	return Config{
		DifferentialMaxChangeRatio: 0.15,
		AdaptiveThreshold:          true,
		MaxRecursionDepth:          1000,
		MaxConcurrentRefreshes:     4,
		LateralInnerChangePolicy:   string(diff.LateralFallback),
	}
}

// ParseConfig reads a YAML config. Missing fields keep their defaults.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse refresh config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read refresh config: %w", err)
	}
	return ParseConfig(data)
}

func (c Config) Validate() error {
	if c.DifferentialMaxChangeRatio > 1 {
		return fmt.Errorf("differential_max_change_ratio must be at most 1, got %v", c.DifferentialMaxChangeRatio)
	}
	if c.MaxRecursionDepth <= 0 {
		return fmt.Errorf("max_recursion_depth must be positive, got %d", c.MaxRecursionDepth)
	}
	if c.MaxConcurrentRefreshes <= 0 {
		return fmt.Errorf("max_concurrent_refreshes must be positive, got %d", c.MaxConcurrentRefreshes)
	}
	switch diff.LateralPolicy(c.LateralInnerChangePolicy) {
	case diff.LateralFallback, diff.LateralRescan:
	default:
		return fmt.Errorf("unknown lateral_inner_change_policy %q (want fallback or rescan)", c.LateralInnerChangePolicy)
	}
	return nil
}
