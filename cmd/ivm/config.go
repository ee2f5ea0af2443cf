package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/refresh"
)

// ScenarioConfig defines the structure of the scenario file
type ScenarioConfig struct {
	Refresh      refresh.Config     `yaml:"refresh"`
	ChangeBuffer ChangeBufferConfig `yaml:"change_buffer"`
	Tables       []TableConfig      `yaml:"tables"`
	Views        []ViewConfig       `yaml:"views"`
	Steps        []StepConfig       `yaml:"steps"`
	Sink         SinkConfig         `yaml:"sink"`
}

// ChangeBufferConfig selects where captured changes are kept between refreshes.
type ChangeBufferConfig struct {
	Type string `yaml:"type"` // "memory" (default) or "sqlite"
	Path string `yaml:"path"`
}

// TableConfig declares a base table and its optional CSV seed.
type TableConfig struct {
	Name    string           `yaml:"name"`
	Columns []string         `yaml:"columns"`
	Key     []string         `yaml:"key"`
	Seed    *CSVSourceConfig `yaml:"seed"`
}

// ViewConfig declares a maintained view. Exactly one of Tree and Spec is set.
type ViewConfig struct {
	Name string `yaml:"name"`
	// Tree is the path of an operator tree file.
	Tree        string       `yaml:"tree"`
	Spec        *optree.Spec `yaml:"spec"`
	ChangeRatio *float64     `yaml:"change_ratio"`
}

// StepConfig is one scenario step: optional DML followed by optional refreshes.
type StepConfig struct {
	SQL string `yaml:"sql"`
	// Refresh lists the views to refresh, in order. "all" refreshes every
	// view concurrently.
	Refresh []string `yaml:"refresh"`
}

// SinkConfig defines the configuration for the delta sink
type SinkConfig struct {
	Type   string                 `yaml:"type"` // console, file, parquet
	Config map[string]interface{} `yaml:"config"`
}

// CSVSourceConfig is a helper struct to parse the specific config for CSV seeds
type CSVSourceConfig struct {
	Path   string            `yaml:"path"`
	Schema map[string]string `yaml:"schema"` // column name -> type (int, float, string, bool)
}

// FileSinkConfig defines the configuration for the file sink
type FileSinkConfig struct {
	Path   string `yaml:"path"`
	Format string `yaml:"format"` // "json" or "csv"
}

// ParquetSinkConfig defines the configuration for the parquet sink. Every
// view is written to <path>/<view>.parquet.
type ParquetSinkConfig struct {
	Path         string `yaml:"path"`
	Compression  string `yaml:"compression"`
	RowGroupSize int    `yaml:"row_group_size"`
}

// loadScenario reads a scenario file. Relative paths inside it are resolved
// against the file's directory.
func loadScenario(path string) (*ScenarioConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	cfg := &ScenarioConfig{Refresh: refresh.DefaultConfig()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := cfg.Refresh.Validate(); err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	cfg.ChangeBuffer.Path = resolve(cfg.ChangeBuffer.Path)
	for i := range cfg.Tables {
		if len(cfg.Tables[i].Columns) == 0 {
			return nil, fmt.Errorf("table %q has no columns", cfg.Tables[i].Name)
		}
		if s := cfg.Tables[i].Seed; s != nil {
			s.Path = resolve(s.Path)
		}
	}
	for i := range cfg.Views {
		v := &cfg.Views[i]
		if (v.Tree == "") == (v.Spec == nil) {
			return nil, fmt.Errorf("view %q needs exactly one of tree and spec", v.Name)
		}
		v.Tree = resolve(v.Tree)
	}
	return cfg, nil
}

// decodeConfig re-decodes a free-form sink config into out.
func decodeConfig(config map[string]interface{}, out interface{}) error {
	yamlBytes, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return yaml.Unmarshal(yamlBytes, out)
}
