package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models goalline.yml.
type Config struct {
	Materialization struct {
		HorizonDays      int `yaml:"horizon_days"`
		MaxPostponements int `yaml:"max_postponements"`
	} `yaml:"materialization"`
	Areas struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
	} `yaml:"areas"`
}

// The six life areas a goal letter covers. Every letter carries exactly one
// goal per area once it leaves draft.
var DefaultAreas = []string{"health", "career", "finance", "relationships", "learning", "leisure"}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Materialization.HorizonDays <= 0 {
		return fmt.Errorf("config.materialization.horizon_days must be positive")
	}
	if c.Materialization.MaxPostponements < 0 {
		return fmt.Errorf("config.materialization.max_postponements must not be negative")
	}
	if len(c.Areas.Catalog) == 0 {
		return fmt.Errorf("config.areas.catalog is required")
	}
	if len(c.Areas.Catalog) != len(DefaultAreas) {
		return fmt.Errorf("config.areas.catalog must define exactly %d areas", len(DefaultAreas))
	}
	for _, area := range DefaultAreas {
		if _, ok := c.Areas.Catalog[area]; !ok {
			return fmt.Errorf("config.areas.catalog missing area %s", area)
		}
	}
	return nil
}

// KnownArea reports whether the area is part of the catalog.
func (c *Config) KnownArea(area string) bool {
	_, ok := c.Areas.Catalog[area]
	return ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "goalline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `materialization:
  horizon_days: 30
  max_postponements: 3

areas:
  catalog:
    health:
      description: "Body, sleep, movement and nutrition"
    career:
      description: "Work, craft and professional growth"
    finance:
      description: "Money, saving and spending habits"
    relationships:
      description: "Family, friends and community"
    learning:
      description: "Study, reading and new skills"
    leisure:
      description: "Rest, play and creative time"
`
