package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// MapperDefaults are the per-company mapper session options of spec §9.
type MapperDefaults struct {
	MaxRetries             int  `yaml:"max_retries"`
	UseFullDOM             bool `yaml:"use_full_dom"`
	UseOptimizedDOM        bool `yaml:"use_optimized_dom"`
	UseFormsDOM            bool `yaml:"use_forms_dom"`
	IncludeJSInDOM         bool `yaml:"include_js_in_dom"`
	EnableJunctionDiscovery bool `yaml:"enable_junction_discovery"`
	MaxJunctionPaths       int  `yaml:"max_junction_paths"`
	EnableUIVerification   bool `yaml:"enable_ui_verification"`
	UseDetectFieldsChange  bool `yaml:"use_detect_fields_change"`
}

// DefaultMapperConfig matches the defaults named in spec §9.
func DefaultMapperConfig() MapperDefaults {
	return MapperDefaults{
		MaxRetries:              3,
		UseFullDOM:              true,
		UseOptimizedDOM:         false,
		UseFormsDOM:             false,
		IncludeJSInDOM:          true,
		EnableJunctionDiscovery: true,
		MaxJunctionPaths:        5,
		EnableUIVerification:    true,
		UseDetectFieldsChange:   true,
	}
}

// LoadMapperConfig reads per-company overrides from a YAML file, layered
// on top of DefaultMapperConfig. A missing file returns the defaults.
func LoadMapperConfig(path string) (MapperDefaults, error) {
	cfg := DefaultMapperConfig()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
