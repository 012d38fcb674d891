// Package config loads the shell's small set of startup knobs from the
// environment and an optional ~/.myshellrc.yaml, layered with
// github.com/knadh/koanf/v2: environment variables take precedence over
// the rc file, which takes precedence over the built-in defaults.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"
)

// Config holds the shell's runtime configuration.
type Config struct {
	Prompt           string `koanf:"prompt"`
	HistoryCapacity  int    `koanf:"history_capacity"`
	JobTableCapacity int    `koanf:"job_table_capacity"`
	Debug            bool   `koanf:"debug"`
}

// Defaults returns the built-in configuration used when neither the rc
// file nor the environment override a knob.
func Defaults() Config {
	return Config{
		Prompt:           "myshell> ",
		HistoryCapacity:  1000,
		JobTableCapacity: 128,
		Debug:            false,
	}
}

// rcPath returns the path to the optional rc file, honoring $HOME.
func rcPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".myshellrc.yaml")
}

// Load builds a Config from defaults, an optional rc file, then the
// MYSHELL_-prefixed environment. A missing rc file is not an error; a
// malformed one is reported so the caller can decide whether to fall back
// to defaults.
func Load() (Config, error) {
	k := koanf.New(".")
	cfg := Defaults()

	if err := k.Load(structProvider(cfg), nil); err != nil {
		return cfg, err
	}

	if path := rcPath(); path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return cfg, err
			}
		}
	}

	envProvider := env.Provider("MYSHELL_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "MYSHELL_")
		return strings.ToLower(s)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return cfg, err
	}

	// env.Provider yields every value as a string, so decoding needs
	// WeaklyTypedInput to turn "true"/"7" into Config's bool/int fields.
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// structProvider seeds koanf with the zero-layer defaults so later
// providers (file, env) only need to override, not redeclare, every key.
func structProvider(cfg Config) koanf.Provider {
	return confmapProvider{
		"prompt":             cfg.Prompt,
		"history_capacity":   cfg.HistoryCapacity,
		"job_table_capacity": cfg.JobTableCapacity,
		"debug":              cfg.Debug,
	}
}

// confmapProvider is a minimal koanf.Provider backed by a flat map,
// avoiding a dependency on koanf's optional confmap provider package for
// a handful of scalar defaults.
type confmapProvider map[string]interface{}

func (c confmapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("confmapProvider: ReadBytes not supported")
}
func (c confmapProvider) Read() (map[string]interface{}, error) {
	return map[string]interface{}(c), nil
}
