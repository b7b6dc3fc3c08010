package config

import (
	"errors"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces environment overrides: VISAGE_ADDR,
// VISAGE_RETENTION_DAYS, VISAGE_SCAN__CONFIRM_COUNT (double underscore
// descends into nested blocks).
const envPrefix = "VISAGE_"

// configPathEnv points at an optional YAML config file.
const configPathEnv = "VISAGE_CONFIG"

// Load builds a Config by layering defaults, an optional YAML file,
// and environment variables, lowest precedence first.
func Load() (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv(configPathEnv); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		if s == configPathEnv {
			return ""
		}
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		// Double underscore separates nesting levels, single
		// underscores stay inside a key: SCAN__CONFIRM_COUNT ->
		// scan.confirm_count.
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	switch {
	case cfg.Addr == "":
		return errors.New("addr must not be empty")
	case cfg.FaceServiceURL == "":
		return errors.New("face_service_url must not be empty")
	case cfg.RetentionDays <= 0:
		return errors.New("retention_days must be positive")
	case cfg.SessionCacheSize <= 0:
		return errors.New("session_cache_size must be positive")
	case cfg.Scan.WindowSize <= 0 || cfg.Scan.ConfirmCount <= 0:
		return errors.New("scan window_size and confirm_count must be positive")
	case cfg.Scan.ConfirmCount > cfg.Scan.WindowSize:
		return errors.New("scan confirm_count cannot exceed window_size")
	}
	return nil
}
