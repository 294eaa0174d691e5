//go:build !darwin

package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "shelf-data"
		}
	}
	return filepath.Join(dir, "shelf")
}

// ConfigLocation describes where settings are persisted.
func ConfigLocation() string {
	return configFilePath()
}

// yamlBackend stores config as nested YAML ("recommend.top_k" becomes
// recommend: {top_k: ...}) in an XDG-compatible path.
type yamlBackend struct {
	path string
	k    *koanf.Koanf
}

func newPlatformBackend() ConfigBackend {
	return openYAMLBackend(configFilePath())
}

func openYAMLBackend(path string) *yamlBackend {
	b := &yamlBackend{path: path, k: koanf.New(".")}
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("could not read config file, using defaults", "path", path, "error", err)
		}
		return b
	}
	if err := b.k.Load(file.Provider(path), yaml.Parser()); err != nil {
		slog.Warn("could not parse config file, using defaults", "path", path, "error", err)
		b.k = koanf.New(".")
	}
	return b
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "shelf", "config.yaml")
}

func (b *yamlBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := b.k.Marshal(yaml.Parser())
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(b.path, data, 0o600)
}

func (b *yamlBackend) GetString(key string) (string, bool, error) {
	if !b.k.Exists(key) {
		return "", false, nil
	}
	return b.k.String(key), true, nil
}

func (b *yamlBackend) GetInt(key string) (int, bool, error) {
	if !b.k.Exists(key) {
		return 0, false, nil
	}
	switch val := b.k.Get(key).(type) {
	case int:
		return val, true, nil
	case int64:
		return int(val), true, nil
	case uint64:
		if val > math.MaxInt {
			return 0, true, fmt.Errorf("value %v for %s is out of range", val, key)
		}
		return int(val), true, nil
	case float64:
		if val < math.MinInt || val > math.MaxInt || val != math.Trunc(val) {
			return 0, true, fmt.Errorf("value %v for %s is not a valid integer or is out of range", val, key)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, true, fmt.Errorf("invalid type %T for %s", val, key)
	}
}

func (b *yamlBackend) SetString(key, val string) error {
	if err := b.k.Set(key, val); err != nil {
		return err
	}
	return b.save()
}

func (b *yamlBackend) SetInt(key string, val int) error {
	if err := b.k.Set(key, val); err != nil {
		return err
	}
	return b.save()
}

func (b *yamlBackend) Delete(key string) error {
	b.k.Delete(key)
	return b.save()
}
