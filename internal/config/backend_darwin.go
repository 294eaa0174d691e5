//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.shelf.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "shelf")
	}
	return "shelf-data"
}

// ConfigLocation describes where settings are persisted.
func ConfigLocation() string {
	return "UserDefaults domain " + defaultsDomain
}

type darwinBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return &darwinBackend{domain: defaultsDomain}
}

func (b *darwinBackend) read(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", b.domain, key).CombinedOutput()
	val := strings.TrimSpace(string(out))
	if err != nil {
		// exit status 1 means the key is not set
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading %s from %s: %w: %s", key, b.domain, err, val)
	}
	return val, true, nil
}

func (b *darwinBackend) GetString(key string) (string, bool, error) {
	return b.read(key)
}

func (b *darwinBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.read(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *darwinBackend) run(args ...string) error {
	out, err := exec.Command("defaults", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("defaults %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (b *darwinBackend) SetString(key, val string) error {
	return b.run("write", b.domain, key, "-string", val)
}

func (b *darwinBackend) SetInt(key string, val int) error {
	return b.run("write", b.domain, key, "-int", strconv.Itoa(val))
}

// Delete treats a key that was never set as already deleted.
func (b *darwinBackend) Delete(key string) error {
	if _, ok, err := b.read(key); err != nil || !ok {
		return err
	}
	return b.run("delete", b.domain, key)
}
