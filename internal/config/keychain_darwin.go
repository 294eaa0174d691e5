//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os/exec"
)

// Exit status of `security` when no matching item exists.
const securityItemNotFound = 44

func keychainGet(service, account string) ([]byte, error) {
	out, err := exec.Command("security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == securityItemNotFound {
		return nil, fmt.Errorf("%s/%s: %w", service, account, errSecretNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading keychain item %s/%s: %w", service, account, err)
	}
	return out, nil
}

func keychainSet(service, account, value string) error {
	// -U updates the item in place when it already exists.
	if err := exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value).Run(); err != nil {
		return fmt.Errorf("writing keychain item %s/%s: %w", service, account, err)
	}
	return nil
}
