// Package token persists the auth token in the user's config directory.
// The core only ever reads it; writing is the set-token command's job.
package token

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	dirName  = "relais"
	fileName = "token"

	dirMode  = 0o700
	fileMode = 0o600
)

// Path returns the platform-conventional token file location.
func Path() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config directory: %w", err)
	}
	return filepath.Join(configDir, dirName, fileName), nil
}

// Save writes the token with owner-only permissions.
func Save(value string) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(value+"\n"), fileMode); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// Load reads the stored token. A missing file returns an empty token,
// not an error: the relay decides whether a token is required.
func Load() (string, error) {
	path, err := Path()
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
