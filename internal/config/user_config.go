package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// UserConfig is the process identity persisted in <dir>/config.json. It is
// created on first run and survives across restarts so that memories written
// without an explicit user id stay under one stable scope.
type UserConfig struct {
	UserID    string `json:"user_id"`
	CreatedAt string `json:"created_at,omitempty"`
}

// UserConfigPath returns the identity file location inside the state dir.
func UserConfigPath(dir string) string {
	return filepath.Join(dir, "config.json")
}

// LoadUserConfig reads the identity file. Missing file returns an empty
// config and no error.
func LoadUserConfig(path string) (*UserConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &UserConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read user config: %w", err)
	}
	var uc UserConfig
	if err := json.Unmarshal(data, &uc); err != nil {
		return nil, fmt.Errorf("failed to parse user config: %w", err)
	}
	return &uc, nil
}

// SaveUserConfig writes the identity file.
func SaveUserConfig(path string, uc *UserConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(uc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal user config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write user config: %w", err)
	}
	return nil
}

// EnsureUserID loads the persisted user id, generating and saving one on
// first run.
func EnsureUserID(dir string) (string, error) {
	path := UserConfigPath(dir)
	uc, err := LoadUserConfig(path)
	if err != nil {
		return "", err
	}
	if uc.UserID != "" {
		return uc.UserID, nil
	}
	uc.UserID = uuid.NewString()
	uc.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := SaveUserConfig(path, uc); err != nil {
		return "", err
	}
	return uc.UserID, nil
}
