package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// State is the persisted result of a successful token redemption. It survives
// agent restarts so a single-use bootstrap token is never redeemed twice.
type State struct {
	WorkspaceID   string `json:"workspaceId"`
	CallbackToken string `json:"callbackToken"`
	GitHubToken   string `json:"githubToken,omitempty"`
	GitUserName   string `json:"gitUserName,omitempty"`
	GitUserEmail  string `json:"gitUserEmail,omitempty"`
}

// LoadState reads persisted bootstrap state. A missing file returns
// (nil, nil); a present but incomplete file is an error.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.WorkspaceID == "" || state.CallbackToken == "" {
		return nil, errors.New("bootstrap state is missing required fields")
	}
	return &state, nil
}

// SaveState persists bootstrap state with 0600 permissions via an atomic
// rename, so a crash mid-write never leaves a truncated state file.
func SaveState(path string, state *State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	encoded, err := json.Marshal(state)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".bootstrap-state-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to commit bootstrap state: %w", err)
	}
	return nil
}
