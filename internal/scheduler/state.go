package scheduler

import (
	"encoding/json"
	"os"
	"time"
)

// State is the on-disk record of when each periodic sweep last ran, so a
// restart doesn't immediately re-run every sweep.
type State struct {
	LastDecaySweepAt      time.Time      `json:"last_decay_sweep_at"`
	LastMaintenanceAt     time.Time      `json:"last_maintenance_at"`
	LastSnapshotRotateAt  time.Time      `json:"last_snapshot_rotate_at"`
	LastMiningCheckAt     time.Time      `json:"last_mining_check_at"`
	LastMiningReport      map[string]any `json:"last_mining_report,omitempty"`
}

// LoadState reads path, returning a zero-value State (every sweep due
// immediately) if the file does not exist yet.
func LoadState(path string) (State, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return State{}, err
	}
	return s, nil
}

// SaveState writes state to path as indented JSON.
func SaveState(path string, s State) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
