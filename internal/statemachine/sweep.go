package statemachine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SweepStale scans sessionsDir for persisted instance state files (one per
// session, following the <sessions_dir>/<session_id>/state.json layout from
// spec.md §6) and marks any non-terminal instance idle longer than maxIdle
// as abandoned. It returns the task IDs it abandoned.
//
// This is the orchestrator's counterpart to the teacher's scheduled janitor
// job: instead of sweeping stale change proposals, it sweeps workflow
// instances an agent walked away from without ever transitioning or
// completing.
func SweepStale(sessionsDir string, maxIdle time.Duration) ([]string, error) {
	entries, err := os.ReadDir(sessionsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sessions dir %s: %w", sessionsDir, err)
	}

	var abandoned []string
	cutoff := time.Now().Add(-maxIdle)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		statePath := filepath.Join(sessionsDir, entry.Name(), "state.json")
		inst, ok, err := Load(statePath)
		if err != nil || !ok {
			continue
		}
		if inst.Terminal() || inst.UpdatedAt.After(cutoff) {
			continue
		}

		now := time.Now()
		inst.Status = WorkflowAbandoned
		inst.CompletedAt = &now
		inst.UpdatedAt = now
		if err := persistInstance(statePath, inst); err != nil {
			return abandoned, fmt.Errorf("persisting abandoned instance %s: %w", inst.TaskID, err)
		}
		abandoned = append(abandoned, inst.TaskID)
	}

	return abandoned, nil
}
