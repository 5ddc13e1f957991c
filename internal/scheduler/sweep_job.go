package scheduler

import (
	"context"
	"time"

	"github.com/orchestrator-core/orchestrator/internal/statemachine"
)

// SessionSweepJob periodically abandons workflow instances an agent walked
// away from without transitioning or completing, per Scheduler's Job
// interface.
type SessionSweepJob struct {
	SessionsDir string
	MaxIdle     time.Duration
}

func (j *SessionSweepJob) Name() string { return "session-sweep" }

func (j *SessionSweepJob) Run(ctx context.Context) (int, error) {
	abandoned, err := statemachine.SweepStale(j.SessionsDir, j.MaxIdle)
	if err != nil {
		return 0, err
	}
	return len(abandoned), nil
}
