// Package broker implements the Tool Broker: it authenticates a phase token,
// derives the caller's allowed tools from the token itself (never from
// server-side state — the token is the capability), dispatches to a
// registered backend under a bounded concurrency limit, times the call,
// writes an audit entry, and publishes a tool.executed event.
//
// The registry shape — named backends registered once, looked up and
// invoked by name — is carried over from the teacher's internal/mcp
// registry; the broker never implements tool logic itself, only the
// brokering around it (auth, scoping, concurrency, audit), per spec.md's
// explicit non-goal.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/orchestrator-core/orchestrator/internal/audit"
	"github.com/orchestrator-core/orchestrator/internal/eventbus"
	"github.com/orchestrator-core/orchestrator/internal/token"
)

const topicToolExecuted = "tool.executed"

// Backend is a registered tool implementation: it receives decoded
// arguments and returns a decoded result or an error.
type Backend func(ctx context.Context, args json.RawMessage) (interface{}, error)

// ErrToolNotRegistered is returned when a call names a backend the broker
// has no registration for.
var ErrToolNotRegistered = fmt.Errorf("broker: tool not registered")

// ErrToolNotAllowed is returned when the phase token's allowed-tools list
// does not include the requested tool.
var ErrToolNotAllowed = fmt.Errorf("broker: tool not allowed in current phase")

// ErrInvalidToken is returned when the phase token fails verification.
var ErrInvalidToken = fmt.Errorf("broker: invalid or expired phase token")

// Broker dispatches capability-scoped tool calls.
type Broker struct {
	tokens   *token.Service
	backends map[string]Backend
	sem      *semaphore.Weighted
	audit    *audit.Log
	bus      *eventbus.Bus
	logger   *slog.Logger
}

// New constructs a Broker. maxConcurrent bounds how many tool calls may run
// at once across the whole broker (spec.md's Concurrency & Resource Model).
func New(tokens *token.Service, auditLog *audit.Log, bus *eventbus.Bus, maxConcurrent int64, logger *slog.Logger) *Broker {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		tokens:   tokens,
		backends: make(map[string]Backend),
		sem:      semaphore.NewWeighted(maxConcurrent),
		audit:    auditLog,
		bus:      bus,
		logger:   logger,
	}
}

// Register adds a named backend. Re-registering a name replaces it.
func (b *Broker) Register(name string, fn Backend) {
	b.backends[name] = fn
}

// Execute verifies tokenStr, confirms tool is in its allowed-tools claim,
// acquires a concurrency slot, runs the backend, records an audit entry,
// and publishes tool.executed — in that order, matching spec.md §4.4/§4.7.
func (b *Broker) Execute(ctx context.Context, tokenStr, taskID, tool string, args json.RawMessage) (interface{}, error) {
	claims, err := b.tokens.Decode(tokenStr)
	if err != nil || claims.TaskID != taskID || time.Now().After(claims.Expiry) {
		return nil, ErrInvalidToken
	}

	if !toolAllowed(claims.AllowedTools, tool) {
		return nil, ErrToolNotAllowed
	}

	backend, ok := b.backends[tool]
	if !ok {
		return nil, ErrToolNotRegistered
	}

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("broker: acquiring concurrency slot: %w", err)
	}
	defer b.sem.Release(1)

	start := time.Now()
	result, callErr := backend(ctx, args)
	duration := time.Since(start)

	b.recordAudit(taskID, claims.Phase, tool, args, result, callErr, duration)
	b.publish(taskID, claims.Phase, tool, callErr == nil, duration)

	return result, callErr
}

func toolAllowed(allowed []string, tool string) bool {
	for _, t := range allowed {
		if t == tool {
			return true
		}
	}
	return false
}

func (b *Broker) recordAudit(taskID, phase, tool string, args json.RawMessage, result interface{}, callErr error, duration time.Duration) {
	if b.audit == nil {
		return
	}
	entry := audit.Entry{
		TaskID:     taskID,
		Phase:      phase,
		ToolName:   tool,
		Args:       string(args),
		DurationMs: duration.Milliseconds(),
		Success:    callErr == nil,
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	} else if b, err := json.Marshal(result); err == nil {
		entry.Result = string(b)
	}
	if err := b.audit.Append(entry); err != nil {
		b.logger.Error("failed to write audit entry", "error", err, "tool", tool, "task_id", taskID)
	}
}

func (b *Broker) publish(taskID, phase, tool string, success bool, duration time.Duration) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(topicToolExecuted, map[string]interface{}{
		"task_id":     taskID,
		"phase":       phase,
		"tool":        tool,
		"success":     success,
		"duration_ms": duration.Milliseconds(),
	})
}
