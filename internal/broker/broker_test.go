package broker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator-core/orchestrator/internal/audit"
	"github.com/orchestrator-core/orchestrator/internal/eventbus"
	"github.com/orchestrator-core/orchestrator/internal/token"
)

func newTestBroker(t *testing.T) (*Broker, *token.Service) {
	t.Helper()
	tokens, err := token.New("test-secret", nil)
	require.NoError(t, err)
	auditLog := audit.New(filepath.Join(t.TempDir(), "audit.jsonl"))
	bus := eventbus.New(0, nil)
	return New(tokens, auditLog, bus, 2, nil), tokens
}

func TestExecute_RunsAllowedTool(t *testing.T) {
	b, tokens := newTestBroker(t)
	b.Register("echo", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return map[string]string{"ok": "yes"}, nil
	})

	tok, err := tokens.Issue("task-1", "TDD", []string{"echo"}, time.Minute)
	require.NoError(t, err)

	result, err := b.Execute(context.Background(), tok, "task-1", "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ok": "yes"}, result)
}

func TestExecute_RejectsToolNotInTokenScope(t *testing.T) {
	b, tokens := newTestBroker(t)
	b.Register("deploy", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return nil, nil
	})

	tok, err := tokens.Issue("task-1", "PLAN", []string{"read_file"}, time.Minute)
	require.NoError(t, err)

	_, err = b.Execute(context.Background(), tok, "task-1", "deploy", nil)
	assert.ErrorIs(t, err, ErrToolNotAllowed)
}

func TestExecute_RejectsExpiredToken(t *testing.T) {
	b, tokens := newTestBroker(t)
	b.Register("echo", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		return "ok", nil
	})

	tok, err := tokens.Issue("task-1", "TDD", []string{"echo"}, -time.Minute)
	require.NoError(t, err)

	_, err = b.Execute(context.Background(), tok, "task-1", "echo", nil)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExecute_UnregisteredToolErrors(t *testing.T) {
	b, tokens := newTestBroker(t)
	tok, err := tokens.Issue("task-1", "TDD", []string{"ghost"}, time.Minute)
	require.NoError(t, err)

	_, err = b.Execute(context.Background(), tok, "task-1", "ghost", nil)
	assert.ErrorIs(t, err, ErrToolNotRegistered)
}
