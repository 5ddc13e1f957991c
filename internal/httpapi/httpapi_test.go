package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator-core/orchestrator/internal/audit"
	"github.com/orchestrator-core/orchestrator/internal/broker"
	"github.com/orchestrator-core/orchestrator/internal/gates"
	"github.com/orchestrator-core/orchestrator/internal/schema"
	"github.com/orchestrator-core/orchestrator/internal/statemachine"
	"github.com/orchestrator-core/orchestrator/internal/store"
	"github.com/orchestrator-core/orchestrator/internal/token"
	"github.com/orchestrator-core/orchestrator/internal/workflowdef"
)

func singlePhaseDefinition() *workflowdef.Definition {
	return &workflowdef.Definition{
		Name:    "solo",
		Version: "1",
		Phases: []workflowdef.Phase{
			{
				ID:           "PLAN",
				Name:         "Plan",
				AllowedTools: []string{"read_file"},
				Items: []workflowdef.Item{
					{ID: "only_item", Name: "Only item", StepType: workflowdef.StepFlexible},
				},
			},
		},
		Enforcement: workflowdef.Enforcement{Mode: workflowdef.ModeStrict},
	}
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	tmp := t.TempDir()
	sessionsDir := filepath.Join(tmp, "sessions")

	st, err := store.Open(filepath.Join(tmp, "store.json"))
	require.NoError(t, err)
	tokens, err := token.New("test-secret", nil)
	require.NoError(t, err)
	auditLog := audit.New(filepath.Join(tmp, "audit.jsonl"))
	b := broker.New(tokens, auditLog, nil, 4, nil)

	def := singlePhaseDefinition()
	definitions := map[string]*workflowdef.Definition{"solo": def}

	loadMachine := func(taskID string) (*statemachine.Machine, error) {
		statePath := filepath.Join(sessionsDir, taskID, "state.json")
		inst, ok, err := statemachine.Load(statePath)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("no instance state persisted for task %q", taskID)
		}
		return statemachine.New(statePath, inst, gates.NewRegistry(nil), schema.NewRegistry(), nil, nil, nil), nil
	}

	s := New(st, tokens, definitions, auditLog, b, sessionsDir, time.Minute, loadMachine, nil)
	return s, sessionsDir
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// S1 (single-phase part) — claiming a task issues a PLAN phase token; the
// transition out of the only phase completes the workflow, and the PLAN
// token does not verify for any other phase.
func TestClaimAndTransition_CompletesSinglePhaseWorkflow(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler("*")

	claimRec := doJSON(t, h, http.MethodPost, "/api/v1/tasks/claim", claimRequest{
		TaskID: "task-1", AgentID: "agent-1", WorkflowType: "solo", TaskDescription: "do it",
	})
	require.Equal(t, http.StatusOK, claimRec.Code)

	var claimResp claimResponse
	require.NoError(t, json.Unmarshal(claimRec.Body.Bytes(), &claimResp))
	assert.Equal(t, "PLAN", claimResp.Phase)
	assert.NotEmpty(t, claimResp.Token)

	// solo's single PLAN phase declares no required_artifacts or gates and
	// no outgoing transition, so the transition that completes it needs no
	// artifacts and no target_phase.
	transRec := doJSON(t, h, http.MethodPost, "/api/v1/tasks/transition", transitionRequest{
		TaskID: "task-1", CurrentPhase: "PLAN", PhaseToken: claimResp.Token,
	})
	require.Equal(t, http.StatusOK, transRec.Code)

	var transResp transitionResponse
	require.NoError(t, json.Unmarshal(transRec.Body.Bytes(), &transResp))
	assert.True(t, transResp.Allowed, "single-phase workflow should complete on its only transition")

	tokens, err := token.New("test-secret", nil)
	require.NoError(t, err)
	assert.False(t, tokens.Verify(context.Background(), claimResp.Token, "task-1", "TDD"), "a PLAN-phase token must not verify for any other phase")
}

func gatedTwoPhaseDefinition() *workflowdef.Definition {
	return &workflowdef.Definition{
		Name:    "gated",
		Version: "1",
		Phases: []workflowdef.Phase{
			{
				ID:           "PLAN",
				Name:         "Plan",
				AllowedTools: []string{"read_file"},
				RequiredArtifact: []workflowdef.RequiredArtifact{
					{Type: "plan_document", Schema: "plan_document"},
				},
				Gates: []workflowdef.Gate{
					{ID: "plan_complete", Blockers: []string{"plan_has_acceptance_criteria"}},
				},
			},
			{ID: "TDD", Name: "Test-Driven Design", AllowedTools: []string{"read_file", "write_files"}},
		},
		Transitions: []workflowdef.Transition{
			{From: "PLAN", To: "TDD", RequiresToken: true},
		},
		Enforcement: workflowdef.Enforcement{Mode: workflowdef.ModeStrict},
	}
}

// S2 — a blocked transition is a normal outcome, not an HTTP error: it comes
// back 200 with allowed=false and the blocker messages.
func TestTransition_BlockedByEmptyAcceptanceCriteriaReturns200(t *testing.T) {
	s, _ := newTestServer(t)
	s.definitions["gated"] = gatedTwoPhaseDefinition()
	h := s.Handler("*")

	claimRec := doJSON(t, h, http.MethodPost, "/api/v1/tasks/claim", claimRequest{
		TaskID: "task-2", AgentID: "agent-1", WorkflowType: "gated", TaskDescription: "do it",
	})
	require.Equal(t, http.StatusOK, claimRec.Code)
	var claimResp claimResponse
	require.NoError(t, json.Unmarshal(claimRec.Body.Bytes(), &claimResp))

	blockedRec := doJSON(t, h, http.MethodPost, "/api/v1/tasks/transition", transitionRequest{
		TaskID: "task-2", CurrentPhase: "PLAN", TargetPhase: "TDD", PhaseToken: claimResp.Token,
		Artifacts: map[string]interface{}{
			"plan_document": map[string]interface{}{
				"title":                "A valid 10+ char title",
				"acceptance_criteria":  []interface{}{},
				"implementation_steps": []interface{}{"S1"},
				"scope":                map[string]interface{}{"in_scope": []interface{}{"X"}, "out_of_scope": []interface{}{"Y"}},
			},
		},
	})
	require.Equal(t, http.StatusOK, blockedRec.Code, "a blocked transition is a normal outcome, not an HTTP error")
	var blockedResp transitionResponse
	require.NoError(t, json.Unmarshal(blockedRec.Body.Bytes(), &blockedResp))
	assert.False(t, blockedResp.Allowed)
	require.NotEmpty(t, blockedResp.Blockers)
	assert.Contains(t, blockedResp.Blockers[0], "at least one acceptance criterion")

	allowedRec := doJSON(t, h, http.MethodPost, "/api/v1/tasks/transition", transitionRequest{
		TaskID: "task-2", CurrentPhase: "PLAN", TargetPhase: "TDD", PhaseToken: claimResp.Token,
		Artifacts: map[string]interface{}{
			"plan_document": map[string]interface{}{
				"title": "A valid 10+ char title",
				"acceptance_criteria": []interface{}{
					map[string]interface{}{"criterion": "Feature works", "how_to_verify": "Test it"},
				},
				"implementation_steps": []interface{}{"S1"},
				"scope":                map[string]interface{}{"in_scope": []interface{}{"X"}, "out_of_scope": []interface{}{"Y"}},
			},
		},
	})
	require.Equal(t, http.StatusOK, allowedRec.Code)
	var allowedResp transitionResponse
	require.NoError(t, json.Unmarshal(allowedRec.Body.Bytes(), &allowedResp))
	assert.True(t, allowedResp.Allowed)
	assert.NotEmpty(t, allowedResp.NewToken)
}
