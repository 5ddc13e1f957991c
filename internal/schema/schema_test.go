package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_PlanDocument_Valid(t *testing.T) {
	r := NewRegistry()
	payload := map[string]interface{}{
		"title": "A valid 10+ char title",
		"acceptance_criteria": []interface{}{
			map[string]interface{}{"criterion": "Feature works", "how_to_verify": "Test it"},
		},
		"implementation_steps": []interface{}{"S1"},
		"scope": map[string]interface{}{
			"in_scope":     []interface{}{"X"},
			"out_of_scope": []interface{}{"Y"},
		},
	}

	errs, err := r.Validate("plan_document", payload)
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestValidate_PlanDocument_EmptyAcceptanceCriteria(t *testing.T) {
	r := NewRegistry()
	payload := map[string]interface{}{
		"title":                 "A valid 10+ char title",
		"acceptance_criteria":   []interface{}{},
		"implementation_steps":  []interface{}{"S1"},
	}

	// An empty criteria list is shape-valid; rejecting it is the
	// plan_has_acceptance_criteria gate's job, not the schema's.
	errs, err := r.Validate("plan_document", payload)
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestValidate_PlanDocument_MissingCriterionFields(t *testing.T) {
	r := NewRegistry()
	payload := map[string]interface{}{
		"title": "A valid 10+ char title",
		"acceptance_criteria": []interface{}{
			map[string]interface{}{"criterion": ""},
		},
		"implementation_steps": []interface{}{"S1"},
	}

	errs, err := r.Validate("plan_document", payload)
	require.NoError(t, err)
	var paths []string
	for _, e := range errs {
		paths = append(paths, e.Path)
	}
	assert.Contains(t, paths, "plan_document.acceptance_criteria[0].criterion")
	assert.Contains(t, paths, "plan_document.acceptance_criteria[0].how_to_verify")
}

func TestValidate_UnknownSchema(t *testing.T) {
	r := NewRegistry()
	_, err := r.Validate("nope", map[string]interface{}{})
	require.ErrorIs(t, err, ErrUnknownSchema)
}

func TestValidate_TestRunResult(t *testing.T) {
	r := NewRegistry()
	errs, err := r.Validate("test_run_result", map[string]interface{}{
		"exit_code": 1, "passed": 0, "failed": 5,
	})
	require.NoError(t, err)
	assert.Empty(t, errs)
}
