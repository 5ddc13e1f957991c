package gates

import "fmt"

// checkPlanHasAcceptanceCriteria passes when the plan_document artifact is
// present, has at least one acceptance criterion, and each criterion has a
// non-empty criterion and how_to_verify field.
func checkPlanHasAcceptanceCriteria(artifacts Artifacts) CheckResult {
	const name = "plan_has_acceptance_criteria"

	raw, ok := artifacts["plan_document"]
	if !ok {
		return fail(name, "Plan document is required for this gate")
	}

	plan, ok := raw.(map[string]interface{})
	if !ok {
		return fail(name, "Plan document must be an object")
	}

	criteria, _ := plan["acceptance_criteria"].([]interface{})
	if len(criteria) == 0 {
		return fail(name, "Plan must include at least one acceptance criterion")
	}

	for _, c := range criteria {
		m, ok := c.(map[string]interface{})
		if !ok {
			return fail(name, "Plan must include at least one acceptance criterion")
		}
		criterion, _ := m["criterion"].(string)
		verify, _ := m["how_to_verify"].(string)
		if criterion == "" || verify == "" {
			return fail(name, "Plan must include at least one acceptance criterion")
		}
	}

	return pass(name)
}

// checkTestsAreFailing passes when a test_run_result artifact is present,
// the exit code is non-zero, and at least one test failed (TDD RED phase).
func checkTestsAreFailing(artifacts Artifacts) CheckResult {
	const name = "tests_are_failing"

	run, ok := testRun(artifacts)
	if !ok {
		return fail(name, "Test run result is required for this gate")
	}

	if run.exitCode != 0 && run.failed > 0 {
		return pass(name)
	}
	return fail(name, "Tests must be failing for TDD RED phase")
}

// checkAllTestsPass passes when a test_run_result artifact is present,
// failed == 0, exit code == 0, and passed > 0 (TDD GREEN phase).
func checkAllTestsPass(artifacts Artifacts) CheckResult {
	const name = "all_tests_pass"

	run, ok := testRun(artifacts)
	if !ok {
		return fail(name, "Test run result is required for this gate")
	}

	if run.failed == 0 && run.exitCode == 0 && run.passed > 0 {
		return pass(name)
	}
	if run.failed > 0 {
		return fail(name, fmt.Sprintf("%d test(s) failed", run.failed))
	}
	return fail(name, "Tests must pass with at least one passing test")
}

// checkNoBlockingIssues passes when the review artifact is present and its
// blocking_issues array is empty.
func checkNoBlockingIssues(artifacts Artifacts) CheckResult {
	const name = "no_blocking_issues"

	raw, ok := artifacts["review"]
	if !ok {
		return fail(name, "Review is required for this gate")
	}

	review, ok := raw.(map[string]interface{})
	if !ok {
		return fail(name, "Review must be an object")
	}

	issues, _ := review["blocking_issues"].([]interface{})
	if len(issues) == 0 {
		return pass(name)
	}

	return fail(name, fmt.Sprintf("Found %d blocking issue(s): %s", len(issues), describeIssues(issues)))
}

func describeIssues(issues []interface{}) string {
	out := ""
	for i, raw := range issues {
		if i > 0 {
			out += "; "
		}
		switch v := raw.(type) {
		case string:
			out += v
		case map[string]interface{}:
			if desc, ok := v["description"].(string); ok {
				out += desc
				continue
			}
			out += "(unspecified)"
		default:
			out += "(unspecified)"
		}
	}
	return out
}

type testRunResult struct {
	exitCode int
	passed   int
	failed   int
}

func testRun(artifacts Artifacts) (testRunResult, bool) {
	raw, ok := artifacts["test_run_result"]
	if !ok {
		return testRunResult{}, false
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return testRunResult{}, false
	}
	return testRunResult{
		exitCode: asInt(m["exit_code"]),
		passed:   asInt(m["passed"]),
		failed:   asInt(m["failed"]),
	}, true
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func pass(name string) CheckResult {
	return CheckResult{Name: name, Passed: true}
}

func fail(name, message string) CheckResult {
	return CheckResult{Name: name, Passed: false, Severity: Blocking, Message: message}
}
