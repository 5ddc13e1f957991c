package statemachine

import (
	"strings"

	"github.com/orchestrator-core/orchestrator/internal/workflowdef"
)

// minSkipReasonLength is the general minimum length a skip reason must
// meet for flexible items (the "lighter length check" spec.md names).
const minSkipReasonLength = 10

// minDocumentedSkipReasonLength is the stricter minimum required for
// documented items.
const minDocumentedSkipReasonLength = 30

// minGateForceSkipReasonLength is the minimum a gate item's skip reason
// must meet to be force-skipped at all (gate items otherwise refuse any
// skip outright).
const minGateForceSkipReasonLength = 50

// shallowSkipReasons is the closed deny-list of reasons rejected outright
// for documented items regardless of length, ported from
// src/enforcement/skip.py in the Python original.
var shallowSkipReasons = map[string]struct{}{
	"not needed":     {},
	"n/a":            {},
	"na":             {},
	"skip":           {},
	"later":          {},
	"obvious":        {},
	"not applicable": {},
	"skipping":       {},
	"todo":           {},
}

func isShallowReason(reason string) bool {
	_, ok := shallowSkipReasons[strings.ToLower(strings.TrimSpace(reason))]
	return ok
}

// validateSkipReason applies the step-type-specific reason validation
// named in spec.md's skip_item semantics.
func validateSkipReason(stepType workflowdef.StepType, reason string, force bool) error {
	trimmed := strings.TrimSpace(reason)

	switch stepType.Normalize() {
	case workflowdef.StepGate:
		if !force {
			return errSkipRefused("gate steps cannot be skipped")
		}
		if len(trimmed) < minGateForceSkipReasonLength {
			return errSkipRefused("force-skipping a gate step requires a reason of at least 50 characters")
		}
	case workflowdef.StepRequired:
		return errSkipRefused("required steps cannot be skipped")
	case workflowdef.StepDocumented:
		if len(trimmed) < minDocumentedSkipReasonLength {
			return errSkipRefused("documented steps require a skip reason of at least 30 characters")
		}
		if isShallowReason(trimmed) {
			return errSkipRefused("skip reason is too shallow to justify skipping a documented step")
		}
	case workflowdef.StepFlexible:
		if len(trimmed) < minSkipReasonLength {
			return errSkipRefused("skip reason must be at least 10 characters")
		}
	}
	return nil
}

// skipRefusedError is returned when skip_item's step-type enforcement
// refuses the skip outright.
type skipRefusedError struct{ msg string }

func (e *skipRefusedError) Error() string { return e.msg }

func errSkipRefused(msg string) error { return &skipRefusedError{msg: msg} }
