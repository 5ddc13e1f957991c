package statemachine

import "fmt"

// Evidence-depth heuristic constants, ported from src/enforcement/evidence.py
// in the Python original: a documented item's evidence must show some
// minimum sign that the work was actually done, not merely asserted.
const (
	minFilesReviewed      = 1
	minApproachStmtLength = 40
)

// validateEvidenceDepth applies the heuristic named in SPEC_FULL.md's
// supplemented-features list: documented evidence must name at least one
// reviewed file and carry an approach/decision statement of non-trivial
// length. Schema validation (internal/schema) has already checked field
// shapes by the time this runs; this is a content heuristic on top of it.
func validateEvidenceDepth(evidence map[string]interface{}) error {
	filesReviewed, _ := evidence["files_reviewed"].([]interface{})
	if len(filesReviewed) < minFilesReviewed {
		return fmt.Errorf("evidence must name at least %d reviewed file(s)", minFilesReviewed)
	}

	approach, _ := evidence["approach_decision"].(string)
	if len(approach) < minApproachStmtLength {
		return fmt.Errorf("evidence's approach_decision must be at least %d characters", minApproachStmtLength)
	}

	return nil
}
