// Package statemachine implements the Phase State Machine: the per-task,
// durable instance of a workflow — phases, items, item statuses, gate and
// verification results, skip reasons, and evidence payloads.
package statemachine

import (
	"time"

	"github.com/orchestrator-core/orchestrator/internal/workflowdef"
)

// WorkflowStatus is the lifecycle of an entire workflow instance.
type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowAbandoned WorkflowStatus = "abandoned"
	WorkflowPaused    WorkflowStatus = "paused"
)

// PhaseStatus is the lifecycle of a single phase within an instance.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
	PhaseBlocked   PhaseStatus = "blocked"
)

// ItemStatus is the lifecycle of a single checklist item.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
	ItemSkipped    ItemStatus = "skipped"
	ItemBlocked    ItemStatus = "blocked"
	ItemFailed     ItemStatus = "failed"
)

// GateResult records the outcome of a gate-type item's verification
// command.
type GateResult struct {
	Success  bool     `json:"success"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout,omitempty"`
	Stderr   string   `json:"stderr,omitempty"`
	Blockers []string `json:"blockers,omitempty"`
}

// ItemState is the mutable per-item record inside a phase.
type ItemState struct {
	ItemID        string                 `json:"item_id"`
	Status        ItemStatus             `json:"status"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	SkippedAt     *time.Time             `json:"skipped_at,omitempty"`
	Notes         string                 `json:"notes,omitempty"`
	SkipReason    string                 `json:"skip_reason,omitempty"`
	SkipContext   map[string]interface{} `json:"skip_context,omitempty"`
	GateResult    *GateResult            `json:"gate_result,omitempty"`
	Evidence      map[string]interface{} `json:"evidence,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	FilesModified []string               `json:"files_modified,omitempty"`
	ApprovedBy    string                 `json:"approved_by,omitempty"`
}

// PhaseState is the mutable per-phase record inside an instance.
type PhaseState struct {
	Status      PhaseStatus            `json:"status"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Items       map[string]*ItemState  `json:"items"`
	Approved    bool                   `json:"approved,omitempty"`
	ApprovedBy  string                 `json:"approved_by,omitempty"`
}

// Instance is the durable, per-task Workflow Instance State.
type Instance struct {
	WorkflowID      string                 `json:"workflow_id"`
	TaskID          string                 `json:"task_id"`
	WorkflowType    string                 `json:"workflow_type"`
	WorkflowVersion string                 `json:"workflow_version"`
	TaskDescription string                 `json:"task_description"`
	Constraints     []string               `json:"constraints,omitempty"`
	CurrentPhase    string                 `json:"current_phase"`
	Phases          map[string]*PhaseState `json:"phases"`
	Status          WorkflowStatus         `json:"status"`
	Definition      *workflowdef.Definition `json:"definition"`
	Settings        map[string]interface{} `json:"settings,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
}

// CurrentPhaseDef resolves the frozen definition's Phase for the instance's
// current phase.
func (in *Instance) CurrentPhaseDef() (workflowdef.Phase, bool) {
	return in.Definition.PhaseByID(in.CurrentPhase)
}

// ItemDef resolves a checklist item's definition within the current phase.
func (in *Instance) ItemDef(itemID string) (workflowdef.Item, bool) {
	phase, ok := in.CurrentPhaseDef()
	if !ok {
		return workflowdef.Item{}, false
	}
	for _, item := range phase.Items {
		if item.ID == itemID {
			return item, true
		}
	}
	return workflowdef.Item{}, false
}

// Terminal reports whether the workflow instance can no longer be mutated.
func (in *Instance) Terminal() bool {
	return in.Status == WorkflowCompleted || in.Status == WorkflowAbandoned
}
