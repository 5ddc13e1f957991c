package statemachine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orchestrator-core/orchestrator/internal/eventbus"
	"github.com/orchestrator-core/orchestrator/internal/gates"
	"github.com/orchestrator-core/orchestrator/internal/persistence"
	"github.com/orchestrator-core/orchestrator/internal/schema"
	"github.com/orchestrator-core/orchestrator/internal/workflowdef"
)

// SupervisionMode controls how a manual_gate item's completion is decided
// when no human reviewer is available to approve it.
type SupervisionMode string

const (
	SupervisionSupervised SupervisionMode = "supervised"
	SupervisionZeroHuman  SupervisionMode = "zero_human"
	SupervisionHybrid     SupervisionMode = "hybrid"
)

const defaultGateTimeout = 300 * time.Second

// Machine is the Phase State Machine: it owns one Instance's lifecycle and
// persists every mutation atomically, under an exclusive file lock, to its
// session-scoped state file.
type Machine struct {
	path     string
	gates    *gates.Registry
	schemas  *schema.Registry
	runner   CommandRunner
	bus      *eventbus.Bus
	logger   *slog.Logger
	instance *Instance
}

// New constructs a Machine bound to an existing Instance and its backing
// state file. Use StartWorkflow to create a fresh Instance first.
func New(path string, inst *Instance, gateRegistry *gates.Registry, schemaRegistry *schema.Registry, runner CommandRunner, bus *eventbus.Bus, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{path: path, gates: gateRegistry, schemas: schemaRegistry, runner: runner, bus: bus, logger: logger, instance: inst}
}

// Instance returns the machine's current in-memory instance snapshot.
func (m *Machine) Instance() *Instance { return m.instance }

// StartWorkflow creates a new, freshly-phased Instance from definition and
// persists it. The definition is frozen onto the instance (version lock):
// later edits to the on-disk workflow document never retroactively change
// an in-flight instance.
func StartWorkflow(path string, def *workflowdef.Definition, taskID, taskDescription string, constraints []string, settingsOverrides map[string]interface{}, noArchive bool) (*Instance, error) {
	first, ok := def.FirstPhase()
	if !ok {
		return nil, fmt.Errorf("workflow %q defines no phases", def.Name)
	}

	settings := map[string]interface{}{}
	for k, v := range def.Settings {
		settings[k] = v
	}
	for k, v := range settingsOverrides {
		settings[k] = v
	}
	if noArchive {
		settings["no_archive"] = true
	}

	now := time.Now()
	inst := &Instance{
		WorkflowID:      taskID + ":" + def.Name,
		TaskID:          taskID,
		WorkflowType:    def.Name,
		WorkflowVersion: def.Version,
		TaskDescription: taskDescription,
		Constraints:     constraints,
		CurrentPhase:    first.ID,
		Phases:          map[string]*PhaseState{},
		Status:          WorkflowActive,
		Definition:      def,
		Settings:        settings,
		Metadata:        map[string]interface{}{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	inst.Phases[first.ID] = newPhaseState(first, now)

	if err := persistInstance(path, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func newPhaseState(p workflowdef.Phase, now time.Time) *PhaseState {
	items := map[string]*ItemState{}
	for _, it := range p.Items {
		items[it.ID] = &ItemState{ItemID: it.ID, Status: ItemPending}
	}
	return &PhaseState{Status: PhaseActive, StartedAt: &now, Items: items}
}

func persistInstance(path string, inst *Instance) error {
	lk, err := persistence.LockExclusive(path)
	if err != nil {
		return fmt.Errorf("locking instance state: %w", err)
	}
	defer lk.Unlock()

	data, err := marshalInstance(inst)
	if err != nil {
		return err
	}
	return persistence.AtomicWrite(path, data)
}

// currentPhaseState returns the mutable PhaseState for the instance's
// current phase, creating and persisting it lazily if this is the first
// mutation seen for a phase entered by AdvancePhase.
func (m *Machine) currentPhaseState() (*PhaseState, workflowdef.Phase, error) {
	def, ok := m.instance.CurrentPhaseDef()
	if !ok {
		return nil, workflowdef.Phase{}, fmt.Errorf("current phase %q is not defined in the workflow", m.instance.CurrentPhase)
	}
	ps, ok := m.instance.Phases[m.instance.CurrentPhase]
	if !ok {
		ps = newPhaseState(def, time.Now())
		m.instance.Phases[m.instance.CurrentPhase] = ps
	}
	return ps, def, nil
}

func (m *Machine) save() error {
	m.instance.UpdatedAt = time.Now()
	return persistInstance(m.path, m.instance)
}

func (m *Machine) publish(topic string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	base := map[string]interface{}{
		"task_id": m.instance.TaskID,
		"phase":   m.instance.CurrentPhase,
	}
	for k, v := range data {
		base[k] = v
	}
	m.bus.Publish(topic, base)
}

// CompleteItem marks a checklist item complete, enforcing the verification
// contract named by its step_type. evidence is the decoded artifact payload
// for documented items; it is ignored for other step types.
func (m *Machine) CompleteItem(ctx context.Context, itemID, notes string, evidence map[string]interface{}, skipVerification bool) (*ItemState, error) {
	if m.instance.Terminal() {
		return nil, fmt.Errorf("workflow instance is terminal")
	}

	ps, phase, err := m.currentPhaseState()
	if err != nil {
		return nil, err
	}
	itemDef, ok := m.instance.ItemDef(itemID)
	if !ok {
		return nil, fmt.Errorf("item %q is not defined in phase %q", itemID, phase.ID)
	}
	item, ok := ps.Items[itemID]
	if !ok {
		item = &ItemState{ItemID: itemID, Status: ItemPending}
		ps.Items[itemID] = item
	}

	switch itemDef.EffectiveStepType() {
	case workflowdef.StepGate:
		if err := m.completeGateItem(ctx, item, itemDef, skipVerification); err != nil {
			return nil, err
		}
	case workflowdef.StepDocumented:
		if err := m.completeDocumentedItem(item, itemDef, evidence); err != nil {
			return nil, err
		}
	default: // required, flexible
		m.markItemComplete(item, notes)
	}

	if itemDef.Verification.Type == workflowdef.VerifyManualGate {
		if err := m.completeManualGateItem(item, notes); err != nil {
			return nil, err
		}
	}

	if err := m.save(); err != nil {
		return nil, err
	}
	m.publish(TopicItemCompleted, map[string]interface{}{"item_id": itemID})
	return item, nil
}

func (m *Machine) markItemComplete(item *ItemState, notes string) {
	now := time.Now()
	item.Status = ItemCompleted
	item.CompletedAt = &now
	if item.StartedAt == nil {
		item.StartedAt = &now
	}
	item.Notes = notes
}

func (m *Machine) completeGateItem(ctx context.Context, item *ItemState, itemDef workflowdef.Item, skipVerification bool) error {
	if skipVerification {
		m.markItemComplete(item, "verification explicitly skipped by caller")
		return nil
	}
	if itemDef.Verification.Type != workflowdef.VerifyCommand {
		m.markItemComplete(item, "")
		return nil
	}
	if m.runner == nil {
		return fmt.Errorf("gate item %q requires a command runner", itemDef.ID)
	}

	vars := stringSettings(m.instance.Settings)
	command, err := expandTemplate(itemDef.Verification.Command, vars)
	if err != nil {
		item.Status = ItemFailed
		item.RetryCount++
		return err
	}

	timeout := defaultGateTimeout
	res, err := m.runner.Run(ctx, command, timeout)
	if err != nil {
		item.Status = ItemFailed
		item.RetryCount++
		return err
	}

	wantExit := 0
	if itemDef.Verification.ExpectExitCode != nil {
		wantExit = *itemDef.Verification.ExpectExitCode
	}
	gr := &GateResult{Success: res.ExitCode == wantExit && !res.TimedOut, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	item.GateResult = gr

	if !gr.Success {
		item.Status = ItemFailed
		item.RetryCount++
		m.publish(TopicGateBlocked, map[string]interface{}{"item_id": itemDef.ID, "exit_code": res.ExitCode})
		return fmt.Errorf("gate verification command for item %q failed (exit %d)", itemDef.ID, res.ExitCode)
	}

	m.publish(TopicGatePassed, map[string]interface{}{"item_id": itemDef.ID})
	m.markItemComplete(item, "")
	return nil
}

func (m *Machine) completeDocumentedItem(item *ItemState, itemDef workflowdef.Item, evidence map[string]interface{}) error {
	schemaName := itemDef.EvidenceSchema
	if schemaName == "" {
		schemaName = "documented_evidence"
	}
	if m.schemas == nil {
		return fmt.Errorf("documented item %q requires a schema registry", itemDef.ID)
	}
	fieldErrs, err := m.schemas.Validate(schemaName, evidence)
	if err != nil {
		return err
	}
	if len(fieldErrs) > 0 {
		return fmt.Errorf("evidence for item %q failed schema validation: %v", itemDef.ID, fieldErrs)
	}
	if err := validateEvidenceDepth(evidence); err != nil {
		return fmt.Errorf("evidence for item %q insufficient: %w", itemDef.ID, err)
	}

	item.Evidence = evidence
	m.markItemComplete(item, "")
	return nil
}

// completeManualGateItem applies the supervision_mode control flow for a
// manual_gate verification item: under zero_human the item auto-completes
// with a logged warning; under supervised and hybrid (hybrid is handled
// exactly like supervised) it completes only when an approver is given; any
// other mode is refused.
func (m *Machine) completeManualGateItem(item *ItemState, approvedBy string) error {
	mode := SupervisionMode(stringSetting(m.instance.Settings, "supervision_mode", string(SupervisionSupervised)))

	if item.ApprovedBy != "" {
		return nil
	}

	switch mode {
	case SupervisionZeroHuman:
		item.ApprovedBy = "auto:zero_human"
		m.logger.Warn("auto-approving manual gate under zero_human supervision", "item_id", item.ItemID, "task_id", m.instance.TaskID)
		return nil
	case SupervisionHybrid, SupervisionSupervised:
		if approvedBy == "" {
			return fmt.Errorf("manual gate item %q requires human approval under %s supervision", item.ItemID, mode)
		}
		item.ApprovedBy = approvedBy
		return nil
	default:
		return fmt.Errorf("manual gate item %q requires human approval under %s supervision", item.ItemID, mode)
	}
}

// SkipItem skips a checklist item, enforced per step_type per
// validateSkipReason.
func (m *Machine) SkipItem(itemID, reason string, context_ map[string]interface{}, force bool) (*ItemState, error) {
	if m.instance.Terminal() {
		return nil, fmt.Errorf("workflow instance is terminal")
	}

	ps, phase, err := m.currentPhaseState()
	if err != nil {
		return nil, err
	}
	itemDef, ok := m.instance.ItemDef(itemID)
	if !ok {
		return nil, fmt.Errorf("item %q is not defined in phase %q", itemID, phase.ID)
	}

	if err := validateSkipReason(itemDef.EffectiveStepType(), reason, force); err != nil {
		return nil, err
	}

	item, ok := ps.Items[itemID]
	if !ok {
		item = &ItemState{ItemID: itemID, Status: ItemPending}
		ps.Items[itemID] = item
	}
	now := time.Now()
	item.Status = ItemSkipped
	item.SkippedAt = &now
	item.SkipReason = reason
	item.SkipContext = context_

	if err := m.save(); err != nil {
		return nil, err
	}
	m.publish(TopicItemSkipped, map[string]interface{}{"item_id": itemID, "reason": reason})
	return item, nil
}

// CanAdvance evaluates whether the current phase's checklist is satisfied:
// every required, non-skipped item is completed, and any manual phase gate
// is approved. It never mutates the instance. This is a checklist-readiness
// view for introspection (e.g. a snapshot); it is deliberately NOT consulted
// by AdvancePhase, which validates a transition purely on submitted
// artifacts and gate blockers per spec.md §4.8/§8 — a force-skipped gate or
// required item must not itself block the phase transition.
func (m *Machine) CanAdvance() (ok bool, blockers []string, skippedSummary []string) {
	ps, phase, err := m.currentPhaseState()
	if err != nil {
		return false, []string{err.Error()}, nil
	}

	for _, it := range phase.Items {
		state := ps.Items[it.ID]
		if state == nil {
			state = &ItemState{Status: ItemPending}
		}
		if state.Status == ItemSkipped {
			skippedSummary = append(skippedSummary, fmt.Sprintf("%s: %s", it.ID, state.SkipReason))
			continue
		}
		switch it.EffectiveStepType() {
		case workflowdef.StepGate, workflowdef.StepRequired:
			if state.Status != ItemCompleted {
				blockers = append(blockers, fmt.Sprintf("item %q (%s) is not complete", it.ID, it.EffectiveStepType()))
			}
		default:
			if state.Status != ItemCompleted {
				blockers = append(blockers, fmt.Sprintf("item %q is neither complete nor skipped", it.ID))
			}
		}
	}

	return len(blockers) == 0, blockers, skippedSummary
}

// ValidateTransition checks the current phase's required artifacts (schema
// validation where a schema is named) and gate blockers against the
// submitted artifacts, without consulting checklist-item state. This is the
// model the HTTP facade's transition endpoint uses (spec.md §6-8): a
// transition is an artifact+gate decision, not a checklist-completion
// decision.
func (m *Machine) ValidateTransition(artifacts map[string]interface{}) (ok bool, blockers []string) {
	_, phase, err := m.currentPhaseState()
	if err != nil {
		return false, []string{err.Error()}
	}

	for _, ra := range phase.RequiredArtifact {
		raw, present := artifacts[ra.Type]
		if !present {
			blockers = append(blockers, fmt.Sprintf("required artifact %q is missing", ra.Type))
			continue
		}
		if ra.Schema == "" || m.schemas == nil {
			continue
		}
		fieldErrs, err := m.schemas.Validate(ra.Schema, raw)
		if err != nil {
			blockers = append(blockers, err.Error())
			continue
		}
		for _, fe := range fieldErrs {
			blockers = append(blockers, fe.Error())
		}
	}

	gateArtifacts := gates.Artifacts{}
	for k, v := range artifacts {
		gateArtifacts[k] = v
	}
	for _, g := range phase.Gates {
		outcome := m.gates.Evaluate(g.ID, g.Blockers, gateArtifacts)
		if !outcome.GatePassed {
			blockers = append(blockers, outcome.Blockers...)
		}
	}

	return len(blockers) == 0, blockers
}

// AdvancePhase validates artifacts against ValidateTransition, completes the
// current phase, and activates the next one declared by a transition out of
// it. force bypasses validation; the workflow's enforcement mode is not
// consulted. It returns done=true once there is no further phase to enter;
// on a blocked transition it returns done=false with the blockers and leaves
// the instance unchanged.
func (m *Machine) AdvancePhase(artifacts map[string]interface{}, force bool) (done bool, blockers []string, err error) {
	if m.instance.Terminal() {
		return false, nil, fmt.Errorf("workflow instance is terminal")
	}

	if !force {
		var ok bool
		ok, blockers = m.ValidateTransition(artifacts)
		if !ok {
			return false, blockers, nil
		}
	}

	if artifacts != nil {
		if m.instance.Metadata == nil {
			m.instance.Metadata = map[string]interface{}{}
		}
		m.instance.Metadata["artifacts"] = artifacts
	}

	ps, _, err := m.currentPhaseState()
	if err != nil {
		return false, nil, err
	}
	now := time.Now()
	ps.Status = PhaseCompleted
	ps.CompletedAt = &now
	m.publish(TopicPhaseCompleted, nil)

	next, ok := m.instance.Definition.NextPhase(m.instance.CurrentPhase)
	if !ok {
		m.instance.Status = WorkflowCompleted
		m.instance.CompletedAt = &now
		return true, nil, m.save()
	}

	m.instance.CurrentPhase = next.ID
	m.instance.Phases[next.ID] = newPhaseState(next, now)
	m.publish(TopicPhaseStarted, nil)

	return false, nil, m.save()
}

// ApprovePhase records a human approval on the current phase's state and
// emits a HUMAN_OVERRIDE event. The approval is only recorded: neither
// CanAdvance nor AdvancePhase reads it.
func (m *Machine) ApprovePhase(approvedBy string) error {
	ps, _, err := m.currentPhaseState()
	if err != nil {
		return err
	}
	ps.Approved = true
	ps.ApprovedBy = approvedBy
	m.publish(TopicHumanOverride, map[string]interface{}{"scope": "phase", "approved_by": approvedBy})
	return m.save()
}

// ApproveItem records a human approval against a single item — the
// completion path for a manual_gate item under supervised/hybrid
// supervision.
func (m *Machine) ApproveItem(itemID, approvedBy string) (*ItemState, error) {
	ps, phase, err := m.currentPhaseState()
	if err != nil {
		return nil, err
	}
	itemDef, ok := m.instance.ItemDef(itemID)
	if !ok {
		return nil, fmt.Errorf("item %q is not defined in phase %q", itemID, phase.ID)
	}
	item, ok := ps.Items[itemID]
	if !ok {
		item = &ItemState{ItemID: itemID, Status: ItemPending}
		ps.Items[itemID] = item
	}

	if err := m.completeManualGateItem(item, approvedBy); err != nil {
		return nil, err
	}
	m.markItemComplete(item, "")
	_ = itemDef

	m.publish(TopicHumanOverride, map[string]interface{}{"scope": "item", "item_id": itemID, "approved_by": approvedBy})
	if err := m.save(); err != nil {
		return nil, err
	}
	return item, nil
}

func stringSettings(settings map[string]interface{}) map[string]string {
	out := make(map[string]string, len(settings))
	for k, v := range settings {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func stringSetting(settings map[string]interface{}, key, fallback string) string {
	if v, ok := settings[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
