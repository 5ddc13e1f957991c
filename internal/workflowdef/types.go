// Package workflowdef loads and validates the declarative workflow document
// (phases, transitions, gates, enforcement policy) that drives the phase
// state machine. A Definition is immutable once loaded and is shared
// read-only by every workflow instance started against it.
package workflowdef

// EnforcementMode controls how strictly the broker and state machine apply
// the workflow's rules.
type EnforcementMode string

const (
	ModeStrict     EnforcementMode = "strict"
	ModePermissive EnforcementMode = "permissive"
	ModeAdvisory   EnforcementMode = "advisory"
)

func (m EnforcementMode) Valid() bool {
	switch m {
	case ModeStrict, ModePermissive, ModeAdvisory:
		return true
	default:
		return false
	}
}

// StepType is the closed sum of checklist item kinds. It governs both
// complete and skip semantics (see internal/statemachine).
type StepType string

const (
	StepGate       StepType = "gate"
	StepRequired   StepType = "required"
	StepDocumented StepType = "documented"
	StepFlexible   StepType = "flexible"
)

// Valid reports whether s is one of the closed set of step types.
func (s StepType) Valid() bool {
	switch s {
	case StepGate, StepRequired, StepDocumented, StepFlexible:
		return true
	default:
		return false
	}
}

// Normalize returns the step type, defaulting an empty value to flexible —
// the backward-compatible default named in spec.md's Checklist Item
// invariant.
func (s StepType) Normalize() StepType {
	if s == "" {
		return StepFlexible
	}
	return s
}

// VerificationType names how a checklist item's completion is checked.
type VerificationType string

const (
	VerifyNone       VerificationType = "none"
	VerifyFileExists VerificationType = "file_exists"
	VerifyCommand    VerificationType = "command"
	VerifyManualGate VerificationType = "manual_gate"
)

// Verification describes how an item is checked before it may complete.
type Verification struct {
	Type           VerificationType `yaml:"type" json:"type"`
	Command        string           `yaml:"command,omitempty" json:"command,omitempty"`
	Path           string           `yaml:"path,omitempty" json:"path,omitempty"`
	ExpectExitCode *int             `yaml:"expect_exit_code,omitempty" json:"expect_exit_code,omitempty"`
}

// RequiredArtifact names an artifact type a phase demands before it can be
// left, and optionally the schema it must validate against.
type RequiredArtifact struct {
	Type   string `yaml:"type" json:"type"`
	Schema string `yaml:"schema,omitempty" json:"schema,omitempty"`
}

// Gate is a named, ordered list of blocker checks guarding a transition out
// of the phase that declares it.
type Gate struct {
	ID       string   `yaml:"id" json:"id"`
	Blockers []string `yaml:"blockers" json:"blockers"`
}

// Item is a single checklist entry within a phase.
type Item struct {
	ID             string           `yaml:"id" json:"id"`
	Name           string           `yaml:"name" json:"name"`
	Description    string           `yaml:"description,omitempty" json:"description,omitempty"`
	StepType       StepType         `yaml:"step_type,omitempty" json:"step_type,omitempty"`
	Verification   Verification     `yaml:"verification,omitempty" json:"verification,omitempty"`
	EvidenceSchema string           `yaml:"evidence_schema,omitempty" json:"evidence_schema,omitempty"`
	Required       bool             `yaml:"required,omitempty" json:"required,omitempty"`
	Skippable      bool             `yaml:"skippable,omitempty" json:"skippable,omitempty"`
	Notes          string           `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// EffectiveStepType applies the backward-compatible default.
func (i Item) EffectiveStepType() StepType {
	return i.StepType.Normalize()
}

// Phase is one named stage of the workflow (e.g. PLAN, TDD, IMPL).
type Phase struct {
	ID               string             `yaml:"id" json:"id"`
	Name             string             `yaml:"name" json:"name"`
	PhaseType        string             `yaml:"phase_type,omitempty" json:"phase_type,omitempty"`
	AllowedTools     []string           `yaml:"allowed_tools" json:"allowed_tools"`
	ForbiddenTools   []string           `yaml:"forbidden_tools,omitempty" json:"forbidden_tools,omitempty"`
	IntendedTools    []string           `yaml:"intended_tools,omitempty" json:"intended_tools,omitempty"`
	RequiredArtifact []RequiredArtifact `yaml:"required_artifacts,omitempty" json:"required_artifacts,omitempty"`
	Gates            []Gate             `yaml:"gates,omitempty" json:"gates,omitempty"`
	Items            []Item             `yaml:"items,omitempty" json:"items,omitempty"`
}

// AllowedToolSet and ForbiddenToolSet render the tool lists as sets for O(1)
// membership checks. Forbidden always wins, per the Phase Definition
// invariant in spec.md §3.
func (p Phase) AllowedToolSet() map[string]struct{} {
	return toSet(p.AllowedTools)
}

func (p Phase) ForbiddenToolSet() map[string]struct{} {
	return toSet(p.ForbiddenTools)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, i := range items {
		set[i] = struct{}{}
	}
	return set
}

// ToolAllowed reports whether tool may be invoked while this phase is
// active: it must be in the allow-list and must not be in the deny-list.
// Forbidden always wins.
func (p Phase) ToolAllowed(tool string) bool {
	if _, denied := p.ForbiddenToolSet()[tool]; denied {
		return false
	}
	_, allowed := p.AllowedToolSet()[tool]
	return allowed
}

// Transition names one legal phase-to-phase edge.
type Transition struct {
	From          string `yaml:"from" json:"from"`
	To            string `yaml:"to" json:"to"`
	Gate          string `yaml:"gate,omitempty" json:"gate,omitempty"`
	RequiresToken bool   `yaml:"requires_token,omitempty" json:"requires_token,omitempty"`
}

// TokenConfig controls phase token issuance.
type TokenConfig struct {
	Enabled       bool `yaml:"enabled" json:"enabled"`
	ExpirySeconds int  `yaml:"expiry_seconds,omitempty" json:"expiry_seconds,omitempty"`
}

// Enforcement is the workflow-wide policy section.
type Enforcement struct {
	Mode         EnforcementMode `yaml:"mode" json:"mode"`
	PhaseTokens  TokenConfig     `yaml:"phase_tokens" json:"phase_tokens"`
}

// Definition is the immutable, fully validated workflow document. It is
// loaded once per process and shared read-only; every Workflow Instance
// State freezes a copy of it at start_workflow time (version lock).
type Definition struct {
	Name        string                 `yaml:"name" json:"name"`
	Version     string                 `yaml:"version" json:"version"`
	Phases      []Phase                `yaml:"phases" json:"phases"`
	Transitions []Transition           `yaml:"transitions" json:"transitions"`
	Enforcement Enforcement            `yaml:"enforcement" json:"enforcement"`
	Settings    map[string]interface{} `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// PhaseByID returns the phase with the given id, or false if none matches.
func (d *Definition) PhaseByID(id string) (Phase, bool) {
	for _, p := range d.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return Phase{}, false
}

// FirstPhase returns the first declared phase — the entry point of every
// new workflow instance.
func (d *Definition) FirstPhase() (Phase, bool) {
	if len(d.Phases) == 0 {
		return Phase{}, false
	}
	return d.Phases[0], true
}

// NextPhase returns the phase that the first declared transition from `id`
// leads to. When more than one transition leaves `id`, only the first one
// is ever returned.
func (d *Definition) NextPhase(id string) (Phase, bool) {
	for _, t := range d.Transitions {
		if t.From == id {
			return d.PhaseByID(t.To)
		}
	}
	return Phase{}, false
}

// TransitionFor returns the declared transition between from and to, if any.
func (d *Definition) TransitionFor(from, to string) (Transition, bool) {
	for _, t := range d.Transitions {
		if t.From == from && t.To == to {
			return t, true
		}
	}
	return Transition{}, false
}

// GateByID returns the named gate declared on the given phase.
func (p Phase) GateByID(id string) (Gate, bool) {
	for _, g := range p.Gates {
		if g.ID == id {
			return g, true
		}
	}
	return Gate{}, false
}
