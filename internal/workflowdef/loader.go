package workflowdef

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidationError aggregates every structural problem found while loading a
// workflow document. The loader never returns a partially loaded
// Definition — Load fails closed and reports every offending field at once.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid workflow definition: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) errOrNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// LoadFile reads a YAML workflow document from path and returns the
// validated, immutable Definition.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow definition %s: %w", path, err)
	}
	return Load(data)
}

// Load parses and validates a YAML (or JSON, a subset of YAML) workflow
// document.
func Load(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing workflow definition: %w", err)
	}

	if err := Validate(&def).errOrNil(); err != nil {
		return nil, err
	}

	return &def, nil
}

// Validate checks structural integrity: unique phase IDs, every transition
// naming known phases, every gate referencing a phase's own gate list by
// id, and enforcement fields present and well-formed. It never stops at
// the first problem — every offending field is collected.
func Validate(def *Definition) *ValidationError {
	verr := &ValidationError{}

	if def.Name == "" {
		verr.add("workflow name is required")
	}
	if def.Version == "" {
		verr.add("workflow version is required")
	}

	validatePhases(def.Phases, verr)
	phaseIDs := phaseIDSet(def.Phases)
	validateTransitions(def.Transitions, phaseIDs, verr)
	for i, t := range def.Transitions {
		if t.Gate == "" {
			continue
		}
		if from, ok := def.PhaseByID(t.From); ok {
			if _, ok := from.GateByID(t.Gate); !ok {
				verr.add("transition[%d]: gate %q is not declared on phase %q", i, t.Gate, t.From)
			}
		}
	}
	validateEnforcement(def.Enforcement, verr)

	return verr
}

func phaseIDSet(phases []Phase) map[string]struct{} {
	set := make(map[string]struct{}, len(phases))
	for _, p := range phases {
		set[p.ID] = struct{}{}
	}
	return set
}

func validatePhases(phases []Phase, verr *ValidationError) {
	if len(phases) == 0 {
		verr.add("workflow must define at least one phase")
		return
	}

	seen := make(map[string]int)
	for i, p := range phases {
		if p.ID == "" {
			verr.add("phase[%d]: id is required", i)
		} else {
			seen[p.ID]++
		}
		if p.Name == "" {
			verr.add("phase[%d] (%s): name is required", i, p.ID)
		}
		if len(p.AllowedTools) == 0 {
			verr.add("phase[%d] (%s): allowed_tools must be a non-empty list", i, p.ID)
		}

		allowed := p.AllowedToolSet()
		for _, f := range p.ForbiddenTools {
			if _, ok := allowed[f]; ok {
				verr.add("phase[%d] (%s): tool %q is in both allowed_tools and forbidden_tools", i, p.ID, f)
			}
		}

		validateItems(p, verr)
		validateGates(p, verr)
	}

	for id, count := range seen {
		if count > 1 {
			verr.add("phase id %q is declared %d times; phase ids must be unique", id, count)
		}
	}
}

func validateItems(p Phase, verr *ValidationError) {
	seen := make(map[string]int)
	for j, item := range p.Items {
		if item.ID == "" {
			verr.add("phase %q item[%d]: id is required", p.ID, j)
		} else {
			seen[item.ID]++
		}

		st := item.StepType
		if st != "" && !st.Valid() {
			verr.add("phase %q item %q: unknown step_type %q", p.ID, item.ID, st)
		}

		effective := item.EffectiveStepType()
		if effective == StepGate && item.Verification.Type != VerifyCommand {
			verr.add("phase %q item %q: step_type=gate requires verification.type=command", p.ID, item.ID)
		}
		if effective == StepRequired && item.Skippable {
			verr.add("phase %q item %q: step_type=required cannot be skippable", p.ID, item.ID)
		}
	}
	for id, count := range seen {
		if count > 1 {
			verr.add("phase %q: item id %q declared %d times", p.ID, id, count)
		}
	}
}

func validateGates(p Phase, verr *ValidationError) {
	seen := make(map[string]int)
	for _, g := range p.Gates {
		if g.ID == "" {
			verr.add("phase %q: gate with empty id", p.ID)
			continue
		}
		seen[g.ID]++
		if len(g.Blockers) == 0 {
			verr.add("phase %q gate %q: must declare at least one blocker", p.ID, g.ID)
		}
	}
	for id, count := range seen {
		if count > 1 {
			verr.add("phase %q: gate id %q declared %d times", p.ID, id, count)
		}
	}
}

func validateTransitions(transitions []Transition, phaseIDs map[string]struct{}, verr *ValidationError) {
	for i, t := range transitions {
		if t.From == "" || t.To == "" {
			verr.add("transition[%d]: from and to are both required", i)
			continue
		}
		if _, ok := phaseIDs[t.From]; !ok {
			verr.add("transition[%d]: unknown source phase %q", i, t.From)
		}
		if _, ok := phaseIDs[t.To]; !ok {
			verr.add("transition[%d]: unknown target phase %q", i, t.To)
		}
	}
}

func validateEnforcement(e Enforcement, verr *ValidationError) {
	if e.Mode == "" {
		verr.add("enforcement.mode is required")
	} else if !e.Mode.Valid() {
		verr.add("enforcement.mode %q is not one of strict, permissive, advisory", e.Mode)
	}

	if e.PhaseTokens.Enabled && e.PhaseTokens.ExpirySeconds <= 0 {
		verr.add("enforcement.phase_tokens.expiry_seconds must be a positive integer when phase_tokens is enabled")
	}
}
