package statemachine

import (
	"encoding/json"
	"fmt"

	"github.com/orchestrator-core/orchestrator/internal/persistence"
)

func marshalInstance(inst *Instance) ([]byte, error) {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling instance state: %w", err)
	}
	return data, nil
}

// Load reads and decodes a persisted Instance from path. It returns
// (nil, false, nil) if no instance has been persisted there yet.
func Load(path string) (*Instance, bool, error) {
	data, err := persistence.ReadIfExists(path)
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		return nil, false, nil
	}
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, false, fmt.Errorf("decoding instance state at %s: %w", path, err)
	}
	return &inst, true, nil
}
