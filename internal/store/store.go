// Package store implements the coordination substrate's State Store: a
// process-wide, thread-safe registry of task coordination entries
// (dependencies, blockers, claim/completion) persisted to a JSON document
// on every mutation under an exclusive file lock. This is distinct from
// internal/statemachine's per-workflow-instance Phase State — spec.md keeps
// the Task Registry and the Workflow Instance State as two separate
// stores, and this implementation preserves that separation.
package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/orchestrator-core/orchestrator/internal/persistence"
)

// TaskEntry is one task's coordination record.
type TaskEntry struct {
	TaskID       string     `json:"task_id"`
	AgentID      string     `json:"agent_id"`
	CurrentPhase string     `json:"current_phase"`
	Transitions  []string   `json:"transitions"`
	Dependencies []string   `json:"dependencies"`
	ClaimedAt    time.Time  `json:"claimed_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Blockers     []string   `json:"blockers,omitempty"`
}

// document is the on-disk shape persisted under the coordination store
// path.
type document struct {
	Tasks     map[string]TaskEntry `json:"tasks"`
	Completed map[string]bool      `json:"completed"`
}

// Store is the thread-safe, file-backed coordination registry.
type Store struct {
	path string
	mu   sync.RWMutex
	doc  document
}

// Open loads (or initializes) the coordination store at path.
func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: document{
		Tasks:     make(map[string]TaskEntry),
		Completed: make(map[string]bool),
	}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	lk, err := persistence.LockShared(s.path)
	if err != nil {
		return err
	}
	defer lk.Unlock()

	data, err := readOrEmpty(s.path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing coordination store %s: %w", s.path, err)
	}
	if doc.Tasks == nil {
		doc.Tasks = make(map[string]TaskEntry)
	}
	if doc.Completed == nil {
		doc.Completed = make(map[string]bool)
	}
	s.doc = doc
	return nil
}

func (s *Store) persist() error {
	lk, err := persistence.LockExclusive(s.path)
	if err != nil {
		return err
	}
	defer lk.Unlock()

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	return persistence.AtomicWrite(s.path, data)
}

// Register creates a new coordination entry for taskID. Re-registering an
// existing task id replaces its entry: agent, phase, dependencies and claim
// time are set anew, and its transition history, blockers and completion
// stamp are cleared. The global completed set is left unchanged.
func (s *Store) Register(taskID, agentID, initialPhase string, dependencies []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Tasks[taskID] = TaskEntry{
		TaskID:       taskID,
		AgentID:      agentID,
		CurrentPhase: initialPhase,
		Dependencies: append([]string{}, dependencies...),
		ClaimedAt:    time.Now(),
	}
	return s.persist()
}

// RecordTransition appends phase to the task's transition history and
// updates its current phase.
func (s *Store) RecordTransition(taskID, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.doc.Tasks[taskID]
	if !ok {
		return fmt.Errorf("unknown task %q", taskID)
	}
	entry.Transitions = append(entry.Transitions, phase)
	entry.CurrentPhase = phase
	s.doc.Tasks[taskID] = entry
	return s.persist()
}

// MarkCompleted records taskID in the global completed set and stamps its
// CompletedAt, unblocking any dependents the next time their snapshot is
// read (is_unblocked is recomputed lazily, not pushed).
func (s *Store) MarkCompleted(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Completed[taskID] = true
	if entry, ok := s.doc.Tasks[taskID]; ok {
		now := time.Now()
		entry.CompletedAt = &now
		s.doc.Tasks[taskID] = entry
	}
	return s.persist()
}

// SetBlockers replaces the human-readable blocker list recorded against a
// task (e.g. the most recent failed transition's blockers).
func (s *Store) SetBlockers(taskID string, blockers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.doc.Tasks[taskID]
	if !ok {
		return fmt.Errorf("unknown task %q", taskID)
	}
	entry.Blockers = blockers
	s.doc.Tasks[taskID] = entry
	return s.persist()
}

// Get returns a copy of the coordination entry for taskID.
func (s *Store) Get(taskID string) (TaskEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.doc.Tasks[taskID]
	return e, ok
}

// IsUnblocked reports whether every dependency of taskID is in the
// completed set. A task with no dependencies is always unblocked.
func (s *Store) IsUnblocked(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isUnblockedLocked(taskID)
}

func (s *Store) isUnblockedLocked(taskID string) bool {
	entry, ok := s.doc.Tasks[taskID]
	if !ok {
		return true
	}
	for _, dep := range entry.Dependencies {
		if !s.doc.Completed[dep] {
			return false
		}
	}
	return true
}

// Snapshot is the minimal, read-only projection of a task's coordination
// state handed to agents via GET /api/v1/state/snapshot.
type Snapshot struct {
	TaskDependencies []string `json:"task_dependencies"`
	CompletedTasks   []string `json:"completed_tasks"`
	CurrentPhase     string   `json:"current_phase"`
	Blockers         []string `json:"blockers"`
}

// Snapshot builds the minimal read-only projection for taskID: its
// dependencies, the subset of those dependencies present in the completed
// set, its current phase, and any recorded blocker messages.
func (s *Store) Snapshot(taskID string) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry := s.doc.Tasks[taskID]

	var completedDeps []string
	for _, dep := range entry.Dependencies {
		if s.doc.Completed[dep] {
			completedDeps = append(completedDeps, dep)
		}
	}

	return Snapshot{
		TaskDependencies: entry.Dependencies,
		CompletedTasks:   completedDeps,
		CurrentPhase:     entry.CurrentPhase,
		Blockers:         entry.Blockers,
	}
}

func readOrEmpty(path string) ([]byte, error) {
	return persistence.ReadIfExists(path)
}
