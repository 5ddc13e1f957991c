// Package audit implements the Audit Log: an append-only, newline-delimited
// JSON log of every tool execution, queryable by task, phase, tool, and
// outcome, with aggregate statistics.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrator-core/orchestrator/internal/persistence"
)

// maxFieldBytes bounds how much of an audit entry's args/result payload is
// kept, so entries stay scannable (spec.md §4.7).
const maxFieldBytes = 4096

// Entry is one append-only audit record.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	TaskID     string    `json:"task_id"`
	Phase      string    `json:"phase"`
	ToolName   string    `json:"tool_name"`
	Args       string    `json:"args,omitempty"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
}

// Log appends entries to a JSONL file under an exclusive lock and serves
// queries by re-reading the file.
type Log struct {
	path string
	mu   sync.Mutex
}

// New creates a Log backed by the file at path. The parent directory is
// created on first write, not at construction.
func New(path string) *Log {
	return &Log{path: path}
}

// Append writes one audit entry. Oversized args/result payloads are
// truncated with a trailing marker.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Args = truncate(e.Args)
	e.Result = truncate(e.Result)

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}

	return persistence.AppendLine(l.path, line)
}

func truncate(s string) string {
	if len(s) <= maxFieldBytes {
		return s
	}
	return s[:maxFieldBytes] + "...(truncated)"
}

// Query describes a filtered read over the log. Zero-value fields are not
// applied as filters.
type Query struct {
	TaskID   string
	Phase    string
	ToolName string
	Success  *bool
	Limit    int
}

// Find returns entries matching q, in insertion (append) order.
func (l *Log) Find(q Query) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, e := range entries {
		if q.TaskID != "" && e.TaskID != q.TaskID {
			continue
		}
		if q.Phase != "" && e.Phase != q.Phase {
			continue
		}
		if q.ToolName != "" && e.ToolName != q.ToolName {
			continue
		}
		if q.Success != nil && e.Success != *q.Success {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Stats aggregates totals, success rate, and per-tool / per-phase counts.
type Stats struct {
	Total      int            `json:"total"`
	Successes  int            `json:"successes"`
	Failures   int            `json:"failures"`
	SuccessPct float64        `json:"success_pct"`
	PerTool    map[string]int `json:"per_tool"`
	PerPhase   map[string]int `json:"per_phase"`
}

// Stats computes aggregate statistics over the full log.
func (l *Log) Stats() (Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.readAll()
	if err != nil {
		return Stats{}, err
	}

	s := Stats{PerTool: map[string]int{}, PerPhase: map[string]int{}}
	for _, e := range entries {
		s.Total++
		if e.Success {
			s.Successes++
		} else {
			s.Failures++
		}
		s.PerTool[e.ToolName]++
		s.PerPhase[e.Phase]++
	}
	if s.Total > 0 {
		s.SuccessPct = float64(s.Successes) / float64(s.Total) * 100
	}
	return s, nil
}

func (l *Log) readAll() ([]Entry, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
