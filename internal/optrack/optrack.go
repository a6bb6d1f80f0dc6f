// Package optrack implements the append-only operation tracker attached to
// every execution, and the per-execution context builder that assembles a
// handler's deadline, chain state, and frozen metadata.
package optrack

import (
	"fmt"
	"sync"
	"time"

	"github.com/ocx/execcore/pkg/execapi"
)

// Status is the terminal or in-flight state of a tracked operation.
type Status string

const (
	StatusPending Status = "pending"
	StatusApplied Status = "applied"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Entry is one tracked operation.
type Entry struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Err       string         `json:"error,omitempty"`
}

// Tracker is an append-only, thread-safe log of operations performed
// during one execution. Entries are never removed, only transitioned.
type Tracker struct {
	mu      sync.Mutex
	entries []*Entry
	byID    map[string]*Entry
	seq     int
}

func New() *Tracker {
	return &Tracker{byID: make(map[string]*Entry)}
}

// Track appends a new pending entry and returns its id.
func (t *Tracker) Track(name string, detail map[string]any) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	id := fmt.Sprintf("op-%d", t.seq)
	e := &Entry{ID: id, Name: name, Status: StatusPending, StartedAt: time.Now(), Detail: detail}
	t.entries = append(t.entries, e)
	t.byID[id] = e
	return id
}

func (t *Tracker) transition(id string, status Status, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return
	}
	now := time.Now()
	e.Status = status
	e.EndedAt = &now
	e.Err = errMsg
}

func (t *Tracker) MarkApplied(id string) { t.transition(id, StatusApplied, "") }
func (t *Tracker) MarkSkipped(id string) { t.transition(id, StatusSkipped, "") }
func (t *Tracker) MarkFailed(id string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.transition(id, StatusFailed, msg)
}

// ToArray returns a snapshot copy of every tracked entry in insertion
// order.
func (t *Tracker) ToArray() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

// Counts tallies entries by status, useful for a summary log line.
func (t *Tracker) Counts() map[Status]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[Status]int)
	for _, e := range t.entries {
		counts[e.Status]++
	}
	return counts
}

// Context is the per-execution object handed to a handler: deadline
// helpers, chain state, and frozen request metadata.
type Context struct {
	Request    execapi.ExecutionRequest
	Chain      *execapi.ChainState
	Tracker    *Tracker
	deadline   time.Time
	metadata   map[string]any
}

// NewContext builds a Context for req, validating pluginRoot is non-empty
// (handlers cannot resolve relative paths without it).
func NewContext(req execapi.ExecutionRequest, chain *execapi.ChainState, metadata map[string]any) (*Context, error) {
	if req.PluginRoot == "" {
		return nil, fmt.Errorf("optrack: executionRequest.pluginRoot must not be empty")
	}
	return &Context{
		Request:  req,
		Chain:    chain,
		Tracker:  New(),
		deadline: time.UnixMilli(req.DeadlineUnixMs),
		metadata: freeze(metadata),
	}, nil
}

// freeze returns a shallow defensive copy so callers cannot mutate the
// context's metadata map after construction.
func freeze(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Metadata returns a copy of the frozen metadata map.
func (c *Context) Metadata() map[string]any {
	return freeze(c.metadata)
}

// RemainingMs reports the milliseconds left until the execution deadline,
// clamped at zero.
func (c *Context) RemainingMs() int64 {
	remaining := time.Until(c.deadline).Milliseconds()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the deadline has already passed.
func (c *Context) Expired() bool {
	return c.RemainingMs() <= 0
}
