package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a point-in-time view of the running operation. Fields are
// observational: readers get last-write-wins values, never ordering
// guarantees.
type Snapshot struct {
	IsRunning   bool      `json:"is_running"`
	TaskID      string    `json:"task_id,omitempty"`
	CurrentTask string    `json:"current_task,omitempty"`
	Total       int       `json:"total"`
	Completed   int       `json:"completed"`
	LastError   string    `json:"last_error,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

// Percent returns completion as 0-100, or 0 when the total is unknown.
func (s Snapshot) Percent() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total) * 100
}

// Progress tracks one long-running operation at a time. It is injected,
// not a package singleton, so servers and tests own their own instance.
// Callers wanting "only one scan at a time" gate on TryStart; Progress
// itself does not queue or reject work beyond that.
type Progress struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewProgress() *Progress {
	return &Progress{}
}

// TryStart claims the progress tracker for a new operation. It returns the
// operation's task ID and false if another operation is already running.
func (p *Progress) TryStart(task string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.snap.IsRunning {
		return "", false
	}
	id := uuid.NewString()
	p.snap = Snapshot{
		IsRunning:   true,
		TaskID:      id,
		CurrentTask: task,
		StartedAt:   time.Now().UTC(),
	}
	return id, true
}

// SetTotal records the number of units the operation will process.
func (p *Progress) SetTotal(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Total = total
}

// Update records completed units and the unit currently being worked on.
func (p *Progress) Update(completed int, current string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.Completed = completed
	if current != "" {
		p.snap.CurrentTask = current
	}
}

// RecordError notes the most recent per-unit failure without stopping the
// operation.
func (p *Progress) RecordError(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.LastError = msg
}

// Finish releases the tracker. The final counts and last error stay
// readable until the next TryStart.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.IsRunning = false
	p.snap.CurrentTask = ""
}

// Current returns a copy of the snapshot.
func (p *Progress) Current() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}
