package walker

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCursorStalled is returned when the remote hands back the cursor that was
// just requested; following it would loop forever.
var ErrCursorStalled = errors.New("cursor did not advance")

// Task is one record stream of a calculation.
type Task struct {
	Type     string `json:"type"`     // passed to the fetcher
	Category string `json:"category"` // tag attached to every record of the task
}

// TaskCursor is the resume position of one task.
type TaskCursor struct {
	Task
	Cursor    string `json:"cursor,omitempty"`
	Exhausted bool   `json:"exhausted"`
}

// Position identifies the next fetch of a plan.
type Position struct {
	TaskIndex int
	Task      Task
	Cursor    string
}

// Plan is the ordered list of task cursors of one run. Cursors only move
// forward; Advance rejects anything that is not the current position.
type Plan struct {
	mu    sync.Mutex
	tasks []TaskCursor
	index int
}

func NewPlan(tasks ...Task) *Plan {
	p := &Plan{tasks: make([]TaskCursor, len(tasks))}
	for i, t := range tasks {
		p.tasks[i] = TaskCursor{Task: t}
	}
	return p
}

// Current returns the next position to fetch, or false when every task is
// exhausted.
func (p *Plan) Current() (Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.index >= len(p.tasks) {
		return Position{TaskIndex: p.index}, false
	}
	tc := p.tasks[p.index]
	return Position{TaskIndex: p.index, Task: tc.Task, Cursor: tc.Cursor}, true
}

// Advance moves the task at pos past the page just delivered. An empty next
// cursor exhausts the task and moves on to the following one.
func (p *Plan) Advance(pos Position, next string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pos.TaskIndex != p.index || p.index >= len(p.tasks) {
		return fmt.Errorf("advance task %d: plan is at task %d", pos.TaskIndex, p.index)
	}
	tc := &p.tasks[p.index]
	if tc.Cursor != pos.Cursor {
		return fmt.Errorf("advance task %d: cursor moved since fetch", pos.TaskIndex)
	}
	if next == "" {
		tc.Exhausted = true
		tc.Cursor = ""
		p.index++
		return nil
	}
	if next == tc.Cursor {
		return fmt.Errorf("task %s at cursor %q: %w", tc.Type, next, ErrCursorStalled)
	}
	tc.Cursor = next
	return nil
}

// Exhausted reports whether every task has been walked to the end.
func (p *Plan) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index >= len(p.tasks)
}

// Index returns the current task index.
func (p *Plan) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}

// Len returns the number of tasks.
func (p *Plan) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Tasks returns a copy of every task cursor.
func (p *Plan) Tasks() []TaskCursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TaskCursor(nil), p.tasks...)
}
