package calc

import (
	"time"

	"github.com/google/uuid"

	"ledger/internal/tally"
	"ledger/internal/walker"
)

type pageKey struct {
	taskIndex int
	cursor    string
}

// Run is the state of one calculation. It lives only in memory and is
// owned by its Session.
type Run struct {
	ID           string
	Status       Status
	Plan         *walker.Plan
	Acc          *tally.Accumulator
	ErrorMessage string
	RateLimited  bool
	RetryCount   int
	Pages        int
	StartedAt    time.Time
	FinishedAt   time.Time
	UpdatedAt    time.Time

	lastPage  pageKey
	committed bool
}

func newRun(tasks []walker.Task) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Status:    Idle,
		Plan:      walker.NewPlan(tasks...),
		Acc:       tally.NewAccumulator(),
		UpdatedAt: time.Now(),
	}
}

// commit records the page about to be enqueued. It returns false when the
// page at the same position was already committed.
func (r *Run) commit(p walker.Page) bool {
	key := pageKey{taskIndex: p.TaskIndex, cursor: p.Cursor}
	if r.committed && r.lastPage == key {
		return false
	}
	r.lastPage = key
	r.committed = true
	r.Pages++
	return true
}
