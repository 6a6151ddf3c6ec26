// Package memory is an in-process ledger used for local runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"ledger/internal/core"
	"ledger/internal/source"
)

const DefaultPageSize = 100

var _ source.Fetcher = (*Store)(nil)

// Store serves each task type's records in insertion order. Cursors are
// decimal offsets into the stream.
type Store struct {
	mu       sync.Mutex
	pageSize int
	streams  map[string][]core.Record
	failures []error
	calls    int
}

func New(pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Store{pageSize: pageSize, streams: map[string][]core.Record{}}
}

// NewFromFile seeds a store from a JSON object mapping task types to record
// arrays. A missing file yields the built-in demo ledger.
func NewFromFile(path string, pageSize int) (*Store, error) {
	s := New(pageSize)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		s.seedDefaults()
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	var seed map[string][]core.Record
	dec := json.NewDecoder(f)
	dec.UseNumber()
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	for task, recs := range seed {
		s.Add(task, recs...)
	}
	return s, nil
}

// Add appends records to a task's stream.
func (s *Store) Add(taskType string, recs ...core.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[taskType] = append(s.streams[taskType], recs...)
}

// FailNext makes the next fetches return errs, one per call, before serving
// pages again.
func (s *Store) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// Calls returns the number of FetchPage calls so far.
func (s *Store) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Store) FetchPage(ctx context.Context, taskType, cursor string) (core.Page, error) {
	if err := ctx.Err(); err != nil {
		return core.Page{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return core.Page{}, err
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return core.Page{}, source.Fatal(fmt.Errorf("invalid cursor %q", cursor))
		}
		offset = n
	}

	stream := s.streams[taskType]
	if offset > len(stream) {
		offset = len(stream)
	}
	end := min(offset+s.pageSize, len(stream))

	page := core.Page{Records: make([]core.Record, end-offset)}
	copy(page.Records, stream[offset:end])
	if end < len(stream) {
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}

func (s *Store) seedDefaults() {
	s.streams["sale"] = []core.Record{
		{"amount": 100, "details": map[string]any{"type": "GamePass"}},
		{"amount": 40, "details": map[string]any{"type": "DeveloperProduct"}},
		{"amount": 25, "details": map[string]any{"type": "GamePass"}},
		{"amount": 12, "details": map[string]any{"type": "Asset"}},
	}
	s.streams["payout"] = []core.Record{
		{"amount": 300, "transactionType": "GroupPayout"},
	}
	s.streams["purchase"] = []core.Record{
		{"amount": -80, "details": map[string]any{"type": "Asset"}},
		{"amount": -15, "details": map[string]any{"type": "GamePass"}},
	}
}
