package logic

import (
	"sync"

	"github.com/jwodder/demagnetize/internal/shared/models"
)

// Result is the outcome for one magnet in a batch.
type Result struct {
	Magnet   models.Magnet
	Filename string
	Err      error
}

// Report aggregates batch outcomes.
type Report struct {
	mu      sync.Mutex
	results []Result
}

func (r *Report) add(result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *Report) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func (r *Report) Finished() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, res := range r.results {
		if res.Err == nil {
			n++
		}
	}
	return n
}

// OK reports whether the report holds at least one result and every magnet
// succeeded. An empty report is not OK.
func (r *Report) OK() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.results) == 0 {
		return false
	}
	for _, res := range r.results {
		if res.Err != nil {
			return false
		}
	}
	return true
}
