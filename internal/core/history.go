package core

import (
	"github.com/orrn/printqueue/internal/jobs"
)

// history keeps the most recent terminal jobs so that failures stay queryable
// and retryable after they leave the queue. Oldest entries are evicted first.
type history struct {
	size    int
	entries []jobs.PrintJob // oldest first
}

func newHistory(size int) *history {
	return &history{size: size}
}

func (h *history) add(job jobs.PrintJob) {
	if h.size <= 0 {
		return
	}
	h.remove(job.ID)
	if len(h.entries) == h.size {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, job)
}

func (h *history) get(id string) (jobs.PrintJob, bool) {
	for _, j := range h.entries {
		if j.ID == id {
			return j, true
		}
	}
	return jobs.PrintJob{}, false
}

func (h *history) remove(id string) bool {
	for i, j := range h.entries {
		if j.ID == id {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			return true
		}
	}
	return false
}

// list returns clones, newest first.
func (h *history) list() []jobs.PrintJob {
	out := make([]jobs.PrintJob, 0, len(h.entries))
	for i := len(h.entries) - 1; i >= 0; i-- {
		out = append(out, h.entries[i].Clone())
	}
	return out
}

// snapshot returns clones, oldest first, for persistence.
func (h *history) snapshot() []jobs.PrintJob {
	out := make([]jobs.PrintJob, 0, len(h.entries))
	for i := range h.entries {
		out = append(out, h.entries[i].Clone())
	}
	return out
}

func (h *history) count(status jobs.Status) int {
	n := 0
	for _, j := range h.entries {
		if j.Status == status {
			n++
		}
	}
	return n
}
