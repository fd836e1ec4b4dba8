package core

import (
	"github.com/orrn/printqueue/internal/jobs"
)

// JobQueue is the ordered sequence of non-terminal jobs: all high priority jobs
// first, FIFO within a band. It is not safe for concurrent use.
type JobQueue struct {
	jobs []*jobs.PrintJob
}

func NewJobQueue() *JobQueue {
	return &JobQueue{}
}

// Insert places job at the back of its priority band. It refuses a job whose
// id is already queued.
func (q *JobQueue) Insert(job *jobs.PrintJob) bool {
	if q.indexOf(job.ID) >= 0 {
		return false
	}
	if job.Priority != jobs.PriorityHigh {
		q.jobs = append(q.jobs, job)
		return true
	}
	for i, j := range q.jobs {
		if j.Priority != jobs.PriorityHigh {
			q.jobs = append(q.jobs, nil)
			copy(q.jobs[i+1:], q.jobs[i:])
			q.jobs[i] = job
			return true
		}
	}
	q.jobs = append(q.jobs, job)
	return true
}

// RequeueForRetry puts a job that was reset to pending after a failed attempt
// behind every other job of its band.
func (q *JobQueue) RequeueForRetry(job *jobs.PrintJob) bool {
	q.RemoveByID(job.ID)
	return q.Insert(job)
}

func (q *JobQueue) RemoveByID(id string) bool {
	i := q.indexOf(id)
	if i < 0 {
		return false
	}
	copy(q.jobs[i:], q.jobs[i+1:])
	q.jobs[len(q.jobs)-1] = nil
	q.jobs = q.jobs[:len(q.jobs)-1]
	return true
}

func (q *JobQueue) PeekFront() (*jobs.PrintJob, bool) {
	if len(q.jobs) == 0 {
		return nil, false
	}
	return q.jobs[0], true
}

func (q *JobQueue) Get(id string) (*jobs.PrintJob, bool) {
	i := q.indexOf(id)
	if i < 0 {
		return nil, false
	}
	return q.jobs[i], true
}

func (q *JobQueue) Len() int { return len(q.jobs) }

func (q *JobQueue) Clear() {
	q.jobs = nil
}

// Jobs returns clones of the queued jobs in dispatch order.
func (q *JobQueue) Jobs() []jobs.PrintJob {
	out := make([]jobs.PrintJob, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, j.Clone())
	}
	return out
}

func (q *JobQueue) CountByStatus(status jobs.Status) int {
	n := 0
	for _, j := range q.jobs {
		if j.Status == status {
			n++
		}
	}
	return n
}

func (q *JobQueue) indexOf(id string) int {
	for i, j := range q.jobs {
		if j.ID == id {
			return i
		}
	}
	return -1
}
