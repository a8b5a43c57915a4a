package queue

import "sync"

// JobQueue is a concurrency-safe FIFO of pending jobs.
type JobQueue struct {
	mu   sync.Mutex
	jobs []*Job
}

// NewJobQueue returns an empty queue.
func NewJobQueue() *JobQueue {
	return &JobQueue{}
}

// Enqueue appends job and reports whether it was accepted. A job whose
// source, file identity and destination match an already queued job is
// rejected.
func (q *JobQueue) Enqueue(job *Job) bool {
	if job == nil {
		return false
	}
	key := job.identity()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, queued := range q.jobs {
		if queued.identity() == key {
			return false
		}
	}
	q.jobs = append(q.jobs, job)
	return true
}

// DequeueNext pops the oldest job.
func (q *JobQueue) DequeueNext() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, false
	}
	job := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return job, true
}

// Remove takes a queued job out by id.
func (q *JobQueue) Remove(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, job := range q.jobs {
		if job.ID != id {
			continue
		}
		q.jobs = append(q.jobs[:i:i], q.jobs[i+1:]...)
		return job, true
	}
	return nil, false
}

// Drain removes and returns every queued job in order.
func (q *JobQueue) Drain() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.jobs
	q.jobs = nil
	return drained
}

// Size returns the number of queued jobs.
func (q *JobQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Snapshot returns copies of the queued jobs in FIFO order.
func (q *JobQueue) Snapshot() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, job.Snapshot())
	}
	return out
}
