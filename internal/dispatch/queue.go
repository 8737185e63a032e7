// ABOUTME: Pending job queue ordered by priority (highest first) then arrival.
// ABOUTME: Not safe for concurrent use; the coordinator mutex guards it.

package dispatch

import (
	"slices"

	"github.com/2389/gantry/internal/store"
	"github.com/2389/gantry/internal/work"
)

type pendingJob struct {
	job *store.Job
	seq uint64
}

func (p *pendingJob) id() work.JobIdentifier { return p.job.Identifier() }

func (p *pendingJob) before(o *pendingJob) bool {
	if p.job.Plan.Priority != o.job.Plan.Priority {
		return p.job.Plan.Priority > o.job.Plan.Priority
	}
	return p.seq < o.seq
}

type queue struct {
	items []*pendingJob
	next  uint64
}

// push inserts job keeping the queue ordered. A job already queued is not
// added twice.
func (q *queue) push(job *store.Job) {
	if q.find(job.BuildID) >= 0 {
		return
	}
	q.next++
	p := &pendingJob{job: job, seq: q.next}
	q.insert(p)
}

// restore puts back an item taken earlier, keeping its original position.
func (q *queue) restore(p *pendingJob) {
	if q.find(p.job.BuildID) >= 0 {
		return
	}
	q.insert(p)
}

func (q *queue) insert(p *pendingJob) {
	i, _ := slices.BinarySearchFunc(q.items, p, func(a, b *pendingJob) int {
		if a.before(b) {
			return -1
		}
		return 1
	})
	q.items = slices.Insert(q.items, i, p)
}

// takeFirst removes and returns the first job that eligible accepts.
func (q *queue) takeFirst(eligible func(work.JobPlan) bool) *pendingJob {
	for i, p := range q.items {
		if eligible(p.job.Plan) {
			q.items = slices.Delete(q.items, i, i+1)
			return p
		}
	}
	return nil
}

// remove drops the job with buildID and returns it.
func (q *queue) remove(buildID int64) *pendingJob {
	i := q.find(buildID)
	if i < 0 {
		return nil
	}
	p := q.items[i]
	q.items = slices.Delete(q.items, i, i+1)
	return p
}

func (q *queue) find(buildID int64) int {
	return slices.IndexFunc(q.items, func(p *pendingJob) bool { return p.job.BuildID == buildID })
}

func (q *queue) Len() int { return len(q.items) }

// snapshot returns the queued jobs in dispatch order.
func (q *queue) snapshot() []*store.Job {
	out := make([]*store.Job, len(q.items))
	for i, p := range q.items {
		out[i] = p.job
	}
	return out
}
