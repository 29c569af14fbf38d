// Package wbqueue implements the work-item dispatcher of spec §4.4: a
// caller submits a JobArgs describing a writeback pass, the dispatcher
// hands it to every backing device it targets, and each device's
// flusher loop pulls jobs off its own queue with NextJob. A job
// submitted to several devices at once (a whole-system sync) carries a
// pending counter so the last device to finish it is the one that
// unblocks a synchronous submitter — the Go equivalent of the original's
// bdi_work seen-bitmap-plus-pending-count bookkeeping, minus the bitmap:
// since a job is queued onto a given device's list at most once, there
// is nothing for a seen bit to deduplicate here.
//
// A synchronously submitted job is conceptually ON_STACK — its done
// channel is what the submitter blocks on, mirroring the original's
// stack-resident wb_writeback_args plus completion. An opportunistic
// job is the heap-allocated case: once every targeted device has called
// ClearPending on it and its pending count reaches zero, the dispatcher
// drops its own reference and Go's garbage collector reclaims it,
// standing in for the original's RCU-deferred kfree (spec §9).
package wbqueue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-writeback/internal/collab"
)

// JobArgs describes one writeback pass, the payload carried by a Job —
// the Go analogue of struct wb_writeback_args.
type JobArgs struct {
	SB            collab.SuperblockRef
	SyncMode      collab.SyncMode
	NrPages       int64
	OlderThan     *time.Time
	ForKupdate    bool
	ForBackground bool
	RangeCyclic   bool
}

// Job is one unit of dispatched work, possibly shared across several
// backing devices' queues at once.
type Job struct {
	Args JobArgs

	sync    bool
	pending int32
	done    chan struct{}

	errMu sync.Mutex
	err   error
}

// Sync reports whether this job has a waiting synchronous submitter.
func (j *Job) Sync() bool { return j.sync }

// Done returns a channel closed once every device this job was
// targeted at has called ClearPending on it.
func (j *Job) Done() <-chan struct{} { return j.done }

// RecordError keeps the first non-nil error any device reports while
// processing this job — the "propagate the first I/O error" contract
// spec §7 gives sync_inodes_sb. Safe to call from several devices'
// flusher loops concurrently.
func (j *Job) RecordError(err error) {
	if err == nil {
		return
	}
	j.errMu.Lock()
	if j.err == nil {
		j.err = err
	}
	j.errMu.Unlock()
}

// Err returns the first error recorded via RecordError, or nil.
func (j *Job) Err() error {
	j.errMu.Lock()
	defer j.errMu.Unlock()
	return j.err
}

// Dispatcher owns one FIFO queue per named backing device plus the
// bookkeeping set of jobs still in flight anywhere — the work_list of
// spec §4.4.
type Dispatcher struct {
	mu     sync.Mutex
	queues map[string]*deviceQueue
	inFlight map[*Job]struct{}
}

type deviceQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []*Job
	closed bool
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		queues:   make(map[string]*deviceQueue),
		inFlight: make(map[*Job]struct{}),
	}
}

// Register creates the named device's queue if it does not already
// exist. Idempotent.
func (d *Dispatcher) Register(device string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureQueueLocked(device)
}

func (d *Dispatcher) ensureQueueLocked(device string) *deviceQueue {
	q, ok := d.queues[device]
	if !ok {
		q = &deviceQueue{}
		q.cond = sync.NewCond(&q.mu)
		d.queues[device] = q
	}
	return q
}

// Devices returns the names of every device registered with d.
func (d *Dispatcher) Devices() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.queues))
	for name := range d.queues {
		out = append(out, name)
	}
	return out
}

// QueueWork is queue_work: it links job onto every named device's
// queue and sets its pending count to len(devices), then wakes each
// device's NextJob waiter. Caller must not reuse job afterward except
// via the Job's own accessors.
func (d *Dispatcher) QueueWork(job *Job, devices []string) {
	d.mu.Lock()
	d.inFlight[job] = struct{}{}
	for _, name := range devices {
		q := d.ensureQueueLocked(name)
		d.mu.Unlock()
		q.mu.Lock()
		atomic.AddInt32(&job.pending, 1)
		q.items = append(q.items, job)
		q.cond.Signal()
		q.mu.Unlock()
		d.mu.Lock()
	}
	d.mu.Unlock()
}

// SubmitSync is submit_sync: it queues job for devices and blocks until
// every one of them has called ClearPending on it, the ON_STACK
// submission path of spec §4.4.
func (d *Dispatcher) SubmitSync(args JobArgs, devices []string) *Job {
	job := &Job{Args: args, sync: true, done: make(chan struct{})}
	d.QueueWork(job, devices)
	<-job.done
	return job
}

// SubmitOpportunistic is submit_opportunistic: it queues job and
// returns immediately without waiting for any device to process it,
// the heap-allocated fire-and-forget path of spec §4.4. The returned
// Job's Done channel still closes once every targeted device clears
// it, for callers (like writeback_inodes_sb_if_idle's "in progress"
// tracking) that want to observe completion without blocking the
// submitter.
func (d *Dispatcher) SubmitOpportunistic(args JobArgs, devices []string) *Job {
	job := &Job{Args: args, done: make(chan struct{})}
	d.QueueWork(job, devices)
	return job
}

// SubmitAll targets every device currently registered with d — the
// whole-system sync entry point.
func (d *Dispatcher) SubmitAll(args JobArgs, sync bool) *Job {
	devices := d.Devices()
	if sync {
		return d.SubmitSync(args, devices)
	}
	return d.SubmitOpportunistic(args, devices)
}

// NextJob is next_job: it blocks until device's queue has a job, pops
// and returns it in FIFO order. It returns nil if the device's queue
// has been closed and drained (Close was called with nothing left).
func (d *Dispatcher) NextJob(device string) *Job {
	d.mu.Lock()
	q := d.ensureQueueLocked(device)
	d.mu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil
	}
	job := q.items[0]
	q.items = q.items[1:]
	return job
}

// NextJobTimeout behaves like NextJob but gives up after timeout with
// no job queued, returning (nil, false). It returns (nil, true) if the
// device's queue was closed instead. The flusher loop uses this to
// notice "nothing submitted in a while" and run its own periodic pass,
// the Go substitute for the original's timed wait on the bdi work
// queue.
func (d *Dispatcher) NextJobTimeout(device string, timeout time.Duration) (*Job, bool) {
	d.mu.Lock()
	q := d.ensureQueueLocked(device)
	d.mu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 && !q.closed {
		timer := time.AfterFunc(timeout, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		defer timer.Stop()
		deadline := time.Now().Add(timeout)
		for len(q.items) == 0 && !q.closed && time.Now().Before(deadline) {
			q.cond.Wait()
		}
	}
	if len(q.items) == 0 {
		return nil, q.closed
	}
	job := q.items[0]
	q.items = q.items[1:]
	return job, false
}

// ClearPending is clear_pending: the calling device marks job as fully
// processed on its end. When every targeted device has done so, job is
// unlinked from the dispatcher's in-flight set exactly once and, if a
// submitter is waiting synchronously on it, woken.
func (d *Dispatcher) ClearPending(job *Job) {
	if atomic.AddInt32(&job.pending, -1) != 0 {
		return
	}
	d.mu.Lock()
	delete(d.inFlight, job)
	d.mu.Unlock()
	close(job.done)
}

// InFlight reports how many jobs are still pending on at least one
// device, for tests and diagnostics.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// Close stops device's queue, waking any blocked NextJob caller once
// it has drained whatever is already queued.
func (d *Dispatcher) Close(device string) {
	d.mu.Lock()
	q := d.ensureQueueLocked(device)
	d.mu.Unlock()

	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
