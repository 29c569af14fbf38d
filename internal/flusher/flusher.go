// Package flusher implements the per-device flusher loop of spec §4.3:
// wb_writeback's outer budget/background/livelock logic built on top of
// internal/writer's single-inode algorithm, plus the idle-exit and
// periodic kupdate sweep of bdi_writeback_task. Its lifecycle —
// NewWorker/Run/Stop/Done — mirrors go-ublk's per-queue Runner
// (NewStubRunner/Start/Stop/Close/ioLoop): one Worker is one episode of
// the loop, and a caller that wants the device to keep flushing after an
// idle exit simply constructs and runs a fresh Worker.
package flusher

import (
	"context"
	"sync"
	"time"

	"github.com/ehrlich-b/go-writeback/internal/collab"
	"github.com/ehrlich-b/go-writeback/internal/constants"
	"github.com/ehrlich-b/go-writeback/internal/inodeset"
	"github.com/ehrlich-b/go-writeback/internal/wbqueue"
	"github.com/ehrlich-b/go-writeback/internal/writer"
)

// Config bundles everything one Worker needs. Device names the backing
// device this worker services; it must match the name used to
// Register/QueueWork on Dispatcher.
type Config struct {
	Device       string
	Registry     *inodeset.Registry
	Dispatcher   *wbqueue.Dispatcher
	Collaborator collab.Collaborator
	Observer     collab.Observer
	Logger       collab.Logger
	Tunables     constants.Tunables
	// Clock is substitutable for deterministic tests; defaults to
	// time.Now.
	Clock func() time.Time
}

// Worker runs one episode of the flusher loop for a single device. It
// is not reusable: once Run returns, construct a new Worker to resume
// (the idle-exit/respawn split of spec's supplemented bdi_writeback_task
// behavior; respawning is the caller's — the root engine's — job).
type Worker struct {
	cfg Config

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	lastActive time.Time
}

// NewWorker constructs a Worker ready to Run.
func NewWorker(cfg Config) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Tunables == (constants.Tunables{}) {
		cfg.Tunables = constants.DefaultTunables()
	}
	return &Worker{
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		lastActive: cfg.Clock(),
	}
}

// Stop signals Run to exit at its next opportunity. Safe to call more
// than once and from any goroutine.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Done returns a channel closed when Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.doneCh }

// Run is the flusher loop itself (bdi_writeback_task): pull the next
// job for this device, run a wb_writeback pass over it, clear its
// pending count, repeat. When no job arrives within the writeback
// interval it runs the periodic background sweep instead, and exits
// once nothing has kept it busy for IdleTimeout. It returns when
// stopped, when ctx is done, or when the dispatcher's queue for this
// device is closed.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		job, closed := w.cfg.Dispatcher.NextJobTimeout(w.cfg.Device, w.cfg.Tunables.WritebackInterval)
		if closed {
			return
		}
		if job == nil {
			w.checkOldDataFlush(ctx)
			if w.cfg.Clock().Sub(w.lastActive) > w.cfg.Tunables.IdleTimeout {
				if w.cfg.Logger != nil {
					w.cfg.Logger.Debugf("flusher: %s idling out after %s", w.cfg.Device, w.cfg.Tunables.IdleTimeout)
				}
				return
			}
			continue
		}

		w.lastActive = w.cfg.Clock()

		// wb_do_writeback's notification split: an opportunistic
		// (NONE) job is cleared as soon as it has been picked up —
		// the submitter never waits on it anyway — while an
		// integrity (ALL) job stays pending until the pass that
		// services it has actually finished, since a synchronous
		// submitter is blocked on exactly that signal.
		if job.Args.SyncMode == collab.SyncNone {
			w.cfg.Dispatcher.ClearPending(job)
			w.wbWriteback(ctx, job)
		} else {
			w.wbWriteback(ctx, job)
			w.cfg.Dispatcher.ClearPending(job)
		}
	}
}

// checkOldDataFlush is wb_check_old_data_flush: a periodic pass run
// whenever the loop has been idle for one writeback interval, sized by
// the original's nr_pages formula — dirty file pages plus unstable NFS
// bytes plus the gap between total and unused inodes — skipped entirely
// if that comes out non-positive.
func (w *Worker) checkOldDataFlush(ctx context.Context) {
	coll := w.cfg.Collaborator
	if coll == nil {
		return
	}
	dirty := coll.DirtyPages()
	unstable := coll.UnstableWriteBytes()
	total, unused := coll.InodeCounts()
	nrPages := dirty + unstable + (total - unused)
	if nrPages <= 0 {
		return
	}

	job := &wbqueue.Job{Args: wbqueue.JobArgs{
		SyncMode:    collab.SyncNone,
		NrPages:     nrPages,
		ForKupdate:  true,
		RangeCyclic: true,
	}}
	w.wbWriteback(ctx, job)
}

// wbWriteback is wb_writeback's outer loop: it slices work into
// MaxWritebackPages-sized rounds, refills B_IO via queue_io whenever it
// runs dry, and keeps going until the page budget is consumed, B_MORE_IO
// is empty, or a background pass finds dirty memory has dropped back
// under the background threshold. The budget check comes first at the
// top of every iteration, ahead of the background-threshold check,
// exactly as in the original: a job with nothing left in its budget
// never gets to ask about thresholds at all.
func (w *Worker) wbWriteback(ctx context.Context, job *wbqueue.Job) int64 {
	wbc := &collab.WbControl{
		SB:            job.Args.SB,
		SyncMode:      job.Args.SyncMode,
		RangeCyclic:   job.Args.RangeCyclic,
		ForKupdate:    job.Args.ForKupdate,
		ForBackground: job.Args.ForBackground,
	}
	if !wbc.RangeCyclic {
		wbc.RangeStart = 0
		wbc.RangeEnd = -1
	}

	nrPages := job.Args.NrPages

	var wrote int64
	for {
		if nrPages <= 0 {
			break
		}
		if wbc.ForBackground && !w.overBackgroundThreshold() {
			break
		}

		wbc.MoreIO = false
		wbc.NrToWrite = constants.MaxWritebackPages
		wbc.PagesSkipped = 0
		wbc.WBStart = w.cfg.Clock()

		var olderThan *time.Time
		if job.Args.ForKupdate {
			cutoff := wbc.WBStart.Add(-w.cfg.Tunables.ExpireInterval)
			olderThan = &cutoff
		} else {
			olderThan = job.Args.OlderThan
		}

		w.cfg.Registry.Lock()
		if w.cfg.Registry.Empty(inodeset.QueueBIO) {
			w.cfg.Registry.QueueIO(olderThan)
		}
		w.cfg.Registry.Unlock()

		w.writebackPass(ctx, job, wbc)

		consumed := constants.MaxWritebackPages - wbc.NrToWrite
		nrPages -= consumed
		wrote += consumed

		if ctx.Err() != nil {
			break
		}
		if wbc.NrToWrite <= 0 {
			continue
		}

		w.cfg.Registry.Lock()
		moreIO := !w.cfg.Registry.Empty(inodeset.QueueBMoreIO)
		w.cfg.Registry.Unlock()
		if !moreIO {
			break
		}
	}
	return wrote
}

// writebackPass is writeback_sb_inodes/writeback_inodes_wb combined: it
// walks B_IO from the tail, sending an inode belonging to a different
// superblock than the job targets back to B_DIRTY (redirty_tail, not
// requeue_io — B_IO's same-sb grouping means a mismatch here marks the
// end of this pass's run of matching inodes, not a temporary hiccup
// worth revisiting on the very next B_IO refill), skipping inodes that
// are mid-construction/teardown or (in opportunistic mode) already
// under writeback elsewhere, and stopping the moment it reaches an
// inode dirtied after this pass started — the livelock guard that keeps
// a pass from chasing its own redirty_tail insertions forever.
func (w *Worker) writebackPass(ctx context.Context, job *wbqueue.Job, wbc *collab.WbControl) int64 {
	var wrote int64
	for {
		if ctx.Err() != nil {
			return wrote
		}

		w.cfg.Registry.Lock()
		ino := w.cfg.Registry.Tail(inodeset.QueueBIO)
		if ino == nil {
			w.cfg.Registry.Unlock()
			return wrote
		}
		if job.Args.SB != 0 && ino.SB != job.Args.SB {
			w.cfg.Registry.RedirtyTail(ino)
			w.cfg.Registry.Unlock()
			continue
		}
		if ino.State().Any(inodeset.New | inodeset.WillFree | inodeset.Freeing) {
			w.cfg.Registry.RequeueIO(ino)
			w.cfg.Registry.Unlock()
			continue
		}
		if wbc.SyncMode == collab.SyncNone && w.cfg.Registry.IsSync(ino) {
			w.cfg.Registry.RequeueIO(ino)
			w.cfg.Registry.Unlock()
			continue
		}
		if ino.DirtiedWhen().After(wbc.WBStart) {
			w.cfg.Registry.Unlock()
			return wrote
		}
		w.cfg.Registry.Unlock()

		skippedBefore := wbc.PagesSkipped
		out := writer.WriteSingle(ctx, w.cfg.Registry, ino, w.cfg.Collaborator, w.cfg.Observer, w.cfg.Logger, wbc)
		if out.Err != nil {
			job.RecordError(out.Err)
		}
		if !out.Skipped {
			wrote++
		}

		// writeback made no progress on this inode (the collaborator
		// left pages behind via PagesSkipped, typically a locked
		// buffer) — override whatever disposition write_single picked
		// and give it another lap at the back of B_DIRTY rather than
		// calling it done.
		if !out.Skipped && wbc.PagesSkipped != skippedBefore {
			w.cfg.Registry.Lock()
			w.cfg.Registry.RedirtyTail(ino)
			w.cfg.Registry.Unlock()
		}

		if wbc.NrToWrite <= 0 {
			return wrote
		}
	}
}

func (w *Worker) overBackgroundThreshold() bool {
	coll := w.cfg.Collaborator
	if coll == nil {
		return true
	}
	background, _ := coll.DirtyLimits()
	dirty := coll.DirtyPages() + coll.UnstableWriteBytes()
	return dirty > background
}
