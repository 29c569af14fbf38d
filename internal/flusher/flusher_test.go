package flusher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/go-writeback/backend"
	"github.com/ehrlich-b/go-writeback/internal/collab"
	"github.com/ehrlich-b/go-writeback/internal/constants"
	"github.com/ehrlich-b/go-writeback/internal/inodeset"
	"github.com/ehrlich-b/go-writeback/internal/wbqueue"
)

type fakeCollaborator struct {
	mu         sync.Mutex
	background int64
	total      int64
	dirty      int64
	unstable   int64
	instat     int64
	unused     int64
	stillDirty bool
	writeErr   error
}

func (f *fakeCollaborator) Writepages(mapping uint64, wbc *collab.WbControl) error {
	wbc.NrToWrite--
	return f.writeErr
}
func (f *fakeCollaborator) FdataWait(mapping uint64) error                    { return nil }
func (f *fakeCollaborator) WriteInode(id uint64, wbc *collab.WbControl) error { return nil }
func (f *fakeCollaborator) DirtyLimits() (int64, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.background, f.total
}
func (f *fakeCollaborator) DirtyPages() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty
}
func (f *fakeCollaborator) UnstableWriteBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unstable
}
func (f *fakeCollaborator) InodeCounts() (int64, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instat, f.unused
}
func (f *fakeCollaborator) MappingDirty(mapping uint64) bool { return f.stillDirty }

func fastTunables() constants.Tunables {
	return constants.Tunables{
		WritebackInterval: 5 * time.Millisecond,
		ExpireInterval:    time.Hour,
		BackgroundRatio:   constants.DefaultBackgroundRatio,
		Ratio:             constants.DefaultRatio,
		IdleTimeout:       30 * time.Millisecond,
	}
}

func TestWorkerDrainsDirtyInodesOnSyncJob(t *testing.T) {
	reg := inodeset.NewRegistry()
	disp := wbqueue.NewDispatcher()
	disp.Register("dev0")

	for i := 0; i < 5; i++ {
		ino := reg.NewInode(1, uint64(i))
		reg.MarkDirty(ino.ID, inodeset.DirtyPages)
	}

	coll := &fakeCollaborator{}
	w := NewWorker(Config{
		Device:       "dev0",
		Registry:     reg,
		Dispatcher:   disp,
		Collaborator: coll,
		Tunables:     fastTunables(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer func() {
		cancel()
		<-w.Done()
	}()

	job := disp.SubmitSync(wbqueue.JobArgs{SyncMode: collab.SyncAll, NrPages: constants.UnboundedPages}, []string{"dev0"})
	_ = job

	deadline := time.After(time.Second)
	for {
		reg.Lock()
		dirty := reg.Len(inodeset.QueueBDirty) + reg.Len(inodeset.QueueBIO) + reg.Len(inodeset.QueueBMoreIO)
		reg.Unlock()
		if dirty == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("inodes never drained, %d still dirty-tracked", dirty)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWorkerIdleExitsAfterTimeout(t *testing.T) {
	reg := inodeset.NewRegistry()
	disp := wbqueue.NewDispatcher()
	disp.Register("dev0")

	w := NewWorker(Config{
		Device:     "dev0",
		Registry:   reg,
		Dispatcher: disp,
		Tunables:   fastTunables(),
	})

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("worker never idled out")
	}
}

func TestWorkerBackgroundPassStopsUnderThreshold(t *testing.T) {
	reg := inodeset.NewRegistry()
	disp := wbqueue.NewDispatcher()
	disp.Register("dev0")

	for i := 0; i < 3; i++ {
		ino := reg.NewInode(1, uint64(i))
		reg.MarkDirty(ino.ID, inodeset.DirtyPages)
	}

	coll := &fakeCollaborator{background: 10, dirty: 0}
	w := NewWorker(Config{
		Device:       "dev0",
		Registry:     reg,
		Dispatcher:   disp,
		Collaborator: coll,
		Tunables:     fastTunables(),
	})

	job := &wbqueue.Job{Args: wbqueue.JobArgs{SyncMode: collab.SyncNone, ForBackground: true, NrPages: constants.UnboundedPages}}
	wrote := w.wbWriteback(context.Background(), job)
	if wrote != 0 {
		t.Fatalf("expected background pass to short-circuit with no writes, wrote %d", wrote)
	}

	reg.Lock()
	defer reg.Unlock()
	if reg.Len(inodeset.QueueBDirty) != 3 {
		t.Fatalf("expected inodes left untouched on B_DIRTY, got %d remaining", reg.Len(inodeset.QueueBDirty))
	}
}

func TestWritebackPassLivelockGuardStopsAtFreshlyRedirtied(t *testing.T) {
	reg := inodeset.NewRegistry()
	disp := wbqueue.NewDispatcher()
	disp.Register("dev0")

	old := reg.NewInode(1, 1)
	reg.MarkDirty(old.ID, inodeset.DirtyPages)

	reg.Lock()
	reg.QueueIO(nil)
	reg.Unlock()

	wbc := &collab.WbControl{SyncMode: collab.SyncNone, NrToWrite: 10, WBStart: time.Now()}

	// Simulate a redirty that lands after this pass's wb_start: the
	// scan must not touch it.
	fresh := reg.NewInode(1, 2)
	reg.MarkDirty(fresh.ID, inodeset.DirtyPages)
	reg.Lock()
	reg.QueueIO(nil)
	reg.Unlock()

	coll := &fakeCollaborator{}
	w := NewWorker(Config{Device: "dev0", Registry: reg, Dispatcher: disp, Collaborator: coll, Tunables: fastTunables()})

	job := &wbqueue.Job{Args: wbqueue.JobArgs{SyncMode: collab.SyncNone}}
	wrote := w.writebackPass(context.Background(), job, wbc)

	if wrote != 1 {
		t.Fatalf("expected only the pre-existing inode written, wrote %d", wrote)
	}
	if fresh.Queue() != inodeset.QueueBIO {
		t.Fatalf("expected freshly-redirtied inode left untouched on B_IO, got %v", fresh.Queue())
	}
}

// S2: integrity barrier. Two inodes on the same superblock, both dirty.
// A synchronous ALL submission must not return until the worker has
// run write_single on both of them.
func TestWorkerIntegritySyncBlocksUntilBothInodesWritten(t *testing.T) {
	reg := inodeset.NewRegistry()
	disp := wbqueue.NewDispatcher()
	disp.Register("dev0")

	i1 := reg.NewInode(1, 10)
	i2 := reg.NewInode(1, 20)
	reg.MarkDirty(i1.ID, inodeset.DirtySync)
	reg.MarkDirty(i2.ID, inodeset.DirtySync)

	mem := backend.NewMemory()
	mem.SetMappingPages(10, 2)
	mem.SetMappingPages(20, 2)

	w := NewWorker(Config{Device: "dev0", Registry: reg, Dispatcher: disp, Collaborator: mem, Tunables: fastTunables()})
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer func() {
		cancel()
		<-w.Done()
	}()

	job := disp.SubmitSync(wbqueue.JobArgs{SB: 1, SyncMode: collab.SyncAll, NrPages: constants.UnboundedPages}, []string{"dev0"})
	if got := job.Err(); got != nil {
		t.Fatalf("expected no error from a clean sync pass, got %v", got)
	}

	reg.Lock()
	defer reg.Unlock()
	for _, ino := range []*inodeset.Inode{i1, i2} {
		if reg.IsSync(ino) {
			t.Fatalf("inode %d still marked SYNC after SubmitSync returned", ino.ID)
		}
	}
	if mem.MappingDirty(10) || mem.MappingDirty(20) {
		t.Fatalf("expected both mappings clean after the integrity pass")
	}
}

// S5: budget exhaustion. A single inode with far more dirty pages than
// one MaxWritebackPages slice must be drained across several rounds,
// each bounded to the slice size, for a total equal to its full backlog.
func TestWbWritebackSlicesLargeMappingAcrossMultipleRounds(t *testing.T) {
	reg := inodeset.NewRegistry()
	disp := wbqueue.NewDispatcher()
	disp.Register("dev0")

	const totalPages = int64(5000)
	ino := reg.NewInode(1, 1)
	reg.MarkDirty(ino.ID, inodeset.DirtyPages)

	mem := backend.NewMemory()
	mem.SetMappingPages(1, totalPages)

	w := NewWorker(Config{Device: "dev0", Registry: reg, Dispatcher: disp, Collaborator: mem, Tunables: fastTunables()})

	job := &wbqueue.Job{Args: wbqueue.JobArgs{SyncMode: collab.SyncNone, NrPages: 10000, RangeCyclic: true}}
	wrote := w.wbWriteback(context.Background(), job)

	if wrote != totalPages {
		t.Fatalf("expected all %d pages eventually written, got %d", totalPages, wrote)
	}
	if mem.MappingDirty(1) {
		t.Fatalf("expected mapping fully clean once its backlog was drained")
	}
}

// Superblock mismatch during a scoped pass must redirty_tail the inode
// (back to B_DIRTY) rather than requeue_io (into B_MORE_IO): leaving it
// on B_MORE_IO would make wbWriteback's "more IO pending" check never
// clear and QueueIO would keep re-feeding the same inode into B_IO every
// round, since it can never match the job's superblock filter.
func TestWritebackPassRedirtiesSuperblockMismatchInsteadOfRequeuing(t *testing.T) {
	reg := inodeset.NewRegistry()
	disp := wbqueue.NewDispatcher()
	disp.Register("dev0")

	target := reg.NewInode(1, 1)
	other := reg.NewInode(2, 2)
	reg.MarkDirty(target.ID, inodeset.DirtyPages)
	reg.MarkDirty(other.ID, inodeset.DirtyPages)

	mem := backend.NewMemory()
	mem.SetMappingPages(1, 1)
	mem.SetMappingPages(2, 1)

	w := NewWorker(Config{Device: "dev0", Registry: reg, Dispatcher: disp, Collaborator: mem, Tunables: fastTunables()})

	job := &wbqueue.Job{Args: wbqueue.JobArgs{SB: 1, SyncMode: collab.SyncNone, NrPages: constants.UnboundedPages}}
	wrote := w.wbWriteback(context.Background(), job)

	if wrote != 1 {
		t.Fatalf("expected exactly the matching-sb inode written, wrote %d", wrote)
	}

	reg.Lock()
	defer reg.Unlock()
	if other.Queue() != inodeset.QueueBDirty {
		t.Fatalf("expected mismatched-sb inode back on B_DIRTY, got %v", other.Queue())
	}
	if reg.Len(inodeset.QueueBMoreIO) != 0 {
		t.Fatalf("expected B_MORE_IO empty, a requeue_io here would have left it non-empty and looped forever")
	}
}

func TestCheckOldDataFlushSkipsWhenNothingToDo(t *testing.T) {
	reg := inodeset.NewRegistry()
	disp := wbqueue.NewDispatcher()
	disp.Register("dev0")

	coll := &fakeCollaborator{dirty: 0, unstable: 0, instat: 5, unused: 5}
	w := NewWorker(Config{Device: "dev0", Registry: reg, Dispatcher: disp, Collaborator: coll, Tunables: fastTunables()})

	// Should return immediately without panicking on an empty registry.
	w.checkOldDataFlush(context.Background())
}
