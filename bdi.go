package writeback

import (
	"sync"

	"github.com/ehrlich-b/go-writeback/internal/flusher"
	"github.com/ehrlich-b/go-writeback/internal/inodeset"
)

// BDI is one backing device: its own inode registry (B_DIRTY/B_IO/
// B_MORE_IO plus the in-use/unused lists) and the flusher worker
// currently servicing it, if any. Matching the original's bdi_writeback,
// every BDI a caller registers gets its own queue set and its own
// respawnable flusher loop.
type BDI struct {
	Name string

	engine   *Engine
	registry *inodeset.Registry

	mu      sync.Mutex
	worker  *flusher.Worker
	running bool
}

// ensureWorker starts a fresh flusher.Worker for this device if one is
// not already running — the respawn half of the idle-exit/respawn pair
// a bdi_writeback_task implements: the worker that idled out is gone,
// but the next bit of work submitted to this device brings a new one up
// in its place.
func (b *BDI) ensureWorker() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	w := flusher.NewWorker(flusher.Config{
		Device:       b.Name,
		Registry:     b.registry,
		Dispatcher:   b.engine.disp,
		Collaborator: b.engine.coll,
		Observer:     b.engine.obs,
		Logger:       b.engine.log,
		Tunables:     b.engine.tunables,
	})
	b.worker = w
	b.running = true

	go func() {
		w.Run(b.engine.ctx)
		b.mu.Lock()
		b.running = false
		b.worker = nil
		b.mu.Unlock()
	}()
}

// stop signals this device's running worker, if any, to exit and waits
// for it.
func (b *BDI) stop() {
	b.mu.Lock()
	w := b.worker
	b.mu.Unlock()
	if w == nil {
		return
	}
	w.Stop()
	<-w.Done()
}
