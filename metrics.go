package writeback

import (
	"sync/atomic"

	"github.com/ehrlich-b/go-writeback/internal/collab"
)

// Metrics is an atomic-counter implementation of collab.Observer,
// cheap enough to leave wired in permanently. Pages/latency fields are
// running totals; callers that want rates should sample and diff.
type Metrics struct {
	WritepagesCalls   uint64
	WritepagesPages   uint64
	WritepagesNanos   uint64
	WritepagesFailed  uint64
	WriteInodeCalls   uint64
	WriteInodeNanos   uint64
	WriteInodeFailed  uint64
	SyncWaitCalls     uint64
	SyncWaitNanos     uint64
	QueueDepthSamples uint64
	QueueDepthSum     uint64
}

// ObserveWritepages implements collab.Observer.
func (m *Metrics) ObserveWritepages(pages, latencyNs uint64, success bool) {
	atomic.AddUint64(&m.WritepagesCalls, 1)
	atomic.AddUint64(&m.WritepagesPages, pages)
	atomic.AddUint64(&m.WritepagesNanos, latencyNs)
	if !success {
		atomic.AddUint64(&m.WritepagesFailed, 1)
	}
}

// ObserveWriteInode implements collab.Observer.
func (m *Metrics) ObserveWriteInode(latencyNs uint64, success bool) {
	atomic.AddUint64(&m.WriteInodeCalls, 1)
	atomic.AddUint64(&m.WriteInodeNanos, latencyNs)
	if !success {
		atomic.AddUint64(&m.WriteInodeFailed, 1)
	}
}

// ObserveSyncWait implements collab.Observer.
func (m *Metrics) ObserveSyncWait(latencyNs uint64) {
	atomic.AddUint64(&m.SyncWaitCalls, 1)
	atomic.AddUint64(&m.SyncWaitNanos, latencyNs)
}

// ObserveQueueDepth implements collab.Observer.
func (m *Metrics) ObserveQueueDepth(depth uint32) {
	atomic.AddUint64(&m.QueueDepthSamples, 1)
	atomic.AddUint64(&m.QueueDepthSum, uint64(depth))
}

// Snapshot returns a copy of the current counter values, safe to read
// concurrently with further Observe* calls.
func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		WritepagesCalls:   atomic.LoadUint64(&m.WritepagesCalls),
		WritepagesPages:   atomic.LoadUint64(&m.WritepagesPages),
		WritepagesNanos:   atomic.LoadUint64(&m.WritepagesNanos),
		WritepagesFailed:  atomic.LoadUint64(&m.WritepagesFailed),
		WriteInodeCalls:   atomic.LoadUint64(&m.WriteInodeCalls),
		WriteInodeNanos:   atomic.LoadUint64(&m.WriteInodeNanos),
		WriteInodeFailed:  atomic.LoadUint64(&m.WriteInodeFailed),
		SyncWaitCalls:     atomic.LoadUint64(&m.SyncWaitCalls),
		SyncWaitNanos:     atomic.LoadUint64(&m.SyncWaitNanos),
		QueueDepthSamples: atomic.LoadUint64(&m.QueueDepthSamples),
		QueueDepthSum:     atomic.LoadUint64(&m.QueueDepthSum),
	}
}

var _ collab.Observer = (*Metrics)(nil)
