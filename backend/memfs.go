// Package backend provides ready-to-use collab.Collaborator
// implementations: an in-memory one for tests and demos, and a
// real-file one backed by os and golang.org/x/sys/unix.
package backend

import (
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-writeback/internal/collab"
)

// shardCount mirrors go-ublk's sharded-locking memory backend: instead
// of sharding a byte range, Memory shards by mapping ID hash so
// concurrent writeback of unrelated inodes never contends on the same
// mutex.
const shardCount = 64

type memFile struct {
	dirtyPages  int64
	metaDirty   bool
	writeErr    error
	writepages  int64 // calls observed, for tests
}

// Memory is an in-process, in-memory Collaborator: each mapping is just
// a counter of how many dirty pages it has left, decremented by
// Writepages. It never touches real storage, making it the backend of
// choice for tests and for the bundled demo.
type Memory struct {
	shards [shardCount]sync.Mutex
	files  [shardCount]map[uint64]*memFile

	background int64
	total      int64
	unstable   int64
	inodeTotal int64
	inodeUnused int64
}

// NewMemory creates an empty Memory backend with generous default
// dirty-memory thresholds.
func NewMemory() *Memory {
	m := &Memory{background: 1 << 20, total: 1 << 21}
	for i := range m.files {
		m.files[i] = make(map[uint64]*memFile)
	}
	return m
}

func (m *Memory) shard(mapping uint64) (*sync.Mutex, map[uint64]*memFile) {
	idx := mapping % shardCount
	return &m.shards[idx], m.files[idx]
}

func (m *Memory) fileLocked(mapping uint64, files map[uint64]*memFile) *memFile {
	f, ok := files[mapping]
	if !ok {
		f = &memFile{}
		files[mapping] = f
	}
	return f
}

// SetMappingPages sets how many dirty pages a mapping has outstanding.
func (m *Memory) SetMappingPages(mapping uint64, pages int64) {
	mu, files := m.shard(mapping)
	mu.Lock()
	defer mu.Unlock()
	m.fileLocked(mapping, files).dirtyPages = pages
}

// SetMetadataDirty marks a mapping's inode record itself as needing a
// WriteInode call.
func (m *Memory) SetMetadataDirty(mapping uint64, dirty bool) {
	mu, files := m.shard(mapping)
	mu.Lock()
	defer mu.Unlock()
	m.fileLocked(mapping, files).metaDirty = dirty
}

// SetWriteError makes every Writepages call against mapping fail with
// err, for fault-injection tests.
func (m *Memory) SetWriteError(mapping uint64, err error) {
	mu, files := m.shard(mapping)
	mu.Lock()
	defer mu.Unlock()
	m.fileLocked(mapping, files).writeErr = err
}

// SetThresholds overrides DirtyLimits' return values.
func (m *Memory) SetThresholds(background, total int64) {
	atomic.StoreInt64(&m.background, background)
	atomic.StoreInt64(&m.total, total)
}

// SetUnstableWriteBytes overrides UnstableWriteBytes' return value.
func (m *Memory) SetUnstableWriteBytes(n int64) {
	atomic.StoreInt64(&m.unstable, n)
}

// SetInodeCounts overrides InodeCounts' return values.
func (m *Memory) SetInodeCounts(total, unused int64) {
	atomic.StoreInt64(&m.inodeTotal, total)
	atomic.StoreInt64(&m.inodeUnused, unused)
}

// Writepages implements collab.Writepages.
func (m *Memory) Writepages(mapping uint64, wbc *collab.WbControl) error {
	mu, files := m.shard(mapping)
	mu.Lock()
	defer mu.Unlock()
	f := m.fileLocked(mapping, files)
	f.writepages++

	if f.writeErr != nil {
		return f.writeErr
	}

	n := wbc.NrToWrite
	if f.dirtyPages < n {
		n = f.dirtyPages
	}
	if n < 0 {
		n = 0
	}
	f.dirtyPages -= n
	wbc.NrToWrite -= n
	return nil
}

// FdataWait implements collab.FdataWait. Memory never defers I/O past
// Writepages returning, so there is never anything to wait for.
func (m *Memory) FdataWait(mapping uint64) error { return nil }

// WriteInode implements collab.WriteInode. The engine passes the inode
// ID here, and Memory clears the metadata-dirty flag of the mapping with
// that number, so it matches SetMetadataDirty only for inodes whose ID
// and mapping handle are the same number.
func (m *Memory) WriteInode(mapping uint64, wbc *collab.WbControl) error {
	mu, files := m.shard(mapping)
	mu.Lock()
	defer mu.Unlock()
	f := m.fileLocked(mapping, files)
	f.metaDirty = false
	return nil
}

// DirtyLimits implements collab.Thresholds.
func (m *Memory) DirtyLimits() (background, total int64) {
	return atomic.LoadInt64(&m.background), atomic.LoadInt64(&m.total)
}

// DirtyPages implements collab.GlobalPageState: the sum of every
// mapping's outstanding dirty pages, taken shard by shard so no single
// lock serializes the whole count.
func (m *Memory) DirtyPages() int64 {
	var total int64
	for i := range m.shards {
		m.shards[i].Lock()
		for _, f := range m.files[i] {
			total += f.dirtyPages
		}
		m.shards[i].Unlock()
	}
	return total
}

// UnstableWriteBytes implements collab.GlobalPageState.
func (m *Memory) UnstableWriteBytes() int64 {
	return atomic.LoadInt64(&m.unstable)
}

// InodeCounts implements collab.InodesStat.
func (m *Memory) InodeCounts() (total, unused int64) {
	return atomic.LoadInt64(&m.inodeTotal), atomic.LoadInt64(&m.inodeUnused)
}

// MappingDirty implements collab.MappingState.
func (m *Memory) MappingDirty(mapping uint64) bool {
	mu, files := m.shard(mapping)
	mu.Lock()
	defer mu.Unlock()
	return m.fileLocked(mapping, files).dirtyPages > 0
}

var _ collab.Collaborator = (*Memory)(nil)
