package writeback

import (
	"sync"

	"github.com/ehrlich-b/go-writeback/internal/collab"
)

// MockCollaborator is a fully in-memory collab.Collaborator for tests:
// every inode's "page I/O" is just an integer budget that WritePages
// decrements, and WriteInode/FdataWait always succeed unless told
// otherwise. It matches go-ublk's MockBackend in spirit — a test double
// callers can wire in without standing up real storage.
type MockCollaborator struct {
	mu sync.Mutex

	pagesDirty     map[uint64]int64
	background     int64
	total          int64
	unstableBytes  int64
	inodeTotal     int64
	inodeUnused    int64
	WritepagesErr  error
	WriteInodeErr  error
	FdataWaitErr   error
	writeInodeLog  []uint64
	writepagesLog  []uint64
}

// NewMockCollaborator returns a MockCollaborator with generous default
// thresholds.
func NewMockCollaborator() *MockCollaborator {
	return &MockCollaborator{
		pagesDirty: make(map[uint64]int64),
		background: 1 << 20,
		total:      1 << 21,
	}
}

// SetMappingPages sets how many dirty pages a mapping reports having;
// Writepages consumes them down to zero.
func (m *MockCollaborator) SetMappingPages(mapping uint64, pages int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pagesDirty[mapping] = pages
}

// SetThresholds overrides the values DirtyLimits reports.
func (m *MockCollaborator) SetThresholds(background, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.background, m.total = background, total
}

// SetGlobalState overrides the value UnstableWriteBytes reports and
// records dirty as the page count of mapping 0; DirtyPages reports that
// count plus every other mapping's outstanding pages.
func (m *MockCollaborator) SetGlobalState(dirty, unstable int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unstableBytes = unstable
	m.pagesDirty[0] = dirty
}

// SetInodeCounts overrides the values InodeCounts reports.
func (m *MockCollaborator) SetInodeCounts(total, unused int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inodeTotal, m.inodeUnused = total, unused
}

// Writepages implements collab.Writepages.
func (m *MockCollaborator) Writepages(mapping uint64, wbc *collab.WbControl) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writepagesLog = append(m.writepagesLog, mapping)
	remaining := m.pagesDirty[mapping]
	n := wbc.NrToWrite
	if remaining < n {
		n = remaining
	}
	m.pagesDirty[mapping] = remaining - n
	wbc.NrToWrite -= n
	return m.WritepagesErr
}

// FdataWait implements collab.FdataWait.
func (m *MockCollaborator) FdataWait(mapping uint64) error { return m.FdataWaitErr }

// WriteInode implements collab.WriteInode.
func (m *MockCollaborator) WriteInode(inodeID uint64, wbc *collab.WbControl) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeInodeLog = append(m.writeInodeLog, inodeID)
	return m.WriteInodeErr
}

// DirtyLimits implements collab.Thresholds.
func (m *MockCollaborator) DirtyLimits() (background, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.background, m.total
}

// DirtyPages implements collab.GlobalPageState.
func (m *MockCollaborator) DirtyPages() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, v := range m.pagesDirty {
		total += v
	}
	return total
}

// UnstableWriteBytes implements collab.GlobalPageState.
func (m *MockCollaborator) UnstableWriteBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unstableBytes
}

// InodeCounts implements collab.InodesStat.
func (m *MockCollaborator) InodeCounts() (total, unused int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inodeTotal, m.inodeUnused
}

// MappingDirty implements collab.MappingState.
func (m *MockCollaborator) MappingDirty(mapping uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pagesDirty[mapping] > 0
}

// WriteInodeCalls returns the inode IDs WriteInode was called with, in
// order.
func (m *MockCollaborator) WriteInodeCalls() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.writeInodeLog))
	copy(out, m.writeInodeLog)
	return out
}

// WritepagesCalls returns the mapping handles Writepages was called
// with, in order.
func (m *MockCollaborator) WritepagesCalls() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.writepagesLog))
	copy(out, m.writepagesLog)
	return out
}

var _ collab.Collaborator = (*MockCollaborator)(nil)
