// Package collab defines the narrow collaborator contracts the writeback
// engine depends on but does not implement itself: page I/O submission,
// inode serialization, and global dirty-memory accounting (spec §6). It
// sits below internal/writer and internal/flusher the way go-ublk's
// internal/interfaces sits below internal/queue — separated out so the
// core never has to import a concrete backend, logger, or metrics
// package, and so tests can supply mocks without touching real storage.
package collab

import "time"

// SyncMode mirrors enum writeback_sync_modes.
type SyncMode int

const (
	// SyncNone is opportunistic writeback: don't wait on anything.
	SyncNone SyncMode = iota
	// SyncAll is data-integrity writeback: wait on every mapping.
	SyncAll
)

func (m SyncMode) String() string {
	if m == SyncAll {
		return "ALL"
	}
	return "NONE"
}

// WbControl is the per-pass control block threaded through a single
// writeback_inodes/writeback_sb_inodes/write_single call chain. It is
// always stack-allocated by its owner, same as writeback_control.
type WbControl struct {
	// BDIName, if non-empty, restricts the pass to one backing device.
	BDIName string
	// SB, if non-nil, restricts the pass to inodes of one superblock.
	SB SuperblockRef

	SyncMode SyncMode

	// OlderThan, if non-nil, only inodes dirtied strictly before this
	// instant participate in move_expired.
	OlderThan *time.Time

	// WBStart is stamped by writeback_inodes at the top of a pass and
	// used by the livelock guard in writeback_sb_inodes.
	WBStart time.Time

	NrToWrite    int64 // pages still permitted this slice
	PagesSkipped int64 // pages the collaborator deliberately declined

	RangeCyclic bool
	RangeStart  int64
	RangeEnd    int64 // 0 means unbounded when RangeCyclic is false only if explicitly set; callers use <0 for "infinite"

	// MoreIO is set by writeback_sb_inodes as a hint that another pass
	// is warranted even though this one's budget wasn't exhausted.
	MoreIO bool

	// ForKupdate marks a periodic background pass (the age-driven sweep
	// of wb_check_old_data_flush): an inode that comes back with only
	// DIRTY_PAGES re-set, or whose mapping is still tagged dirty, is
	// handed to select_queue instead of redirtied immediately.
	ForKupdate bool

	// ForBackground marks a pass driven by crossing the background
	// dirty-memory threshold rather than a caller-requested sync; the
	// flusher loop checks it right after the page-count short circuit,
	// per the original's ordering.
	ForBackground bool
}

// SuperblockRef identifies the filesystem an inode belongs to. A zero
// value means "no specific superblock" everywhere a WbControl/JobArgs
// field of this type is optional.
type SuperblockRef uint64

// Writepages writes the dirty pages belonging to mapping (identified by
// an opaque handle carried on the inode), subject to wbc's range, budget
// and sync mode. Implementations must decrement wbc.NrToWrite by the
// number of pages written and increment wbc.PagesSkipped for pages
// deliberately left dirty.
type Writepages interface {
	Writepages(mapping uint64, wbc *WbControl) error
}

// FdataWait waits for all currently in-flight writeback pages of mapping
// to complete. Only called for SyncAll passes.
type FdataWait interface {
	FdataWait(mapping uint64) error
}

// WriteInode persists the inode's on-disk record. Called only when the
// captured dirty snapshot had DirtySync or DirtyDataSync set.
type WriteInode interface {
	WriteInode(inodeID uint64, wbc *WbControl) error
}

// DirtyInodeNotifier is an optional per-filesystem hook invoked on first
// metadata dirtying (sb.dirty_inode in the original).
type DirtyInodeNotifier interface {
	DirtyInode(inodeID uint64)
}

// Thresholds reports the current background and hard dirty-memory
// limits, in pages (get_dirty_limits).
type Thresholds interface {
	DirtyLimits() (background, total int64)
}

// GlobalPageState reports global dirty-memory accounting
// (global_page_state).
type GlobalPageState interface {
	DirtyPages() int64
	UnstableWriteBytes() int64
}

// InodesStat reports the global {nr_inodes, nr_unused} counters.
type InodesStat interface {
	InodeCounts() (total, unused int64)
}

// MappingState reports whether a mapping still has pages tagged dirty
// after a Writepages call returns (mapping_tagged(mapping,
// PAGECACHE_TAG_DIRTY) in the original). write_single consults this to
// decide whether the collaborator only partially cleaned the mapping.
type MappingState interface {
	MappingDirty(mapping uint64) bool
}

// Collaborator bundles every contract a real writeback backend must
// implement. DirtyInodeNotifier is optional — implement it only if the
// filesystem needs the first-dirty notification.
type Collaborator interface {
	Writepages
	FdataWait
	WriteInode
	Thresholds
	GlobalPageState
	InodesStat
	MappingState
}

// Logger is the narrow logging contract, matching go-ublk's
// interfaces.Logger so the same *logging.Logger satisfies it without an
// adapter.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer is the narrow metrics contract, matching go-ublk's
// interfaces.Observer shape but with writeback-specific events.
type Observer interface {
	ObserveWritepages(pages uint64, latencyNs uint64, success bool)
	ObserveWriteInode(latencyNs uint64, success bool)
	ObserveSyncWait(latencyNs uint64)
	ObserveQueueDepth(depth uint32)
}
