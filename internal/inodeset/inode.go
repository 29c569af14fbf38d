package inodeset

import (
	"container/list"
	"time"

	"github.com/ehrlich-b/go-writeback/internal/collab"
)

// Inode is the engine's view of a single inode (spec §3). It carries no
// intrusive list pointers of its own; instead it records which Queue it
// currently belongs to and the container/list.Element that holds it
// there, the "stable identifier plus indexed arena" alternative spec §9
// explicitly sanctions in place of embedded list links.
//
// Every field is protected by the owning Registry's mutex — there is no
// per-inode lock, matching the single engine-wide inode_lock of spec §5.
type Inode struct {
	ID      uint64
	SB      collab.SuperblockRef
	Mapping uint64 // opaque handle passed to collab.Writepages/FdataWait

	dirtiedWhen time.Time
	state       State
	refCount    int32

	queue Queue
	elem  *list.Element
}

// State returns the inode's current state bitfield.
func (ino *Inode) State() State { return ino.state }

// DirtiedWhen returns the timestamp used for B_DIRTY ordering.
func (ino *Inode) DirtiedWhen() time.Time { return ino.dirtiedWhen }

// RefCount returns the inode's reference count.
func (ino *Inode) RefCount() int32 { return ino.refCount }

// Queue returns which engine-managed queue the inode currently sits on.
func (ino *Inode) Queue() Queue { return ino.queue }

// dirtiedAfter reports whether ino was dirtied strictly after t, guarding
// against apparent wrap the way the original's jiffies comparison does
// (spec §4.1, §8 boundary behavior). time.Time in Go never wraps, so this
// is a plain After comparison. Nothing calls it at present: the flusher's
// livelock guard compares Inode.DirtiedWhen against WBStart directly.
func dirtiedAfter(ino *Inode, t time.Time) bool {
	return ino.dirtiedWhen.After(t)
}
