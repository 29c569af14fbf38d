// Package writer implements the single-inode writeback algorithm of
// spec §4.2 (write_single): the only place an inode's SYNC bit is ever
// set and cleared. Every caller — the flusher loop and the engine's
// synchronous WriteInodeNow/SyncInode entry points — funnels through
// WriteSingle so the claim/unclaim sequence can never run twice
// concurrently on the same inode (spec §8 invariant 4).
package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-writeback/internal/collab"
	"github.com/ehrlich-b/go-writeback/internal/inodeset"
)

// Outcome reports what WriteSingle actually did, for the flusher's
// per-pass bookkeeping and for tests.
type Outcome struct {
	Disposition inodeset.Disposition
	Skipped     bool // true if another writer already owned the inode and wbc asked not to wait
	Err         error
}

// WriteSingle runs spec §4.2's eight steps against ino, using reg's
// lock to guard the claim and the disposition update and releasing it
// around the collaborator calls so concurrent dirtying and other
// inodes' writeback can proceed. reg must not be locked on entry.
func WriteSingle(ctx context.Context, reg *inodeset.Registry, ino *inodeset.Inode, coll collab.Collaborator, obs collab.Observer, log collab.Logger, wbc *collab.WbControl) Outcome {
	reg.Lock()

	if reg.IsSync(ino) {
		if wbc.SyncMode == collab.SyncNone {
			reg.RequeueIO(ino)
			reg.Unlock()
			if log != nil {
				log.Debugf("writer: inode %d already under writeback, requeued", ino.ID)
			}
			return Outcome{Skipped: true}
		}
		reg.WaitSyncClear(ino)
	}

	dirty := reg.Claim(ino)
	reg.Unlock()

	if log != nil {
		log.Debugf("writer: inode %d claimed, dirty=%s", ino.ID, dirty)
	}

	start := time.Now()
	budgetBefore := wbc.NrToWrite
	writeErr := writepages(ctx, coll, ino, wbc)

	if wbc.SyncMode == collab.SyncAll {
		if waitErr := coll.FdataWait(ino.Mapping); writeErr == nil {
			writeErr = waitErr
		}
	}

	if obs != nil {
		obs.ObserveWritepages(uint64(budgetBefore-wbc.NrToWrite), uint64(time.Since(start).Nanoseconds()), writeErr == nil)
	}

	if dirty.Any(inodeset.DirtySync | inodeset.DirtyDataSync) {
		istart := time.Now()
		ierr := coll.WriteInode(ino.ID, wbc)
		if obs != nil {
			obs.ObserveWriteInode(uint64(time.Since(istart).Nanoseconds()), ierr == nil)
		}
		if writeErr == nil {
			writeErr = ierr
		}
	}

	mappingStillDirty := coll.MappingDirty(ino.Mapping)
	budgetExhausted := wbc.NrToWrite <= 0

	reg.Lock()
	disposition := reg.FinishSync(ino, wbc.ForKupdate, mappingStillDirty, budgetExhausted)
	reg.Unlock()

	if log != nil {
		log.Debugf("writer: inode %d finished, disposition=%s err=%v", ino.ID, disposition, writeErr)
	}

	return Outcome{Disposition: disposition, Err: writeErr}
}

func writepages(ctx context.Context, coll collab.Collaborator, ino *inodeset.Inode, wbc *collab.WbControl) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("writer: inode %d: %w", ino.ID, err)
	}
	return coll.Writepages(ino.Mapping, wbc)
}
