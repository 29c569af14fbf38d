package inodeset

import "time"

// RedirtyTail moves ino to the head of B_DIRTY (spec §4.1 redirty_tail).
// If B_DIRTY is non-empty and ino's dirtied_when predates the current
// head's, its dirtied_when is bumped to now first, preserving B_DIRTY's
// newest-at-head ordering invariant (spec §8 invariant 2) even when an
// older inode is pushed back onto the front. Caller must hold the lock.
func (r *Registry) RedirtyTail(ino *Inode) {
	r.redirtyTailLocked(ino)
}

func (r *Registry) redirtyTailLocked(ino *Inode) {
	if head := r.Front(QueueBDirty); head != nil && head != ino && ino.dirtiedWhen.Before(head.dirtiedWhen) {
		ino.dirtiedWhen = r.Clock()
	}
	r.relinkLocked(ino, QueueBDirty, true)
}

// RequeueIO moves ino to the tail of B_MORE_IO (spec §4.1 requeue_io):
// the collaborator asked for another pass without the inode becoming
// newly dirty. Caller must hold the lock.
func (r *Registry) RequeueIO(ino *Inode) {
	r.requeueIOLocked(ino)
}

func (r *Registry) requeueIOLocked(ino *Inode) {
	r.relinkLocked(ino, QueueBMoreIO, false)
}

// MoveExpired moves every B_DIRTY inode dirtied strictly before
// olderThan (or every B_DIRTY inode, if olderThan is nil) onto the tail
// of B_IO (spec §4.1 move_expired). B_DIRTY is ordered newest-at-head,
// so the scan starts at the tail and stops at the first inode that is
// not old enough — everything closer to the head is newer still.
//
// If the moved set spans more than one superblock, the inodes are
// regrouped so that every inode sharing a superblock is contiguous in
// the final B_IO tail, stably preserving each group's relative order;
// a single-superblock set is left in encounter order. This is the
// degenerate case of the original's per-superblock batching — the spec
// only requires "a" valid grouping, not a specific one (spec §8 boundary
// behavior). Caller must hold the lock.
func (r *Registry) MoveExpired(olderThan *time.Time) {
	var batch []*Inode
	for e := r.bDirty.Back(); e != nil; {
		ino := e.Value.(*Inode)
		if olderThan != nil && !ino.dirtiedWhen.Before(*olderThan) {
			break
		}
		prev := e.Prev()
		r.relinkLocked(ino, QueueNone, false)
		batch = append(batch, ino)
		e = prev
	}
	for _, ino := range groupBySuperblock(batch) {
		r.relinkLocked(ino, QueueBIO, false)
	}
}

// groupBySuperblock stably partitions items so that inodes sharing a
// superblock become contiguous, keeping each group's first-occurrence
// order and each group's internal relative order untouched. A set that
// already has at most one distinct superblock is returned unmodified.
func groupBySuperblock(items []*Inode) []*Inode {
	if len(items) < 2 {
		return items
	}
	type key = interface{}
	groups := make(map[key][]*Inode)
	var seenOrder []key
	for _, ino := range items {
		k := key(ino.SB)
		if _, ok := groups[k]; !ok {
			seenOrder = append(seenOrder, k)
		}
		groups[k] = append(groups[k], ino)
	}
	if len(seenOrder) <= 1 {
		return items
	}
	out := make([]*Inode, 0, len(items))
	for _, k := range seenOrder {
		out = append(out, groups[k]...)
	}
	return out
}

// QueueIO prepares B_IO for a pass (spec §4.1 queue_io): first every
// inode waiting on B_MORE_IO is appended to the tail of B_IO — inodes
// the previous pass asked to revisit — then MoveExpired pulls in
// newly-expired B_DIRTY inodes behind them. Caller must hold the lock.
func (r *Registry) QueueIO(olderThan *time.Time) {
	for {
		ino := r.Tail(QueueBMoreIO)
		if ino == nil {
			break
		}
		r.relinkLocked(ino, QueueBIO, false)
	}
	r.MoveExpired(olderThan)
}

// IsSync reports whether ino is mid-writeback. Caller must hold the
// lock.
func (r *Registry) IsSync(ino *Inode) bool {
	return ino.state.Has(Sync)
}

// WaitSyncClear blocks until ino's SYNC bit clears, the Go equivalent of
// inode_wait_for_writeback/wait_on_bit (spec §4.2 step 2, ALL sync
// mode). The caller must hold the lock; the lock is released while
// waiting and reacquired before this returns, exactly like
// wait_on_bit's use of the same spinlock-backed wait queue.
func (r *Registry) WaitSyncClear(ino *Inode) {
	for ino.state.Has(Sync) {
		r.cond.Wait()
	}
}

// Claim snapshots ino's current dirty bits, sets SYNC, and clears the
// dirty bits — spec §4.2 step 3. The returned snapshot is what the
// caller must pass to the collaborator and later to FinishSync. Caller
// must hold the lock.
func (r *Registry) Claim(ino *Inode) State {
	dirty := ino.state & Dirty
	ino.state = (ino.state &^ Dirty) | Sync
	return dirty
}

// FinishSync clears ino's SYNC bit and applies the post-I/O disposition
// table of spec §4.2 step 7, wakes any WaitSyncClear waiters (step 8),
// and reports what it did. Caller must hold the lock.
//
//   - If ino is being freed, nothing further happens.
//   - If only DIRTY_PAGES was re-set by a concurrent dirtier and this is
//     a background/kupdate pass, the inode is handed to selectQueueLocked
//     rather than redirtied immediately, the same priority the original
//     gives I_DIRTY_PAGES-under-for_kupdate over a plain redirty_tail.
//   - Else if any dirty bit is set (the inode was redirtied while this
//     writeback was in flight), it goes back to the head of B_DIRTY.
//   - Else if the collaborator reports the mapping is still tagged dirty
//     (it wrote fewer pages than requested), DIRTY_PAGES is re-set and
//     the inode either goes to selectQueueLocked (kupdate) or the head of
//     B_DIRTY.
//   - Otherwise the inode is clean: it moves to the in-use list if
//     referenced, else the unused list.
func (r *Registry) FinishSync(ino *Inode, forKupdate, mappingStillDirty, budgetExhausted bool) Disposition {
	ino.state &^= Sync
	defer r.cond.Broadcast()

	if ino.state.Any(Freeing | Clear) {
		return DispositionFreeing
	}

	onlyPagesRedirtied := ino.state.Has(DirtyPages) && !ino.state.Any(DirtySync|DirtyDataSync)

	switch {
	case onlyPagesRedirtied && forKupdate:
		return r.selectQueueLocked(ino, budgetExhausted)
	case ino.state.Any(Dirty):
		r.redirtyTailLocked(ino)
		return DispositionRedirtied
	case mappingStillDirty:
		ino.state |= DirtyPages
		if forKupdate {
			return r.selectQueueLocked(ino, budgetExhausted)
		}
		r.redirtyTailLocked(ino)
		return DispositionRedirtied
	case ino.refCount > 0:
		r.relinkLocked(ino, QueueInUse, false)
		return DispositionInUse
	default:
		r.relinkLocked(ino, QueueUnused, false)
		return DispositionUnused
	}
}

func (r *Registry) selectQueueLocked(ino *Inode, budgetExhausted bool) Disposition {
	if budgetExhausted {
		r.requeueIOLocked(ino)
		return DispositionRequeued
	}
	r.redirtyTailLocked(ino)
	return DispositionRedirtied
}
