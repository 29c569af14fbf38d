package writeback

import (
	"github.com/ehrlich-b/go-writeback/internal/collab"
	"github.com/ehrlich-b/go-writeback/internal/constants"
	"github.com/ehrlich-b/go-writeback/internal/inodeset"
)

// MaxWritebackPages is the page budget of one wb_writeback slice: a
// single writeback_sb_inodes-style pass over B_IO, shared across every
// inode that pass visits, ends once it has been spent.
const MaxWritebackPages = constants.MaxWritebackPages

// UnboundedPages is the page budget an integrity sync or a background
// pass runs with when it should keep going until there is simply
// nothing left to write, rather than stopping at a caller-supplied
// count.
const UnboundedPages = constants.UnboundedPages

// Default tunables, re-exported so callers can build an Options without
// importing an internal package.
const (
	DefaultWritebackInterval = constants.DefaultWritebackInterval
	DefaultExpireInterval    = constants.DefaultExpireInterval
	DefaultBackgroundRatio   = constants.DefaultBackgroundRatio
	DefaultRatio             = constants.DefaultRatio
	DefaultIdleTimeout       = constants.DefaultIdleTimeout
)

// Tunables controls pacing: how often the background sweep runs, how
// old a dirty inode must be to count as "expired", and the dirty-memory
// ratios that gate background writeback.
type Tunables = constants.Tunables

// DefaultTunables returns the engine's out-of-the-box pacing.
func DefaultTunables() Tunables { return constants.DefaultTunables() }

// DirtyFlags is the inode dirty-state bitfield passed to MarkDirty.
type DirtyFlags = inodeset.State

// The individual dirty bits, and their union.
const (
	DirtySync     = inodeset.DirtySync
	DirtyDataSync = inodeset.DirtyDataSync
	DirtyPages    = inodeset.DirtyPages
	Dirty         = inodeset.Dirty
)

// SuperblockRef identifies the filesystem an inode belongs to, for
// scoping a sync pass to a single mounted filesystem.
type SuperblockRef = collab.SuperblockRef
