package backend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-writeback/internal/collab"
)

func TestMemoryWritepagesDrainsDirtyPages(t *testing.T) {
	m := NewMemory()
	m.SetMappingPages(7, 10)

	wbc := &collab.WbControl{NrToWrite: 4}
	require.NoError(t, m.Writepages(7, wbc))
	require.Equal(t, int64(0), wbc.NrToWrite)
	require.True(t, m.MappingDirty(7))

	wbc2 := &collab.WbControl{NrToWrite: 100}
	require.NoError(t, m.Writepages(7, wbc2))
	require.Equal(t, int64(94), wbc2.NrToWrite)
	require.False(t, m.MappingDirty(7))
}

func TestMemoryDirtyPagesSumsAcrossShards(t *testing.T) {
	m := NewMemory()
	m.SetMappingPages(1, 3)
	m.SetMappingPages(2, 5)
	m.SetMappingPages(65, 2) // lands in the same shard as mapping 1

	require.Equal(t, int64(10), m.DirtyPages())
}

func TestMemoryWriteInodeClearsMetadataDirty(t *testing.T) {
	m := NewMemory()
	m.SetMetadataDirty(3, true)
	require.NoError(t, m.WriteInode(3, &collab.WbControl{}))
	_, files := m.shard(3)
	require.False(t, files[3].metaDirty)
}

func TestMemoryWriteErrorPropagates(t *testing.T) {
	m := NewMemory()
	boom := require.AnError
	m.SetWriteError(9, boom)
	err := m.Writepages(9, &collab.WbControl{NrToWrite: 1})
	require.ErrorIs(t, err, boom)
}

func TestMemoryThresholdsAndCounters(t *testing.T) {
	m := NewMemory()
	m.SetThresholds(100, 200)
	bg, total := m.DirtyLimits()
	require.Equal(t, int64(100), bg)
	require.Equal(t, int64(200), total)

	m.SetUnstableWriteBytes(42)
	require.Equal(t, int64(42), m.UnstableWriteBytes())

	m.SetInodeCounts(10, 3)
	total2, unused := m.InodeCounts()
	require.Equal(t, int64(10), total2)
	require.Equal(t, int64(3), unused)
}

var _ collab.Collaborator = (*Memory)(nil)
