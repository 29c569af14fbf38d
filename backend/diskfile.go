package backend

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	atomicfile "github.com/natefinch/atomic"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-writeback/internal/collab"
)

// DiskFile is a Collaborator backed by real files on disk: each mapping
// is one data file plus one ".inode" sidecar file holding its metadata
// record. Writepages flushes buffered dirty content with an atomic
// rename-into-place (so a crash mid-write never leaves a torn file) and
// then fsyncs the result, the same durability contract
// filemap_fdatawrite gives the original.
type DiskFile struct {
	mu       sync.Mutex
	dataPath map[uint64]string
	meta     map[uint64][]byte

	pending  map[uint64][]byte
	dirty    map[uint64]bool
	inoDirty map[uint64]bool

	background int64
	total      int64
}

// NewDiskFile creates a DiskFile backend with generous default
// dirty-memory thresholds.
func NewDiskFile() *DiskFile {
	return &DiskFile{
		dataPath: make(map[uint64]string),
		meta:     make(map[uint64][]byte),
		pending:  make(map[uint64][]byte),
		dirty:    make(map[uint64]bool),
		inoDirty: make(map[uint64]bool),
		background: 1 << 20,
		total:      1 << 21,
	}
}

// Register associates mapping with a file path. Writepages and
// WriteInode are no-ops for mappings that have never been registered.
func (d *DiskFile) Register(mapping uint64, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dataPath[mapping] = path
}

// SetPendingData buffers content to be flushed by the next Writepages
// call and marks the mapping dirty.
func (d *DiskFile) SetPendingData(mapping uint64, content []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, len(content))
	copy(buf, content)
	d.pending[mapping] = buf
	d.dirty[mapping] = true
}

// SetPendingMetadata buffers an inode record to be flushed by the next
// WriteInode call and marks the mapping's metadata dirty.
func (d *DiskFile) SetPendingMetadata(mapping uint64, record []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, len(record))
	copy(buf, record)
	d.meta[mapping] = buf
	d.inoDirty[mapping] = true
}

// Writepages implements collab.Writepages: it atomically renames the
// buffered content into place and fsyncs it.
func (d *DiskFile) Writepages(mapping uint64, wbc *collab.WbControl) error {
	d.mu.Lock()
	path, ok := d.dataPath[mapping]
	content := d.pending[mapping]
	wasDirty := d.dirty[mapping]
	d.mu.Unlock()

	if !ok || !wasDirty {
		return nil
	}

	if err := atomicfile.WriteFile(path, &byteReader{b: content}); err != nil {
		return fmt.Errorf("backend: writepages %s: %w", path, err)
	}
	if err := fsyncPath(path); err != nil {
		return fmt.Errorf("backend: fsync %s: %w", path, err)
	}

	d.mu.Lock()
	d.dirty[mapping] = false
	wbc.NrToWrite--
	d.mu.Unlock()
	return nil
}

// FdataWait implements collab.FdataWait. DiskFile's Writepages is
// synchronous, so there is nothing further to wait for.
func (d *DiskFile) FdataWait(mapping uint64) error { return nil }

// WriteInode implements collab.WriteInode: it atomically writes the
// buffered metadata record to mapping's ".inode" sidecar file. The
// engine passes the inode ID here, and DiskFile looks it up as a
// mapping handle, so the record is found only for inodes whose ID and
// mapping handle are the same number.
func (d *DiskFile) WriteInode(mapping uint64, wbc *collab.WbControl) error {
	d.mu.Lock()
	path, ok := d.dataPath[mapping]
	record := d.meta[mapping]
	wasDirty := d.inoDirty[mapping]
	d.mu.Unlock()

	if !ok || !wasDirty {
		return nil
	}

	sidecar := path + ".inode"
	if err := atomicfile.WriteFile(sidecar, &byteReader{b: record}); err != nil {
		return fmt.Errorf("backend: write_inode %s: %w", sidecar, err)
	}
	if err := fsyncPath(sidecar); err != nil {
		return fmt.Errorf("backend: fsync %s: %w", sidecar, err)
	}

	d.mu.Lock()
	d.inoDirty[mapping] = false
	d.mu.Unlock()
	return nil
}

// DirtyLimits implements collab.Thresholds.
func (d *DiskFile) DirtyLimits() (background, total int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.background, d.total
}

// DirtyPages implements collab.GlobalPageState: one "page" per mapping
// with buffered content still awaiting flush.
func (d *DiskFile) DirtyPages() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for _, dirty := range d.dirty {
		if dirty {
			n++
		}
	}
	return n
}

// UnstableWriteBytes implements collab.GlobalPageState. DiskFile never
// leaves a write unstable past Writepages returning.
func (d *DiskFile) UnstableWriteBytes() int64 { return 0 }

// InodeCounts implements collab.InodesStat.
func (d *DiskFile) InodeCounts() (total, unused int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.dataPath)), 0
}

// MappingDirty implements collab.MappingState.
func (d *DiskFile) MappingDirty(mapping uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty[mapping]
}

func fsyncPath(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer f.Close()
	return unix.Fsync(int(f.Fd()))
}

// byteReader adapts a plain []byte to the io.Reader atomicfile.WriteFile
// expects without allocating a bytes.Reader for the common empty case.
type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

var _ collab.Collaborator = (*DiskFile)(nil)
