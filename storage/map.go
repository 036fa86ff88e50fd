// Package storage implements the position-indexed, memory-mapped file
// layout that presents a contiguous logical address space over a list
// of physical files.
package storage

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/spf13/afero"
)

// Mode selects how the backing files are opened and mapped.
type Mode int

const (
	// ReadOnly maps existing files for reading only.
	ReadOnly Mode = iota
	// ReadWrite maps existing files for reading and writing.
	ReadWrite
	// ReadWriteEx creates files that don't exist yet (truncated to
	// their expected size) before mapping them read/write.
	ReadWriteEx
)

// FileEntry describes one physical file's place in the logical
// address space handed to Open.
type FileEntry struct {
	Path         string
	ExpectedSize int64
}

// entry is a resolved, mapped file entry sorted by BaseOffset.
type entry struct {
	baseOffset int64
	length     int64
	path       string
	file       *os.File
	region     mmap.MMap
}

// Map is an ordered sequence of memory-mapped file entries presenting
// one contiguous logical byte range.
type Map struct {
	mu      sync.RWMutex
	entries []*entry
	size    int64
	closed  bool
}

// ErrOutOfRange is returned when a read or resolve falls outside the
// mapped address space.
var ErrOutOfRange = fmt.Errorf("storage: offset out of range")

// FileSizeMismatchError is returned by Open when a file's size on
// disk does not match the layout's declared size.
type FileSizeMismatchError struct {
	Path     string
	Expected int64
	Actual   int64
}

func (e *FileSizeMismatchError) Error() string {
	return fmt.Sprintf("storage: %s: expected size %d, got %d", e.Path, e.Expected, e.Actual)
}

// Open maps every file in layout, in order, into one logical address
// space. On any failure every region mapped so far is unmapped and
// closed before the error is returned.
func Open(fs afero.Fs, layout []FileEntry, mode Mode) (m *Map, err error) {
	entries := make([]*entry, 0, len(layout))
	var offset int64

	defer func() {
		if err != nil {
			for _, e := range entries {
				if e.region != nil {
					e.region.Unmap()
				}
				if e.file != nil {
					e.file.Close()
				}
			}
		}
	}()

	for _, spec := range layout {
		if spec.Path == "" {
			return nil, fmt.Errorf("storage: empty path in layout")
		}
		if spec.ExpectedSize < 0 {
			return nil, fmt.Errorf("storage: %s: negative expected size", spec.Path)
		}

		if err = prepareFile(fs, spec, mode); err != nil {
			return nil, err
		}

		info, statErr := fs.Stat(spec.Path)
		if statErr != nil {
			return nil, statErr
		}
		if info.Size() != spec.ExpectedSize {
			return nil, &FileSizeMismatchError{Path: spec.Path, Expected: spec.ExpectedSize, Actual: info.Size()}
		}

		f, openErr := os.OpenFile(spec.Path, osFlags(mode), 0644)
		if openErr != nil {
			return nil, openErr
		}

		var region mmap.MMap
		if spec.ExpectedSize > 0 {
			region, err = mmap.Map(f, mmapProt(mode), 0)
			if err != nil {
				f.Close()
				return nil, err
			}
		}

		e := &entry{
			baseOffset: offset,
			length:     spec.ExpectedSize,
			path:       spec.Path,
			file:       f,
			region:     region,
		}
		entries = append(entries, e)
		offset += spec.ExpectedSize
	}

	return &Map{entries: entries, size: offset}, nil
}

func osFlags(mode Mode) int {
	if mode == ReadOnly {
		return os.O_RDONLY
	}
	return os.O_RDWR
}

func mmapProt(mode Mode) int {
	if mode == ReadOnly {
		return mmap.RDONLY
	}
	return mmap.RDWR
}

// prepareFile stats (and, under ReadWriteEx, creates/truncates) the
// backing file through the afero filesystem before it is reopened as
// a real *os.File for mmap.Map, mirroring how the teacher's
// randomAccessStorage opens files through afero before touching them.
func prepareFile(fs afero.Fs, spec FileEntry, mode Mode) error {
	_, err := fs.Stat(spec.Path)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	if mode != ReadWriteEx {
		return err
	}
	f, err := fs.OpenFile(spec.Path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(spec.ExpectedSize)
}

// Close releases every mapping. Idempotent.
func (m *Map) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var firstErr error
	for _, e := range m.entries {
		if e.region != nil {
			if err := e.region.Unmap(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := e.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Size returns the total logical size of the map.
func (m *Map) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// resolve performs a binary search over entries by BaseOffset,
// returning the entry index and the intra-file offset for x.
//
// x < entries[i].baseOffset never happens for i == 0 unless the map
// is empty, in which case ErrOutOfRange is returned.
func (m *Map) resolve(x int64) (int, int64, error) {
	if x < 0 || x >= m.size {
		return 0, 0, ErrOutOfRange
	}
	entries := m.entries
	idx := sort.Search(len(entries), func(i int) bool {
		return entries[i].baseOffset+entries[i].length > x
	})
	if idx == len(entries) {
		return 0, 0, ErrOutOfRange
	}
	return idx, x - entries[idx].baseOffset, nil
}

// Read returns exactly length bytes starting at offset, copied into
// caller-owned memory.
func (m *Map) Read(offset int64, length int64) ([]byte, error) {
	if length < 0 {
		return nil, ErrOutOfRange
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if length == 0 {
		if offset < 0 || offset > m.size {
			return nil, ErrOutOfRange
		}
		return []byte{}, nil
	}
	if offset+length > m.size {
		return nil, ErrOutOfRange
	}

	idx, inner, err := m.resolve(offset)
	if err != nil {
		return nil, err
	}

	out := make([]byte, length)
	filled := int64(0)
	for filled < length {
		e := m.entries[idx]
		avail := e.length - inner
		n := length - filled
		if n > avail {
			n = avail
		}
		copy(out[filled:filled+n], e.region[inner:inner+n])
		filled += n
		inner = 0
		idx++
	}
	return out, nil
}

// Write writes min(len(data), size-offset) bytes at offset, silently
// truncating at end-of-map. A negative offset is the caller's error
// and is reported; writing at or past the end of the map is not — it
// writes zero bytes, matching the load-bearing truncation behavior
// callers rely on when padding.
func (m *Map) Write(offset int64, data []byte) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if offset < 0 {
		return 0, ErrOutOfRange
	}
	if offset >= m.size || len(data) == 0 {
		return 0, nil
	}

	idx, inner, err := m.resolve(offset)
	if err != nil {
		return 0, err
	}

	remaining := int64(len(data))
	if offset+remaining > m.size {
		remaining = m.size - offset
	}

	written := int64(0)
	for written < remaining {
		e := m.entries[idx]
		avail := e.length - inner
		n := remaining - written
		if n > avail {
			n = avail
		}
		copy(e.region[inner:inner+n], data[written:written+n])
		written += n
		inner = 0
		idx++
	}
	return int(written), nil
}

// UnsafeView returns a zero-copy slice aliasing the mapping. Callers
// must not retain it past Close.
func (m *Map) UnsafeView(offset, length int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if length == 0 {
		return []byte{}, nil
	}
	if offset+length > m.size {
		return nil, ErrOutOfRange
	}
	idx, inner, err := m.resolve(offset)
	if err != nil {
		return nil, err
	}
	e := m.entries[idx]
	if inner+length > e.length {
		// crosses a file boundary: no zero-copy view is possible.
		return nil, fmt.Errorf("storage: unsafe view crosses file boundary")
	}
	return e.region[inner : inner+length], nil
}
