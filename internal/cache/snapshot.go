package cache

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Snapshot is a read view of one committed version of a disk entry. Its
// files stay readable until Release, even if the entry is removed, evicted
// or overwritten in the meantime.
type Snapshot struct {
	store    *DiskStore
	entry    *diskEntry
	key      string
	sequence int64
	files    []*os.File
	lengths  []int64
	sums     []uint32
	released bool
}

// Key returns the snapshot key.
func (s *Snapshot) Key() string {
	return s.key
}

// ValueCount returns the number of values in the entry.
func (s *Snapshot) ValueCount() int {
	return len(s.files)
}

// Length returns the byte length of value index, or 0 when index is out of
// range.
func (s *Snapshot) Length(index int) int64 {
	if index < 0 || index >= len(s.lengths) {
		return 0
	}
	return s.lengths[index]
}

// NewReader returns an independent reader over value index. Readers do not
// verify checksums; Bytes does.
func (s *Snapshot) NewReader(index int) (io.Reader, error) {
	if s.released {
		return nil, ioError("read", s.key, fmt.Errorf("snapshot released"))
	}
	if index < 0 || index >= len(s.files) {
		return nil, fmt.Errorf("value index %d out of range [0, %d)", index, len(s.files))
	}
	return io.NewSectionReader(s.files[index], 0, s.lengths[index]), nil
}

// Bytes reads all of value index. A short read or a checksum mismatch is an
// ErrIO failure; partial data is never returned.
func (s *Snapshot) Bytes(index int) ([]byte, error) {
	r, err := s.NewReader(index)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, s.lengths[index])
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ioError("read", s.key, fmt.Errorf("value %d: %w", index, err))
	}
	if sum := crc32.ChecksumIEEE(buf); sum != s.sums[index] {
		return nil, ioError("read", s.key, fmt.Errorf("value %d: checksum %08x, want %08x", index, sum, s.sums[index]))
	}
	return buf, nil
}

// Edit opens an editor for the key, or returns (nil, nil) when the entry
// changed since the snapshot was taken or is already being edited.
func (s *Snapshot) Edit() (*Editor, error) {
	return s.store.edit(s.key, s.sequence)
}

// Remove drops the entry if it still holds the version this snapshot
// reads. The files stay readable through the snapshot until Release.
func (s *Snapshot) Remove() (bool, error) {
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return false, ioError("remove", s.key, ErrClosed)
	}
	e, ok := st.entries[s.key]
	if !ok || e != s.entry || e.sequence != s.sequence || e.editor != nil {
		return false, nil
	}
	if err := st.removeEntry(e); err != nil {
		return true, ioError("remove", s.key, err)
	}
	return true, nil
}

// Release closes the snapshot. It is safe to call more than once.
func (s *Snapshot) Release() {
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()

	if s.released {
		return
	}
	s.released = true
	closeFiles(s.files)
	st.releaseSnapshot(s.entry)
}

// Close implements io.Closer.
func (s *Snapshot) Close() error {
	s.Release()
	return nil
}
