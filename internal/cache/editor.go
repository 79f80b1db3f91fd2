package cache

import (
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
)

var errEditorDone = errors.New("editor already committed or aborted")

// Editor writes one version of a disk entry. Exactly one of Commit or Abort
// must be called; calling Abort after Commit is a no-op, so
//
//	defer ed.Abort()
//
// is safe. An Editor is not safe for concurrent use.
type Editor struct {
	store   *DiskStore
	entry   *diskEntry
	written []bool
	writers []*entryWriter
	done    bool
}

// Key returns the key being edited.
func (ed *Editor) Key() string {
	return ed.entry.key
}

// NewWriter returns a writer for value index. Calling it again for the same
// index discards what was written before.
func (ed *Editor) NewWriter(index int) (io.WriteCloser, error) {
	if ed.done {
		return nil, ioError("write", ed.entry.key, errEditorDone)
	}
	if index < 0 || index >= len(ed.written) {
		return nil, fmt.Errorf("value index %d out of range [0, %d)", index, len(ed.written))
	}
	if w := ed.writers[index]; w != nil {
		w.Close()
	}

	f, err := os.Create(ed.store.dirtyPath(ed.entry.hash, index))
	if err != nil {
		return nil, ioError("write", ed.entry.key, err)
	}
	w := &entryWriter{f: f, crc: crc32.NewIEEE()}
	ed.writers[index] = w
	ed.written[index] = true
	return w, nil
}

// NewReader returns the last committed value at index, or nil when the
// entry has never been committed.
func (ed *Editor) NewReader(index int) (io.ReadCloser, error) {
	s := ed.store
	s.mu.Lock()
	readable := ed.entry.readable
	s.mu.Unlock()

	if !readable {
		return nil, nil
	}
	f, err := os.Open(s.cleanPath(ed.entry.hash, index))
	if err != nil {
		return nil, ioError("read", ed.entry.key, err)
	}
	return f, nil
}

// Commit publishes the written values. A new entry must write every value.
// On failure the previous committed version stays in place.
func (ed *Editor) Commit() error {
	if ed.done {
		return ioError("commit", ed.entry.key, errEditorDone)
	}
	ed.done = true

	var closeErr error
	for _, w := range ed.writers {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}

	s := ed.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if closeErr != nil {
		s.completeEdit(ed, false)
		return ioError("commit", ed.entry.key, closeErr)
	}
	return s.completeEdit(ed, true)
}

// Abort discards the written values.
func (ed *Editor) Abort() error {
	if ed.done {
		return nil
	}
	ed.done = true

	for _, w := range ed.writers {
		if w != nil {
			w.Close()
		}
	}

	s := ed.store
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.completeEdit(ed, false)
}

// completeEdit must be called with lock held.
func (s *DiskStore) completeEdit(ed *Editor, success bool) error {
	e := ed.entry
	key := e.key
	if e.editor != ed {
		return ioError("commit", key, errEditorDone)
	}
	e.editor = nil

	if s.closed {
		s.deleteDirtyFiles(e.hash)
		return ioError("commit", key, ErrClosed)
	}

	var commitErr error
	if success && !e.readable {
		for i, ok := range ed.written {
			if !ok {
				success = false
				commitErr = fmt.Errorf("new entry did not write value %d", i)
				break
			}
		}
	}

	if !success {
		s.deleteDirtyFiles(e.hash)
		if commitErr == nil {
			return s.rollback(e)
		}
		s.rollback(e)
		return ioError("commit", key, commitErr)
	}

	lengths := append([]int64(nil), e.lengths...)
	sums := append([]uint32(nil), e.sums...)
	renamed := 0
	for i, ok := range ed.written {
		if !ok {
			continue
		}
		if err := os.Rename(s.dirtyPath(e.hash, i), s.cleanPath(e.hash, i)); err != nil {
			commitErr = err
			break
		}
		renamed++
		lengths[i] = ed.writers[i].n
		sums[i] = ed.writers[i].crc.Sum32()
	}
	if commitErr != nil {
		s.deleteDirtyFiles(e.hash)
		if renamed > 0 && e.readable {
			// The old version is partly overwritten and cannot be kept.
			s.removeEntry(e)
		} else {
			s.rollback(e)
		}
		return ioError("commit", key, commitErr)
	}

	oldSize := int64(0)
	if e.readable {
		oldSize = e.size()
	}
	e.readable = true
	e.lengths = lengths
	e.sums = sums
	e.sequence = s.nextSequence
	s.nextSequence++
	s.size += e.size() - oldSize
	s.touch(e)
	s.redundantOps++

	if err := s.appendClean(e); err != nil {
		commitErr = err
	} else if err := s.syncJournal(); err != nil {
		commitErr = err
	}

	s.trimToSize()
	s.maybeRebuild()

	if commitErr != nil {
		return ioError("commit", key, commitErr)
	}
	return nil
}

// rollback restores the journal state that preceded the DIRTY line.
func (s *DiskStore) rollback(e *diskEntry) error {
	if e.readable {
		s.redundantOps++
		if err := s.appendClean(e); err != nil {
			return ioError("abort", e.key, err)
		}
		if err := s.journalW.Flush(); err != nil {
			return ioError("abort", e.key, err)
		}
		return nil
	}
	if err := s.removeEntry(e); err != nil {
		return ioError("abort", e.key, err)
	}
	return nil
}

// entryWriter checksums and counts what is written to one dirty file.
type entryWriter struct {
	f      *os.File
	crc    hash.Hash32
	n      int64
	err    error // first write or close failure
	closed bool
}

func (w *entryWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.crc.Write(p[:n])
	w.n += int64(n)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}

// Close syncs the file so that a later rename publishes complete bytes.
// Repeated calls return the first failure.
func (w *entryWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	err := w.f.Sync()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	if err != nil && w.err == nil {
		w.err = err
	}
	return w.err
}

func checksumFile(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	crc := crc32.NewIEEE()
	if _, err := io.Copy(crc, f); err != nil {
		return 0, err
	}
	return crc.Sum32(), nil
}
