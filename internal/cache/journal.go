package cache

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// The journal is a text file. A five line header is followed by one
// operation per line:
//
//	imgcache.journal
//	1
//	<app version>
//	<value count>
//
//	DIRTY <key>
//	CLEAN <key> <length>:<crc32> ...
//	READ <key>
//	REMOVE <key>
//
// Keys are path-escaped so they never contain spaces or newlines. A DIRTY
// line not followed by CLEAN or REMOVE for the same key marks an edit that
// never finished.
const (
	journalFile       = "journal"
	journalFileTmp    = "journal.tmp"
	journalFileBackup = "journal.bkp"

	journalMagic   = "imgcache.journal"
	journalVersion = "1"

	opClean  = "CLEAN"
	opDirty  = "DIRTY"
	opRemove = "REMOVE"
	opRead   = "READ"

	// compactThreshold is the number of redundant journal lines that
	// triggers a rebuild.
	compactThreshold = 2000
)

// restoreBackup recovers from a crash in the middle of rebuildJournal.
func (s *DiskStore) restoreBackup() error {
	backup := s.path(journalFileBackup)
	if _, err := os.Stat(backup); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if _, err := os.Stat(s.path(journalFile)); err == nil {
		return os.Remove(backup)
	}
	return os.Rename(backup, s.path(journalFile))
}

// readJournal replays the journal into the index.
func (s *DiskStore) readJournal() error {
	f, err := os.Open(s.path(journalFile))
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make([]string, 5)
	for i := range header {
		line, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("%w: truncated header", ErrCorruptJournal)
		}
		header[i] = strings.TrimSuffix(line, "\n")
	}
	if header[0] != journalMagic || header[1] != journalVersion || header[4] != "" {
		return fmt.Errorf("%w: unexpected header %q", ErrCorruptJournal, header)
	}
	if header[2] != strconv.Itoa(s.appVersion) || header[3] != strconv.Itoa(s.valueCount) {
		return fmt.Errorf("%w: journal is app version %s with %s values, want %d with %d",
			ErrVersionMismatch, header[2], header[3], s.appVersion, s.valueCount)
	}

	lines := 0
	for {
		line, err := r.ReadString('\n')
		if errors.Is(err, io.EOF) {
			if line != "" {
				// A torn final line is dropped by rewriting the journal.
				s.needsRebuild = true
			}
			break
		}
		if err != nil {
			return err
		}
		if err := s.replayLine(strings.TrimSuffix(line, "\n")); err != nil {
			return err
		}
		lines++
	}
	s.redundantOps = lines - len(s.entries)
	return nil
}

func (s *DiskStore) replayLine(line string) error {
	fields := strings.Split(line, " ")
	if len(fields) < 2 {
		return fmt.Errorf("%w: %q", ErrCorruptJournal, line)
	}
	key, err := url.PathUnescape(fields[1])
	if err != nil {
		return fmt.Errorf("%w: bad key in %q", ErrCorruptJournal, line)
	}

	op, args := fields[0], fields[2:]
	switch {
	case op == opRemove && len(args) == 0:
		if e, ok := s.entries[key]; ok {
			s.lru.Remove(e.elem)
			delete(s.entries, key)
		}
	case op == opRead && len(args) == 0:
		if e, ok := s.entries[key]; ok {
			s.touch(e)
		}
	case op == opDirty && len(args) == 0:
		e := s.replayEntry(key)
		e.dangling = true
	case op == opClean && len(args) == s.valueCount:
		lengths, sums, err := parseLengths(args)
		if err != nil {
			return fmt.Errorf("%w: %v in %q", ErrCorruptJournal, err, line)
		}
		e := s.replayEntry(key)
		e.readable = true
		e.dangling = false
		e.lengths = lengths
		e.sums = sums
		e.sequence = s.nextSequence
		s.nextSequence++
	default:
		return fmt.Errorf("%w: %q", ErrCorruptJournal, line)
	}
	return nil
}

func (s *DiskStore) replayEntry(key string) *diskEntry {
	e, ok := s.entries[key]
	if !ok {
		return s.newEntry(key)
	}
	s.touch(e)
	return e
}

// processJournal settles the replayed index against the files on disk:
// unfinished edits are rolled back and entries with missing or damaged
// files are dropped.
func (s *DiskStore) processJournal() error {
	if err := os.Remove(s.path(journalFileTmp)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	for elem := s.lru.Front(); elem != nil; {
		next := elem.Next()
		e := elem.Value.(*diskEntry)
		elem = next

		if e.dangling {
			e.dangling = false
			s.needsRebuild = true
			s.deleteDirtyFiles(e.hash)
			// Commit renames before it journals CLEAN, so a crash can leave
			// new bytes under the clean names. Checksums tell them apart.
			if e.readable && s.verifyFiles(e, true) {
				s.size += e.size()
				continue
			}
			s.logger.Debug("rolled back unfinished edit", "key", e.key)
			s.deleteCleanFiles(e.hash)
			s.lru.Remove(e.elem)
			delete(s.entries, e.key)
			continue
		}

		if !s.verifyFiles(e, false) {
			s.logger.Warn("dropping disk cache entry with damaged files", "key", e.key)
			s.needsRebuild = true
			s.deleteCleanFiles(e.hash)
			s.lru.Remove(e.elem)
			delete(s.entries, e.key)
			continue
		}
		s.size += e.size()
	}
	return nil
}

// verifyFiles checks the clean files of e against the journal. Contents
// are only checksummed when deep is set.
func (s *DiskStore) verifyFiles(e *diskEntry, deep bool) bool {
	for i := 0; i < s.valueCount; i++ {
		path := s.cleanPath(e.hash, i)
		info, err := os.Stat(path)
		if err != nil || info.Size() != e.lengths[i] {
			return false
		}
		if !deep {
			continue
		}
		sum, err := checksumFile(path)
		if err != nil || sum != e.sums[i] {
			return false
		}
	}
	return true
}

// rebuildJournal writes a compact journal and atomically swaps it in (must
// be called with lock held).
func (s *DiskStore) rebuildJournal() error {
	if s.journal != nil {
		s.journalW.Flush()
		s.journal.Close()
		s.journal = nil
	}

	tmp := s.path(journalFileTmp)
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%s\n%s\n%d\n%d\n\n", journalMagic, journalVersion, s.appVersion, s.valueCount)
	for elem := s.lru.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*diskEntry)
		if e.readable {
			writeClean(w, e)
		}
		// An open edit keeps its DIRTY line after the committed version so a
		// crash before commit still replays to that version.
		if e.editor != nil {
			writeOp(w, opDirty, e.key)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	journal := s.path(journalFile)
	backup := s.path(journalFileBackup)
	if _, err := os.Stat(journal); err == nil {
		if err := os.Rename(journal, backup); err != nil {
			return err
		}
	}
	if err := os.Rename(tmp, journal); err != nil {
		return err
	}
	if err := os.Remove(backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	s.redundantOps = 0
	s.needsRebuild = false
	return s.openJournalForAppend()
}

func (s *DiskStore) openJournalForAppend() error {
	f, err := os.OpenFile(s.path(journalFile), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.journal = f
	s.journalW = bufio.NewWriter(f)
	return nil
}

// maybeRebuild compacts the journal once most of it is redundant (must be
// called with lock held).
func (s *DiskStore) maybeRebuild() {
	if s.redundantOps < compactThreshold || s.redundantOps < len(s.entries) {
		return
	}
	if err := s.rebuildJournal(); err != nil {
		s.logger.Warn("failed to rebuild journal", "err", err)
	}
}

func (s *DiskStore) appendJournal(op, key string) error {
	_, err := writeOp(s.journalW, op, key)
	return err
}

func (s *DiskStore) appendClean(e *diskEntry) error {
	_, err := writeClean(s.journalW, e)
	return err
}

func (s *DiskStore) syncJournal() error {
	if err := s.journalW.Flush(); err != nil {
		return err
	}
	return s.journal.Sync()
}

func writeOp(w *bufio.Writer, op, key string) (int, error) {
	return fmt.Fprintf(w, "%s %s\n", op, url.PathEscape(key))
}

func writeClean(w *bufio.Writer, e *diskEntry) (int, error) {
	var sb strings.Builder
	sb.WriteString(opClean)
	sb.WriteByte(' ')
	sb.WriteString(url.PathEscape(e.key))
	for i, n := range e.lengths {
		fmt.Fprintf(&sb, " %d:%08x", n, e.sums[i])
	}
	sb.WriteByte('\n')
	return w.WriteString(sb.String())
}

func parseLengths(args []string) ([]int64, []uint32, error) {
	lengths := make([]int64, len(args))
	sums := make([]uint32, len(args))
	for i, arg := range args {
		n, sum, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, nil, fmt.Errorf("missing checksum in %q", arg)
		}
		length, err := strconv.ParseInt(n, 10, 64)
		if err != nil || length < 0 {
			return nil, nil, fmt.Errorf("bad length %q", n)
		}
		crc, err := strconv.ParseUint(sum, 16, 32)
		if err != nil {
			return nil, nil, fmt.Errorf("bad checksum %q", sum)
		}
		lengths[i] = length
		sums[i] = uint32(crc)
	}
	return lengths, sums, nil
}
