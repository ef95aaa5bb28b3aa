package jsondb

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"
)

// maxLineSize bounds a single document line.
const maxLineSize = 16 << 20

// lineSource reads a collection file line by line while holding a shared
// advisory lock.
type lineSource struct {
	path string
	f    *os.File
	lock *fileLock
	err  error
}

// openForRead opens path for reading. The returned error wraps fs.ErrNotExist
// when the file is absent.
func openForRead(path, lockPath string, opts *Options) (*lineSource, error) {
	lock, err := acquireLock(lockPath, false, opts)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open %s: %w", path, err), lock.release())
	}
	return &lineSource{path: path, f: f, lock: lock}, nil
}

// Lines yields every non-blank line with its 1-based line number.
//
// The yielded slice is only valid until the next iteration. The sequence can
// be consumed once; check Err afterwards.
func (s *lineSource) Lines() iter.Seq2[int, []byte] {
	return func(yield func(int, []byte) bool) {
		scanner := bufio.NewScanner(s.f)
		// Room for a maxLineSize line and its "\r\n" terminator.
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize+2)
		n := 0
		for scanner.Scan() {
			n++
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			if !yield(n, line) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			s.err = fmt.Errorf("failed to read %s: %w", s.path, err)
		}
	}
}

// Err returns the read error encountered by Lines, if any.
func (s *lineSource) Err() error {
	return s.err
}

// Close closes the file and releases the lock.
func (s *lineSource) Close() error {
	var err error
	if s.f != nil {
		err = s.f.Close()
		s.f = nil
	}
	return errors.Join(err, s.lock.release())
}

// lineSink appends lines to an existing collection file while holding an
// exclusive advisory lock.
type lineSink struct {
	path string
	f    *os.File
	lock *fileLock
}

func openForAppend(path, lockPath string, opts *Options) (*lineSink, error) {
	lock, err := acquireLock(lockPath, true, opts)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open %s for append: %w", path, err), lock.release())
	}
	return &lineSink{path: path, f: f, lock: lock}, nil
}

// Append writes all lines in one write followed by an fsync.
//
// On failure the file is truncated back to its previous size.
func (s *lineSink) Append(lines ...[]byte) error {
	st, err := s.f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", s.path, err)
	}
	size := st.Size()
	var buf bytes.Buffer
	if size > 0 {
		last := make([]byte, 1)
		if _, err := s.f.ReadAt(last, size-1); err != nil {
			return fmt.Errorf("failed to read %s: %w", s.path, err)
		}
		if last[0] != '\n' {
			buf.WriteByte('\n')
		}
	}
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if _, err = s.f.Write(buf.Bytes()); err == nil {
		err = s.f.Sync()
	}
	if err != nil {
		return errors.Join(fmt.Errorf("failed to append to %s: %w", s.path, err), s.f.Truncate(size))
	}
	return nil
}

func (s *lineSink) Close() error {
	var err error
	if s.f != nil {
		err = s.f.Close()
		s.f = nil
	}
	return errors.Join(err, s.lock.release())
}

// createFile creates path holding only the given lines. It fails if the file
// already exists.
func createFile(path, lockPath string, opts *Options, lines ...[]byte) (err error) {
	lock, err := acquireLock(lockPath, true, opts)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, lock.release())
	}()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrCollectionExists
		}
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err = w.Flush(); err == nil {
		err = f.Sync()
	}
	if err != nil {
		return errors.Join(fmt.Errorf("failed to write %s: %w", path, err), f.Close(), os.Remove(path))
	}
	if err := f.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close %s: %w", path, err), os.Remove(path))
	}
	return nil
}

// rewriteFile atomically replaces path with the given lines.
//
// The content is written to a temporary file in the same directory, synced,
// and renamed over path. On failure path is left untouched.
func rewriteFile(path, lockPath string, opts *Options, lines [][]byte) (err error) {
	start := time.Now()
	lock, err := acquireLock(lockPath, true, opts)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, lock.release())
	}()
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpPath := f.Name()
	w := bufio.NewWriter(f)
	for _, line := range lines {
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err = w.Flush(); err == nil {
		if err = f.Chmod(0o644); err == nil {
			err = f.Sync()
		}
	}
	if err != nil {
		return errors.Join(fmt.Errorf("failed to write %s: %w", tmpPath, err), f.Close(), os.Remove(tmpPath))
	}
	if err := f.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close %s: %w", tmpPath, err), os.Remove(tmpPath))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Join(fmt.Errorf("failed to rename %s to %s: %w", tmpPath, path, err), os.Remove(tmpPath))
	}
	syncDir(dir)
	rewrites.Inc()
	rewriteDuration.UpdateDuration(start)
	return nil
}

// syncDir flushes a directory entry update. Not every platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
