package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotatingFile is an io.WriteCloser over a log file that is rotated to
// path.1, path.2, ... once it would grow past maxSize bytes.
type RotatingFile struct {
	mu sync.Mutex

	path       string
	maxSize    int64
	maxBackups int

	file *os.File
	size int64
}

// NewRotatingFile opens path for appending. A maxSize of zero disables
// rotation; with maxBackups zero a full file is truncated.
func NewRotatingFile(path string, maxSize int64, maxBackups int) (*RotatingFile, error) {
	if maxBackups < 0 {
		return nil, fmt.Errorf("log rotation: negative backup count %d", maxBackups)
	}
	rf := &RotatingFile{
		path:       path,
		maxSize:    maxSize,
		maxBackups: maxBackups,
	}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *RotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(rf.path), 0o750); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	// audit records name principals and peers; owner only
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	rf.file = f
	rf.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if rf.maxSize > 0 && rf.size > 0 && rf.size+int64(len(p)) > rf.maxSize {
		if err := rf.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// Reopen closes and reopens the file, for use after an external tool moved
// it away.
func (rf *RotatingFile) Reopen() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if rf.file != nil {
		if err := rf.file.Close(); err != nil {
			return err
		}
		rf.file = nil
	}
	return rf.open()
}

// rotate must be called with mu held.
func (rf *RotatingFile) rotate() error {
	if err := rf.file.Close(); err != nil {
		return err
	}
	rf.file = nil

	if rf.maxBackups == 0 {
		if err := os.Truncate(rf.path, 0); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("truncate log: %w", err)
		}
		return rf.open()
	}

	// path.N-1 -> path.N, ..., path -> path.1; the oldest is overwritten
	for i := rf.maxBackups - 1; i >= 0; i-- {
		from := rf.backupName(i)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, rf.backupName(i+1)); err != nil {
			return fmt.Errorf("rename %s: %w", from, err)
		}
	}
	return rf.open()
}

func (rf *RotatingFile) backupName(i int) string {
	if i == 0 {
		return rf.path
	}
	return fmt.Sprintf("%s.%d", rf.path, i)
}

// Close implements io.Closer.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}
