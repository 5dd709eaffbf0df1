package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	defaultLockWait   = 2 * time.Second
	lockRetryInterval = 50 * time.Millisecond
	// A lock file without a readable pid is only taken over after this long.
	staleLockAge = 10 * time.Minute
)

// acquireLock creates the on-disk chain lock holding this process id. A live
// holder is waited for up to the store's lock wait; a lock left by a process
// that no longer exists is removed.
func (s *Store) acquireLock(ctx context.Context) (func(), error) {
	path := s.layout.lockPath()
	deadline := time.Now().Add(s.lockWait)
	for {
		err := createLock(path)
		if err == nil {
			return func() {
				if err := os.Remove(path); err != nil {
					s.logger.Printf("audit: release chain lock: %v", err)
				}
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		if s.breakStaleLock(path) {
			continue
		}
		if !time.Now().Before(deadline) {
			return nil, ErrChainLocked
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrChainLocked, ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}
}

func createLock(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(file, "%d\n", os.Getpid())
	cerr := file.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return fmt.Errorf("write chain lock: %w", werr)
	}
	return nil
}

// breakStaleLock removes the lock at path when its holder is gone and
// reports whether acquiring should be retried at once.
func (s *Store) breakStaleLock(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	holder := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(holder)
	if err == nil {
		if processAlive(pid) {
			return false
		}
	} else {
		info, err := os.Stat(path)
		if err != nil || time.Since(info.ModTime()) < staleLockAge {
			return false
		}
	}

	// Another process may have taken the lock over in the meantime.
	again, err := os.ReadFile(path)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	if !bytes.Equal(again, data) {
		return false
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Printf("audit: remove stale chain lock: %v", err)
		return false
	}
	s.logger.Printf("audit: removed stale chain lock held by %q", holder)
	return true
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH)
}
