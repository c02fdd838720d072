package transcript

import (
	"errors"
	"fmt"
	"os"
)

// ErrCacheInUse indicates another console process holds the cache db.
var ErrCacheInUse = errors.New("transcript cache in use by another process")

// cacheLock is an advisory exclusive lock next to the cache db. Two consoles
// appending to the same db would interleave sessions unpredictably; the
// second opener falls back to running without a cache.
type cacheLock struct {
	f *os.File
}

func acquireCacheLock(path string) (*cacheLock, error) {
	if path == "" {
		return nil, errors.New("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	// Best-effort: record the holder pid for troubleshooting.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &cacheLock{f: f}, nil
}

func (l *cacheLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := funlock(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
