// Package lockfile implements an exclusive on-disk lock with staleness
// reclaim, used to guard agent spawns across bridge instances.
package lockfile

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DefaultStale is how old a lockfile must be before it is reclaimed.
const DefaultStale = 5 * time.Minute

// Lock is a held lockfile. Release removes it.
type Lock struct {
	path string
}

// Acquire creates path exclusively, writing the holder pid. An existing lock
// older than stale is removed and acquisition retried once.
func Acquire(path string, stale time.Duration) (*Lock, error) {
	if stale <= 0 {
		stale = DefaultStale
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}
		info, statErr := os.Stat(path)
		if statErr != nil {
			// Holder released between open and stat; retry.
			continue
		}
		if time.Since(info.ModTime()) < stale {
			return nil, fmt.Errorf("lock %s held by pid %s", path, holderPid(path))
		}
		os.Remove(path)
	}
	return nil, fmt.Errorf("lock %s: could not acquire", path)
}

// Release removes the lockfile. Safe to call more than once.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	os.Remove(l.path)
}

func holderPid(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	pid := string(data)
	if len(pid) > 0 && pid[len(pid)-1] == '\n' {
		pid = pid[:len(pid)-1]
	}
	if _, err := strconv.Atoi(pid); err != nil {
		return "unknown"
	}
	return pid
}
