package lockfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.lock")

	lock, err := Acquire(path, time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lockfile missing: %v", err)
	}

	if _, err := Acquire(path, time.Minute); err == nil {
		t.Fatal("second Acquire should fail while held")
	}

	lock.Release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("lockfile not removed on release")
	}

	lock2, err := Acquire(path, time.Minute)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	lock2.Release()
}

func TestStaleReclaim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.lock")
	if err := os.WriteFile(path, []byte("99999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-10 * time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(path, 5*time.Minute)
	if err != nil {
		t.Fatalf("stale lock not reclaimed: %v", err)
	}
	lock.Release()
}

func TestReleaseNil(t *testing.T) {
	var lock *Lock
	lock.Release()
}

func TestDoubleRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.lock")
	lock, err := Acquire(path, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	lock.Release()
	lock.Release()
}
