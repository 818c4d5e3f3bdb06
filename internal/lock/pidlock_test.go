package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquirePIDLockWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "data", "dispatcher.lock")
	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		t.Fatalf("expected PID in lock file, got empty")
	}
	pid, err := HolderPID(lockPath)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("HolderPID = %d, %v; want %d", pid, err, os.Getpid())
	}
}

func TestSecondAcquireFailsUntilRelease(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "dispatcher.lock")
	first, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err = AcquirePIDLock(lockPath)
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("second acquire err = %v, want ErrHeld", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	again, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = again.Release()
}

func TestAcquirePIDLockEmptyPath(t *testing.T) {
	if _, err := AcquirePIDLock(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
