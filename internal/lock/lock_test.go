package lock

import (
	"errors"
	"os"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatal(err)
	}

	// Lock file should be gone after release.
	if _, err := os.Stat(dir + "/LOCK"); !os.IsNotExist(err) {
		t.Error("lock file still exists after release")
	}

	// Reacquire should succeed.
	l2, err := Acquire(dir)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	_ = l2.Release()
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Release() }()

	_, err = Acquire(dir)
	if err == nil {
		t.Fatal("second acquire should fail while lock is held")
	}
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("error type = %T, want *HeldError", err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("held PID = %d, want %d", held.PID, os.Getpid())
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("Release on nil = %v, want nil", err)
	}
}
