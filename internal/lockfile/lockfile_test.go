package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquire_RecordsHolder(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("unexpected lock path %q", lock.Path())
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	h, ok := parseHolder(string(content))
	if !ok || h.PID != os.Getpid() {
		t.Errorf("expected holder pid %d, got %+v from %q", os.Getpid(), h, content)
	}
	if h.Started.IsZero() {
		t.Error("expected start time to be recorded")
	}
}

func TestAcquire_Conflict(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	second, err := Acquire(dir)
	if err == nil {
		second.Release()
		t.Fatal("expected second Acquire to fail")
	}
	if !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
	var lerr *LockError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *LockError, got %T", err)
	}
	if lerr.Holder == nil || lerr.Holder.PID != os.Getpid() {
		t.Errorf("expected holder to be this process, got %+v", lerr.Holder)
	}
	if !strings.Contains(err.Error(), "(running)") {
		t.Errorf("expected running holder in message: %s", err)
	}

	// The losing attempt must not clobber the holder record.
	content, _ := os.ReadFile(first.Path())
	if _, ok := parseHolder(string(content)); !ok {
		t.Errorf("holder record lost after conflicting Acquire: %q", content)
	}
}

func TestRelease_RemovesFileAndAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("expected lock file removed, stat err = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestAcquire_CreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected directory to be created: %v", err)
	}
}

func TestParseHolder(t *testing.T) {
	started := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		want    Holder
		ok      bool
	}{
		{"pid and start", "pid=42\nstarted=2024-03-01T08:00:00Z\n", Holder{PID: 42, Started: started}, true},
		{"pid only", "pid=7", Holder{PID: 7}, true},
		{"bad start ignored", "pid=7\nstarted=yesterday\n", Holder{PID: 7}, true},
		{"no pid", "started=2024-03-01T08:00:00Z", Holder{Started: started}, false},
		{"garbage", "hello", Holder{}, false},
		{"non-positive pid", "pid=0", Holder{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseHolder(tt.content)
			if ok != tt.ok || got.PID != tt.want.PID || !got.Started.Equal(tt.want.Started) {
				t.Errorf("parseHolder(%q) = %+v, %v; want %+v, %v", tt.content, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestProcessAlive(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("expected current process to be alive")
	}
	if processAlive(999999) {
		t.Error("expected pid 999999 not to be running")
	}
}

func TestLockError_StaleHolder(t *testing.T) {
	err := &LockError{Path: "/tmp/x/" + LockFileName, Holder: &Holder{PID: 999999}}
	if !strings.Contains(err.Error(), "stale") {
		t.Errorf("expected stale holder in message: %s", err)
	}
	if !errors.Is(err, ErrLocked) {
		t.Error("expected LockError to match ErrLocked")
	}
}
