package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func writeOwner(t *testing.T, path string, owner Owner) {
	t.Helper()
	data, err := json.Marshal(owner)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write lock file: %v", err)
	}
}

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(context.Background(), dir, "/src")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); err != nil {
		t.Fatalf("lock file was not created: %v", err)
	}

	lock.Release()
	lock.Release()
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Fatal("lock file was not removed after Release")
	}
}

func TestContention(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(context.Background(), dir, "/src/one")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer first.Release()

	_, err = Acquire(context.Background(), dir, "/src/two")
	var active *ErrLockActive
	if !errors.As(err, &active) {
		t.Fatalf("expected *ErrLockActive, got %T: %v", err, err)
	}
	if active.Owner.Source != "/src/one" {
		t.Errorf("Owner.Source = %q, want %q", active.Owner.Source, "/src/one")
	}
}

func TestStaleLockTakeover(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)
	writeOwner(t, path, Owner{
		PID:       12345,
		Hostname:  "gone-host",
		Source:    "/old",
		Heartbeat: time.Now().Add(-(staleTimeout + time.Minute)),
		Nonce:     "stale",
	})

	lock, err := Acquire(context.Background(), dir, "/new")
	if err != nil {
		t.Fatalf("Acquire() on stale lock error = %v", err)
	}
	defer lock.Release()

	owner, err := read(path)
	if err != nil {
		t.Fatal(err)
	}
	if owner.Source != "/new" || owner.PID != int64(os.Getpid()) {
		t.Errorf("lock owner = %+v, want this process mirroring /new", owner)
	}
}

func TestCorruptLockTakeover(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(context.Background(), dir, "/src")
	if err != nil {
		t.Fatalf("Acquire() on corrupt lock error = %v", err)
	}
	lock.Release()
}

func TestStaleLockContention(t *testing.T) {
	dir := t.TempDir()
	writeOwner(t, filepath.Join(dir, LockFileName), Owner{
		PID:       12345,
		Heartbeat: time.Now().Add(-(staleTimeout + time.Minute)),
		Nonce:     "stale",
	})

	var wg sync.WaitGroup
	results := make(chan *Lock, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lock, err := Acquire(context.Background(), dir, "/src"); err == nil {
				results <- lock
			}
		}()
	}
	wg.Wait()
	close(results)

	var winners int
	for lock := range results {
		winners++
		lock.Release()
	}
	if winners < 1 {
		t.Fatal("expected at least one process to take over the stale lock")
	}
}

func TestHeartbeatRefreshesLock(t *testing.T) {
	orig := heartbeatInterval
	heartbeatInterval = 20 * time.Millisecond
	t.Cleanup(func() { heartbeatInterval = orig })

	dir := t.TempDir()
	lock, err := Acquire(context.Background(), dir, "/src")
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	before, err := read(lock.Path())
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	after, err := read(lock.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !after.Heartbeat.After(before.Heartbeat) {
		t.Errorf("heartbeat not refreshed: before %v after %v", before.Heartbeat, after.Heartbeat)
	}
}

func TestAcquireCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Acquire(ctx, t.TempDir(), "/src"); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire() error = %v, want context.Canceled", err)
	}
}
