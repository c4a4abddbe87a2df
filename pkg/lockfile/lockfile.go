// Package lockfile guards a target root against being fed by two mirror
// processes at once.
//
// The lock is a small JSON file in the target root, created with O_EXCL and
// refreshed by a heartbeat. A lock whose heartbeat is older than the stale
// timeout belongs to a crashed process and may be taken over.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// LockFileName is the name of the lock file created in each target root.
// The '~' prefix marks it as temporary.
const LockFileName = ".~pgl-mirror.lock"

// Owner is the content of a lock file.
type Owner struct {
	PID       int64     `json:"pid"`
	Hostname  string    `json:"hostname"`
	Source    string    `json:"source"`
	Heartbeat time.Time `json:"heartbeat"`
	Nonce     string    `json:"nonce"`
}

// ErrLockActive is returned when another live process owns the target.
type ErrLockActive struct {
	Owner Owner
	Age   time.Duration
}

func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("target is locked by PID %d on host '%s' mirroring '%s', last heartbeat %s ago",
		e.Owner.PID, e.Owner.Hostname, e.Owner.Source, e.Age.Truncate(time.Second))
}

var (
	errLostTakeover = errors.New("another process took over the stale lock first")
	errUnreadable   = errors.New("lock file is empty or corrupt")
)

// These are vars to allow modification during testing.
var (
	heartbeatInterval = time.Minute
	staleTimeout      = 3 * heartbeatInterval
	retryDelay        = 100 * time.Millisecond
)

// Lock is a held lock on one target root.
type Lock struct {
	path  string
	owner Owner

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Acquire takes the lock of the target root dir on behalf of source.
// It returns *ErrLockActive when a live process holds it.
func Acquire(ctx context.Context, dir, source string) (*Lock, error) {
	path := filepath.Join(dir, LockFileName)

	const attempts = 3
	for range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lock, err := create(path, source)
		if err == nil {
			return lock.start(), nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
		}

		current, err := read(path)
		switch {
		case errors.Is(err, errUnreadable):
			plog.Warn("Lock file is unreadable, treating it as stale", "path", path, "error", err)
		case err != nil:
			time.Sleep(retryDelay)
			continue
		default:
			age := time.Since(current.Heartbeat)
			if age < staleTimeout {
				return nil, &ErrLockActive{Owner: current, Age: age}
			}
			plog.Warn("Found stale lock, taking over", "path", path, "pid", current.PID, "age", age.Truncate(time.Second))
		}

		lock, err = takeOver(path, source)
		if err == nil {
			return lock.start(), nil
		}
		if errors.Is(err, errLostTakeover) {
			plog.Debug("Lost stale lock takeover, retrying", "path", path)
		} else {
			plog.Warn("Stale lock takeover failed, retrying", "path", path, "error", err)
		}
		time.Sleep(retryDelay)
	}
	return nil, fmt.Errorf("failed to acquire lock %s after %d attempts", path, attempts)
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release stops the heartbeat and removes the lock file. It is safe to call
// more than once.
func (l *Lock) Release() {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
			return
		}
		plog.Debug("Lock released", "path", l.path)
	})
}

func newOwner(source string) (Owner, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Owner{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return Owner{}, err
	}
	return Owner{
		PID:       int64(os.Getpid()),
		Hostname:  hostname,
		Source:    source,
		Heartbeat: time.Now().UTC(),
		Nonce:     hex.EncodeToString(nonce),
	}, nil
}

// create succeeds only for the process that creates the file.
func create(path, source string) (*Lock, error) {
	owner, err := newOwner(source)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(owner, "", "  ")
	if err == nil {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	return &Lock{path: path, owner: owner}, nil
}

// takeOver replaces a stale lock and reads it back to see who won.
func takeOver(path, source string) (*Lock, error) {
	owner, err := newOwner(source)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(path, owner); err != nil {
		return nil, err
	}
	current, err := read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read back lock file: %w", err)
	}
	if current.Nonce != owner.Nonce {
		return nil, errLostTakeover
	}
	return &Lock{path: path, owner: owner}, nil
}

func (l *Lock) start() *Lock {
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.heartbeat()
	return l
}

func (l *Lock) heartbeat() {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.owner.Heartbeat = time.Now().UTC()
			if err := writeAtomic(l.path, l.owner); err != nil {
				plog.Warn("Failed to refresh lock file", "path", l.path, "error", err)
			}
		}
	}
}

// writeAtomic replaces path through a temp file in the same directory, so
// readers never see a partial lock.
func writeAtomic(path string, owner Owner) error {
	data, err := json.MarshalIndent(owner, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp lock file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp lock file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp lock file: %w", err)
	}
	return nil
}

// read parses the lock file, retrying briefly over empty or partial content.
func read(path string) (Owner, error) {
	var parseErr error
	for range 3 {
		data, err := os.ReadFile(path)
		if err != nil {
			return Owner{}, err
		}
		var owner Owner
		if len(data) == 0 {
			parseErr = errors.New("empty file")
		} else if parseErr = json.Unmarshal(data, &owner); parseErr == nil {
			return owner, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return Owner{}, fmt.Errorf("%w: %v", errUnreadable, parseErr)
}
