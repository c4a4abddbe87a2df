package pathmirror

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Metrics defines the interface for collecting and reporting mirror statistics.
type Metrics interface {
	AddFilesCopied(n int64)
	AddFilesUpToDate(n int64)
	AddFilesFailed(n int64)
	AddDirsCreated(n int64)
	AddEntriesDeleted(n int64)
	AddEntriesExcluded(n int64)
	AddEventsRouted(n int64)
	AddEventsDropped(n int64)
	AddBytesWritten(n int64)
	LogSummary(msg string)

	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// MirrorMetrics holds the atomic counters of a mirror session.
// It is the concrete implementation of the Metrics interface.
type MirrorMetrics struct {
	FilesCopied     atomic.Int64
	FilesUpToDate   atomic.Int64
	FilesFailed     atomic.Int64
	DirsCreated     atomic.Int64
	EntriesDeleted  atomic.Int64
	EntriesExcluded atomic.Int64
	EventsRouted    atomic.Int64
	EventsDropped   atomic.Int64
	BytesWritten    atomic.Int64

	stopChan  chan struct{}
	doneChan  chan struct{}
	startTime time.Time
}

func (m *MirrorMetrics) AddFilesCopied(n int64)     { m.FilesCopied.Add(n) }
func (m *MirrorMetrics) AddFilesUpToDate(n int64)   { m.FilesUpToDate.Add(n) }
func (m *MirrorMetrics) AddFilesFailed(n int64)     { m.FilesFailed.Add(n) }
func (m *MirrorMetrics) AddDirsCreated(n int64)     { m.DirsCreated.Add(n) }
func (m *MirrorMetrics) AddEntriesDeleted(n int64)  { m.EntriesDeleted.Add(n) }
func (m *MirrorMetrics) AddEntriesExcluded(n int64) { m.EntriesExcluded.Add(n) }
func (m *MirrorMetrics) AddEventsRouted(n int64)    { m.EventsRouted.Add(n) }
func (m *MirrorMetrics) AddEventsDropped(n int64)   { m.EventsDropped.Add(n) }
func (m *MirrorMetrics) AddBytesWritten(n int64)    { m.BytesWritten.Add(n) }

// StartProgress logs a summary line every interval until StopProgress.
func (m *MirrorMetrics) StartProgress(msg string, interval time.Duration) {
	m.startTime = time.Now()
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stopChan, m.doneChan = stop, done
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-stop:
				return
			}
		}
	}()
}

// StopProgress stops the progress goroutine and waits for it to exit.
// Calling it again, or without StartProgress, is a no-op.
func (m *MirrorMetrics) StopProgress() {
	if m.stopChan == nil {
		return
	}
	close(m.stopChan)
	<-m.doneChan
	m.stopChan, m.doneChan = nil, nil
}

// LogSummary prints the counters with a custom message.
// This can be called by a background ticker or at shutdown.
func (m *MirrorMetrics) LogSummary(msg string) {
	duration := time.Duration(0)
	if !m.startTime.IsZero() {
		duration = time.Since(m.startTime)
	}

	plog.Info(msg,
		"bytes_written", util.ByteCountIEC(m.BytesWritten.Load()),
		"files_copied", m.FilesCopied.Load(),
		"files_uptodate", m.FilesUpToDate.Load(),
		"files_failed", m.FilesFailed.Load(),
		"dirs_created", m.DirsCreated.Load(),
		"entries_deleted", m.EntriesDeleted.Load(),
		"entries_excluded", m.EntriesExcluded.Load(),
		"events_routed", m.EventsRouted.Load(),
		"events_dropped", m.EventsDropped.Load(),
		"duration", duration.Round(time.Millisecond),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable metrics collection without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesCopied(n int64)                           {}
func (m *NoopMetrics) AddFilesUpToDate(n int64)                         {}
func (m *NoopMetrics) AddFilesFailed(n int64)                           {}
func (m *NoopMetrics) AddDirsCreated(n int64)                           {}
func (m *NoopMetrics) AddEntriesDeleted(n int64)                        {}
func (m *NoopMetrics) AddEntriesExcluded(n int64)                       {}
func (m *NoopMetrics) AddEventsRouted(n int64)                          {}
func (m *NoopMetrics) AddEventsDropped(n int64)                         {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*MirrorMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
