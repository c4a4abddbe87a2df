package pathmirror

import "fmt"

// EventKind is the kind of a filesystem change notification.
type EventKind int

const (
	Created EventKind = iota
	Changed
	Deleted
	Renamed
)

var eventKindToString = map[EventKind]string{
	Created: "created",
	Changed: "changed",
	Deleted: "deleted",
	Renamed: "renamed",
}

func (k EventKind) String() string {
	if s, ok := eventKindToString[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown_event_kind(%d)", int(k))
}

// RawChangeEvent is a change notification as delivered by a watcher. Path is
// not yet normalized. OldPath is only set for Renamed.
type RawChangeEvent struct {
	Kind    EventKind
	Path    string
	OldPath string
}
