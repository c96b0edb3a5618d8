package mcp

import (
	"context"
	"iter"
	"slices"
	"strconv"
	"sync"
)

// DefaultEventLogCapacity is the number of events retained per session.
const DefaultEventLogCapacity = 100

// MemoryEventLog is an in-process EventLog. Event ids are decimal sequence numbers that start at 1
// for each session.
type MemoryEventLog struct {
	capacity int

	mu       sync.Mutex
	sessions map[string]*sessionEvents
}

type sessionEvents struct {
	seq    uint64
	events []Event
}

// NewMemoryEventLog creates a log retaining capacity events per session. A non-positive capacity
// selects DefaultEventLogCapacity.
func NewMemoryEventLog(capacity int) *MemoryEventLog {
	if capacity <= 0 {
		capacity = DefaultEventLogCapacity
	}
	return &MemoryEventLog{
		capacity: capacity,
		sessions: make(map[string]*sessionEvents),
	}
}

// Append implements EventLog.
func (l *MemoryEventLog) Append(_ context.Context, sessionID string, payload []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	se, ok := l.sessions[sessionID]
	if !ok {
		se = &sessionEvents{events: make([]Event, 0, l.capacity)}
		l.sessions[sessionID] = se
	}

	se.seq++
	ev := Event{
		ID:      strconv.FormatUint(se.seq, 10),
		Payload: slices.Clone(payload),
	}
	if len(se.events) == l.capacity {
		se.events = slices.Delete(se.events, 0, 1)
	}
	se.events = append(se.events, ev)

	return ev.ID, nil
}

// ReplaySince implements EventLog. The returned sequence iterates a snapshot, appends made after
// the call are not visible through it.
func (l *MemoryEventLog) ReplaySince(_ context.Context, sessionID, lastEventID string) (iter.Seq[Event], error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	se, ok := l.sessions[sessionID]
	if !ok {
		return slices.Values([]Event(nil)), nil
	}
	return slices.Values(slices.Clone(WindowAfter(se.events, lastEventID))), nil
}

// Clear implements EventLog.
func (l *MemoryEventLog) Clear(_ context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.sessions, sessionID)
	return nil
}

// WindowAfter returns the events of an ordered window strictly after lastEventID. It is the replay
// rule shared by every EventLog implementation. A missing marker can mean either "nothing missed"
// or "evicted", the two are indistinguishable, so the whole window is returned.
func WindowAfter(events []Event, lastEventID string) []Event {
	if lastEventID == "" {
		return events
	}
	i := slices.IndexFunc(events, func(ev Event) bool { return ev.ID == lastEventID })
	if i < 0 {
		return events
	}
	return events[i+1:]
}
