package registry

import (
	"time"

	"github.com/gluk-w/claworc/shell-relay/internal/shell"
)

// EventType names a session lifecycle event.
type EventType string

const (
	EventCreated     EventType = "created"
	EventSpawnFailed EventType = "spawn_failed"
	EventEvicted     EventType = "evicted"
	EventClosed      EventType = "closed"
)

// Eviction reasons.
const (
	ReasonIdle     = "idle"
	ReasonClient   = "client"
	ReasonAdmin    = "admin"
	ReasonShutdown = "shutdown"
)

// Event describes one lifecycle transition.
type Event struct {
	Type      EventType
	SessionID string
	Owner     string
	Backend   string
	Command   string
	Target    string
	Reason    string
	ExitCode  int
	BytesIn   int64
	BytesOut  int64
	Err       error
	Time      time.Time
}

// EventSink receives lifecycle events. Implementations must not block.
type EventSink interface {
	SessionEvent(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev Event)

// SessionEvent calls f.
func (f EventSinkFunc) SessionEvent(ev Event) { f(ev) }

func newEvent(t EventType, s *shell.Session) Event {
	ev := Event{
		Type:      t,
		SessionID: s.ID,
		Owner:     s.Owner,
		Backend:   s.Spec.Backend,
		Command:   s.Spec.String(),
		Target:    s.Spec.Target,
		ExitCode:  -1,
		Time:      time.Now(),
	}
	ev.BytesIn, ev.BytesOut = s.Bytes()
	if code, ok := s.ExitCode(); ok {
		ev.ExitCode = code
	}
	return ev
}
