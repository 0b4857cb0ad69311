package watchdog

import "time"

// eventType describes an event type.
type eventType = string

const (
	eventWarning            eventType = "warning"
	eventAcquired           eventType = "acquired lock"
	eventStarted            eventType = "supervisor started"
	eventProgramSpawned     eventType = "program spawned"
	eventProgramSpawnError  eventType = "program spawn error"
	eventProgramRegistered  eventType = "program registered"
	eventProgramKilled      eventType = "program killed"
	eventProgramExited      eventType = "program exited"
	eventProgramOverdue     eventType = "program overdue"
	eventPanic              eventType = "panic"
	eventConfigFileModified eventType = "config file modified"
)

// Event is an interface describing known events.
type Event interface {
	Type() string
	event()
}

// NewEvent creates a new event from the given event type. It is used primarily
// for decoding events from its type. Nil is returned if the event type is
// unknown.
func NewEvent(eventType string) Event {
	switch eventType {
	case eventWarning:
		return &EventWarning{}
	case eventAcquired:
		return &EventAcquired{}
	case eventStarted:
		return &EventStarted{}
	case eventProgramSpawned:
		return &EventProgramSpawned{}
	case eventProgramSpawnError:
		return &EventProgramSpawnError{}
	case eventProgramRegistered:
		return &EventProgramRegistered{}
	case eventProgramKilled:
		return &EventProgramKilled{}
	case eventProgramExited:
		return &EventProgramExited{}
	case eventProgramOverdue:
		return &EventProgramOverdue{}
	case eventPanic:
		return &EventPanic{}
	case eventConfigFileModified:
		return &EventConfigFileModified{}
	default:
		return nil
	}
}

// EventWarning is emitted when a non-fatal error occurs.
type EventWarning struct {
	Component string `json:"component"`
	Error     string `json:"error"`
}

func (ev *EventWarning) Type() string { return eventWarning }
func (ev *EventWarning) event()       {}

// EventAcquired is emitted when the flock (i.e. write lock on the journal) is
// acquired, which is on startup.
type EventAcquired struct{}

func (ev *EventAcquired) Type() string { return eventAcquired }
func (ev *EventAcquired) event()       {}

// EventStarted is emitted once the directory server is up, before any program
// is launched. RunID distinguishes runs sharing a journal.
type EventStarted struct {
	RunID    string `json:"run_id"`
	PID      int    `json:"pid"`
	Node     string `json:"node"`
	Chid     int    `json:"chid"`
	Programs int    `json:"programs"`
}

func (ev *EventStarted) Type() string { return eventStarted }
func (ev *EventStarted) event()       {}

// EventProgramSpawned is emitted when a program has been launched.
type EventProgramSpawned struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Node string `json:"node,omitempty"`
	PID  int    `json:"pid"`
}

func (ev *EventProgramSpawned) Type() string { return eventProgramSpawned }
func (ev *EventProgramSpawned) event()       {}

// EventProgramSpawnError is emitted when a program fails to launch.
type EventProgramSpawnError struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (ev *EventProgramSpawnError) Type() string { return eventProgramSpawnError }
func (ev *EventProgramSpawnError) event()       {}

// EventProgramRegistered is emitted when a program registers its channel.
type EventProgramRegistered struct {
	ID   string `json:"id"`
	PID  int    `json:"pid"`
	Chid int    `json:"chid"`
}

func (ev *EventProgramRegistered) Type() string { return eventProgramRegistered }
func (ev *EventProgramRegistered) event()       {}

// EventProgramKilled is emitted when a program's log pipe reaches its end.
type EventProgramKilled struct {
	ID    string `json:"id"`
	PID   int    `json:"pid"`
	Error string `json:"error,omitempty"`
}

func (ev *EventProgramKilled) Type() string { return eventProgramKilled }
func (ev *EventProgramKilled) event()       {}

// EventProgramExited is emitted once a program is confirmed gone from the
// process table.
type EventProgramExited struct {
	ID       string `json:"id"`
	PID      int    `json:"pid"`
	ExitCode *int   `json:"exit_code,omitempty"` // -1 if signaled, nil if unknown
}

func (ev *EventProgramExited) Type() string { return eventProgramExited }
func (ev *EventProgramExited) event()       {}

// EventProgramOverdue is emitted when a program misses its check-in deadline.
type EventProgramOverdue struct {
	ID       string        `json:"id"`
	Deadline time.Time     `json:"deadline"`
	Watch    time.Duration `json:"watch"`
}

func (ev *EventProgramOverdue) Type() string { return eventProgramOverdue }
func (ev *EventProgramOverdue) event()       {}

// EventPanic is emitted once, by the goroutine that wins the shutdown.
type EventPanic struct {
	Component string `json:"component"`
	ID        string `json:"id,omitempty"`
	Reason    string `json:"reason"`
}

func (ev *EventPanic) Type() string { return eventPanic }
func (ev *EventPanic) event()       {}

// EventConfigFileModified is emitted when the start file changes while the
// supervisor runs. Changes take effect on the next start only.
type EventConfigFileModified struct {
	File string `json:"file"`
	Op   string `json:"op"`
}

func (ev *EventConfigFileModified) Type() string { return eventConfigFileModified }
func (ev *EventConfigFileModified) event()       {}
