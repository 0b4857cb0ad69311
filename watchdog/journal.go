package watchdog

import (
	"io"
	"time"

	"github.com/pkg/errors"
)

// Journaler describes an event logger.
type Journaler interface {
	// ID returns a name describing where events go.
	ID() string
	Write(Event) error
}

// JournalReader reads events back, newest first. io.EOF is returned once all
// events have been read.
type JournalReader interface {
	Read() (Event, time.Time, error)
}

// JournalReadWriter is a journal that can be read back.
type JournalReadWriter interface {
	Journaler
	JournalReader
}

// TimedEvent is an event with the time it was written.
type TimedEvent struct {
	Time  time.Time
	Event Event
}

// Postmortem describes how the last run ended.
type Postmortem struct {
	// Started is the start of the last run, if found.
	Started *EventStarted
	// Panic is the panic that ended the last run. It is nil if the run is
	// still going or ended without a panic reaching the journal.
	Panic *EventPanic
	// PanicTime is when Panic was written.
	PanicTime time.Time
	// Events holds everything written during the last run, oldest first.
	Events []TimedEvent
}

// ReadPostmortem reads backwards until the start of the last run.
func ReadPostmortem(r JournalReader) (*Postmortem, error) {
	var pm Postmortem

	for {
		ev, t, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}

		pm.Events = append(pm.Events, TimedEvent{t, ev})

		switch ev := ev.(type) {
		case *EventPanic:
			if pm.Panic == nil {
				pm.Panic = ev
				pm.PanicTime = t
			}
		case *EventStarted:
			pm.Started = ev
		}

		if pm.Started != nil {
			break
		}
	}

	for i, j := 0, len(pm.Events)-1; i < j; i, j = i+1, j-1 {
		pm.Events[i], pm.Events[j] = pm.Events[j], pm.Events[i]
	}

	return &pm, nil
}
