package journal

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"git.unix.lgbt/diamondburned/watchdog/watchdog"
)

// Event describes the JSON structure of an event to be written.
type Event struct {
	Time time.Time      `json:"time"`
	Type string         `json:"type"`
	Data watchdog.Event `json:"data"`
}

// Writer is a simple journaler that writes line-delimited JSON events into the
// writer.
type Writer struct {
	w  io.Writer
	id string
}

var _ watchdog.Journaler = (*Writer)(nil)

// NewWriter creates a new journal writer.
func NewWriter(id string, w io.Writer) *Writer {
	return &Writer{w, id}
}

// ID implements watchdog.Journaler.
func (l *Writer) ID() string { return l.id }

// Write writes the given event into the writer. Each event is written with a
// single Write call, so writes to files opened with O_APPEND are atomic.
func (l *Writer) Write(ev watchdog.Event) error {
	evJSON := Event{
		Time: time.Now(),
		Type: ev.Type(),
		Data: ev,
	}

	buf := bytes.Buffer{}
	buf.Grow(512)

	// Encode appends the new line.
	if err := json.NewEncoder(&buf).Encode(evJSON); err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	if _, err := l.w.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "failed to write event")
	}

	return nil
}

// HumanWriter mirrors events into a zap logger. Failure events are logged as
// errors, warnings as warnings and everything else as info.
type HumanWriter struct {
	log *zap.SugaredLogger
	id  string
}

var _ watchdog.Journaler = (*HumanWriter)(nil)

// NewHumanWriter creates a journaler logging into log.
func NewHumanWriter(id string, log *zap.SugaredLogger) *HumanWriter {
	return &HumanWriter{log, id}
}

// ID implements watchdog.Journaler.
func (h *HumanWriter) ID() string { return h.id }

// Write implements watchdog.Journaler.
func (h *HumanWriter) Write(ev watchdog.Event) error {
	log := h.log.With("event", ev.Type())

	switch ev := ev.(type) {
	case *watchdog.EventWarning:
		log.Warnw(ev.Error, "component", ev.Component)
	case *watchdog.EventPanic:
		log.Errorw(ev.Reason, "component", ev.Component, "id", ev.ID)
	case *watchdog.EventProgramSpawnError:
		log.Errorw(ev.Reason, "id", ev.ID, "path", ev.Path)
	case *watchdog.EventProgramOverdue:
		log.Errorw("program missed its check-in", "id", ev.ID, "deadline", ev.Deadline)
	case *watchdog.EventProgramExited:
		log.Errorw("program has exited", "id", ev.ID, "pid", ev.PID, "exit_code", ev.ExitCode)
	default:
		log.Infow(ev.Type(), "data", ev)
	}

	return nil
}
