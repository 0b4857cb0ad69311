package dirproto

import "github.com/pkg/errors"

// Status is the result code of a request, sent ahead of every reply.
type Status uint32

const (
	StatusOK Status = iota
	// StatusNoSuchProcess means the sender of a heartbeat could not be matched
	// to a supervised program, or a looked up name matches no program.
	StatusNoSuchProcess
	// StatusNotConnected means the looked up program has not registered a
	// channel yet. Callers should retry later.
	StatusNotConnected
	// StatusNoSuchProgram means a registration named no configured program.
	StatusNoSuchProgram
	// StatusBadMessage means the request was malformed or had the wrong size.
	StatusBadMessage
	// StatusUnknownMessage means the tag was not recognized.
	StatusUnknownMessage
	// StatusUnavailable means the server is shutting down.
	StatusUnavailable
)

// Errors for each non-OK status.
var (
	ErrNoSuchProcess  = errors.New("no such process")
	ErrNotConnected   = errors.New("server not connected")
	ErrNoSuchProgram  = errors.New("no such program")
	ErrBadMessage     = errors.New("bad message")
	ErrUnknownMessage = errors.New("unknown message type")
	ErrUnavailable    = errors.New("directory unavailable")
)

var statusErrors = map[Status]error{
	StatusNoSuchProcess:  ErrNoSuchProcess,
	StatusNotConnected:   ErrNotConnected,
	StatusNoSuchProgram:  ErrNoSuchProgram,
	StatusBadMessage:     ErrBadMessage,
	StatusUnknownMessage: ErrUnknownMessage,
	StatusUnavailable:    ErrUnavailable,
}

// Err returns the sentinel error for the status, or nil for StatusOK.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	if err, ok := statusErrors[s]; ok {
		return err
	}
	return errors.Errorf("unknown status %d", uint32(s))
}

// StatusOf maps an error back to a status. Errors wrapping a sentinel map to
// that sentinel's status; anything else is a bad message.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	for status, sentinel := range statusErrors {
		if errors.Is(err, sentinel) {
			return status
		}
	}
	return StatusBadMessage
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoSuchProcess:
		return "no_such_process"
	case StatusNotConnected:
		return "not_connected"
	case StatusNoSuchProgram:
		return "no_such_program"
	case StatusBadMessage:
		return "bad_message"
	case StatusUnknownMessage:
		return "unknown_message"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}
