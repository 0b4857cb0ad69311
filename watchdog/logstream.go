package watchdog

import (
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"
)

// MaxLineLength is the longest line written to the log stream, including the
// time stamp, the tag and the trailing new line. Longer lines are truncated.
const MaxLineLength = 256

// LogStream is the log shared by every program. Each line is written with a
// single Write call under a lock, so lines from different programs never
// interleave.
type LogStream struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewLogStream creates a log stream writing into w.
func NewLogStream(w io.Writer) *LogStream {
	return &LogStream{w: w, now: time.Now}
}

// WriteLine writes text tagged with id as one line, formatted as
// "15:04:05 [id] text". Empty lines are dropped.
func (s *LogStream) WriteLine(id string, text []byte) error {
	if len(text) == 0 {
		return nil
	}

	line := make([]byte, 0, MaxLineLength)
	line = s.now().AppendFormat(line, "15:04:05")
	line = append(line, " ["...)
	line = append(line, id...)
	line = append(line, "] "...)
	line = append(line, text...)

	if len(line) > MaxLineLength-1 {
		n := MaxLineLength - 1
		for n > 0 && !utf8.RuneStart(line[n]) {
			n--
		}
		line = line[:n]
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.w.Write(line)
	return err
}

// Printf writes a supervisor line tagged with id.
func (s *LogStream) Printf(id, format string, v ...interface{}) {
	s.WriteLine(id, []byte(fmt.Sprintf(format, v...)))
}

// lineAssembler cuts a program's raw output into lines. Empty lines and
// leading NULs are dropped, and lines are capped at MaxLineLength bytes so a
// program that never writes a new line cannot grow the buffer.
type lineAssembler struct {
	buf  []byte
	emit func(line []byte)
}

func newLineAssembler(emit func([]byte)) *lineAssembler {
	return &lineAssembler{
		buf:  make([]byte, 0, MaxLineLength),
		emit: emit,
	}
}

// Write feeds raw output. It never fails.
func (a *lineAssembler) Write(p []byte) (int, error) {
	for _, ch := range p {
		if len(a.buf) == 0 && (ch == '\n' || ch == 0) {
			continue
		}

		if ch == '\n' {
			a.emit(a.buf)
			a.buf = a.buf[:0]
			continue
		}

		if len(a.buf) < MaxLineLength {
			a.buf = append(a.buf, ch)
		}
	}

	return len(p), nil
}

// Pending returns the unterminated line so far.
func (a *lineAssembler) Pending() []byte { return a.buf }
