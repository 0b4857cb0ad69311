package journal

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/diamondburned/backwardio"
	"github.com/pkg/errors"

	"git.unix.lgbt/diamondburned/watchdog/watchdog"
)

// Reader reads journals written by Writer from the bottom up.
type Reader struct {
	b   *backwardio.Scanner
	eof bool
}

var _ watchdog.JournalReader = (*Reader)(nil)

// NewReader creates a new journal reader.
func NewReader(r io.ReadSeeker) *Reader {
	return &Reader{b: backwardio.NewScanner(r)}
}

// line returns the next non-blank line going up. The topmost line may come
// with io.EOF, so the EOF is held back until the following call.
func (r *Reader) line() ([]byte, error) {
	for !r.eof {
		line, err := r.b.ReadUntil('\n')
		if err != nil {
			if err != io.EOF {
				return nil, err
			}
			r.eof = true
		}

		if line = bytes.TrimSpace(line); len(line) > 0 {
			return line, nil
		}
	}

	return nil, io.EOF
}

// Read reads a single entry, starting from the end of the file. An EOF error
// is returned if the file has been fully consumed.
func (r *Reader) Read() (watchdog.Event, time.Time, error) {
	line, err := r.line()
	if err != nil {
		return nil, time.Time{}, err
	}

	var rawEvent struct {
		Time time.Time       `json:"time"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(line, &rawEvent); err != nil {
		return nil, time.Time{}, errors.Wrap(err, "failed to decode JSON")
	}

	event := watchdog.NewEvent(rawEvent.Type)
	if event == nil {
		return nil, time.Time{}, errors.Errorf("unknown event %q", rawEvent.Type)
	}

	if err := json.Unmarshal(rawEvent.Data, event); err != nil {
		return nil, time.Time{}, errors.Wrap(err, "failed to decode event data")
	}

	return event, rawEvent.Time, nil
}

// ReadPostmortemFile reads the Postmortem from the given file path.
func ReadPostmortemFile(path string) (*watchdog.Postmortem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadPostmortem(f)
}

// ReadPostmortem reads backwards the given reader to return the Postmortem.
func ReadPostmortem(r io.ReadSeeker) (*watchdog.Postmortem, error) {
	return watchdog.ReadPostmortem(NewReader(r))
}
