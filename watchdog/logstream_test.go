package watchdog

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

func newTestLogStream(buf *bytes.Buffer) *LogStream {
	s := NewLogStream(buf)
	s.now = func() time.Time { return time.Date(2020, 1, 1, 13, 4, 5, 0, time.Local) }
	return s
}

func TestLogStream(t *testing.T) {
	t.Run("format", func(t *testing.T) {
		var buf bytes.Buffer
		s := newTestLogStream(&buf)

		s.WriteLine("prog", []byte("hello world"))
		s.WriteLine("prog", nil)
		s.Printf(SupervisorTag, "Launched %s successfully.", "prog")

		expect := "" +
			"13:04:05 [prog] hello world\n" +
			"13:04:05 [watchdog] Launched prog successfully.\n"

		if got := buf.String(); got != expect {
			t.Errorf("unexpected output:\n%q\nexpected:\n%q", got, expect)
		}
	})

	t.Run("truncate", func(t *testing.T) {
		var buf bytes.Buffer
		s := newTestLogStream(&buf)

		s.WriteLine("prog", bytes.Repeat([]byte("x"), 1000))

		line := buf.String()
		if len(line) != MaxLineLength {
			t.Fatalf("line is %d bytes long, expected %d", len(line), MaxLineLength)
		}
		if !strings.HasSuffix(line, "x\n") {
			t.Errorf("truncated line does not end with a new line: %q", line[len(line)-4:])
		}
	})

	t.Run("truncate rune", func(t *testing.T) {
		var buf bytes.Buffer
		s := newTestLogStream(&buf)

		// The cut falls inside the final two byte rune.
		text := strings.Repeat("x", 238) + "é"
		s.WriteLine("prog", []byte(text))

		line := buf.String()
		if len(line) != MaxLineLength-1 {
			t.Fatalf("line is %d bytes long, expected %d", len(line), MaxLineLength-1)
		}
		if !utf8.ValidString(line) || !strings.HasSuffix(line, "x\n") {
			t.Errorf("rune was split: %q", line[len(line)-4:])
		}
	})

	t.Run("concurrent", func(t *testing.T) {
		const writers = 16
		const lines = 200

		var buf bytes.Buffer
		s := newTestLogStream(&buf)

		var wg sync.WaitGroup
		wg.Add(writers)

		for i := 0; i < writers; i++ {
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("p%02d", i)
				for j := 0; j < lines; j++ {
					s.WriteLine(id, []byte(fmt.Sprintf("line %d of %s", j, id)))
				}
			}(i)
		}

		wg.Wait()

		counts := make(map[string]int, writers)

		scanner := bufio.NewScanner(&buf)
		for scanner.Scan() {
			var id, text string
			line := scanner.Text()

			n, err := fmt.Sscanf(line, "13:04:05 [%3s] ", &id)
			if err != nil || n != 1 {
				t.Fatalf("malformed line %q: %v", line, err)
			}

			text = strings.TrimPrefix(line, "13:04:05 ["+id+"] ")
			if !strings.HasSuffix(text, "of "+id) {
				t.Fatalf("interleaved line %q", line)
			}

			counts[id]++
		}

		if len(counts) != writers {
			t.Fatalf("got lines from %d writers, expected %d", len(counts), writers)
		}
		for id, n := range counts {
			if n != lines {
				t.Errorf("writer %s wrote %d lines, expected %d", id, n, lines)
			}
		}
	})
}

func TestLineAssembler(t *testing.T) {
	var lines []string
	a := newLineAssembler(func(line []byte) {
		lines = append(lines, string(line))
	})

	a.Write([]byte("\x00\nfirst"))
	a.Write([]byte(" line\n\n\nsecond\n"))
	a.Write([]byte(strings.Repeat("y", 300) + "\n"))
	a.Write([]byte("partial"))

	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), lines)
	}
	if lines[0] != "first line" || lines[1] != "second" {
		t.Errorf("unexpected lines %q", lines[:2])
	}
	if len(lines[2]) != MaxLineLength {
		t.Errorf("long line is %d bytes, expected cap of %d", len(lines[2]), MaxLineLength)
	}
	if string(a.Pending()) != "partial" {
		t.Errorf("unexpected pending %q", a.Pending())
	}
}
