// Package cmdargs parses start file lines of the form
//
//    ENVVAR1=val1 ENVVAR2="val 2" programname arg "arg with spaces" # comment
//
// into environment variables and program arguments. Outside of quotes only a
// limited set of characters is accepted, so that typos are caught at startup
// rather than turning into surprising arguments.
package cmdargs

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Args is one parsed line.
type Args struct {
	Env  map[string]string
	Args []string
}

// Valid returns true if the line names a program.
func (a Args) Valid() bool { return len(a.Args) > 0 }

// Lookup returns the line's value for the given environment variable.
func (a Args) Lookup(key string) (string, bool) {
	v, ok := a.Env[key]
	return v, ok
}

// String formats the args back into a line. Keys are sorted.
func (a Args) String() string {
	keys := make([]string, 0, len(a.Env))
	for k := range a.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%q ", k, a.Env[k])
	}
	for i, arg := range a.Args {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%q", arg)
	}
	return b.String()
}

// ParseError is a syntax error within a line.
type ParseError struct {
	Line int    // 1-indexed line number
	Pos  int    // byte offset within the line
	Text string // the offending line
	Msg  string
}

func (err *ParseError) Error() string {
	return fmt.Sprintf("line %d, col %d: %s", err.Line, err.Pos+1, err.Msg)
}

// ParseErrors collects every erroneous line of a file.
type ParseErrors []*ParseError

func (errs ParseErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Line is a parsed line that names a program.
type Line struct {
	Number int
	Text   string
	Args
}

// MaxLineLength is the longest accepted input line.
const MaxLineLength = 4096

// Parse parses every line in r. Blank and comment-only lines are skipped. All
// syntax errors are collected; if there are any, a ParseErrors is returned and
// the returned lines must not be used.
func Parse(r io.Reader) ([]Line, error) {
	var lines []Line
	var errs ParseErrors

	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 512), MaxLineLength)

	for n := 1; s.Scan(); n++ {
		text := s.Text()

		args, err := ParseLine(text, n)
		if err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				errs = append(errs, perr)
				continue
			}
			return nil, err
		}

		if args.Valid() {
			lines = append(lines, Line{Number: n, Text: text, Args: args})
		}
	}

	if err := s.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read lines")
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return lines, nil
}

// ParseLine parses a single line. The line number is only used for errors.
func ParseLine(line string, lineno int) (Args, error) {
	p := parser{line: line, lineno: lineno}
	args := Args{Env: map[string]string{}}

	for {
		name, value, ok, err := p.envVar()
		if err != nil {
			return Args{}, err
		}
		if !ok {
			break
		}

		if _, dup := args.Env[name]; dup {
			return Args{}, p.errorf("the same environment variable %q appears more than once", name)
		}
		args.Env[name] = value
	}

	for {
		arg, ok, err := p.field(true, false)
		if err != nil {
			return Args{}, err
		}
		if !ok {
			break
		}
		args.Args = append(args.Args, arg)
	}

	return args, nil
}

type parser struct {
	line   string
	lineno int
	pos    int
}

func (p *parser) errorf(f string, v ...interface{}) *ParseError {
	return &ParseError{
		Line: p.lineno,
		Pos:  p.pos,
		Text: p.line,
		Msg:  fmt.Sprintf(f, v...),
	}
}

// envVar scans NAME=VALUE. If the next field is not of that form, the position
// is restored and ok is false.
func (p *parser) envVar() (name, value string, ok bool, err error) {
	start := p.pos

	name, ok, err = p.field(true, true)
	if err != nil || !ok {
		p.pos = start
		return "", "", false, err
	}

	if p.pos >= len(p.line) || p.line[p.pos] != '=' || !isIdentifier(name) {
		p.pos = start
		return "", "", false, nil
	}
	p.pos++ // skip '='

	value, _, err = p.field(false, false)
	if err != nil {
		p.pos = start
		return "", "", false, err
	}

	return name, value, true, nil
}

// field scans the next field. ok is false if there is no field left, which is
// also the case once a comment is reached.
func (p *parser) field(skipSpace, stopAtEquals bool) (string, bool, error) {
	if skipSpace {
		for p.pos < len(p.line) && isSpace(p.line[p.pos]) {
			p.pos++
		}
	}

	var b strings.Builder
	var inQuote, inEscape, quoted bool

scan:
	for ; p.pos < len(p.line); p.pos++ {
		ch := p.line[p.pos]
		if ch == '\n' || ch == 0 {
			break
		}

		if !inEscape {
			switch ch {
			case '"':
				inQuote = !inQuote
				quoted = true
				continue
			case '\\':
				if !inQuote {
					return "", false, p.errorf(`unexpected "\"`)
				}
				inEscape = true
				continue
			}
		}

		if !inQuote {
			switch {
			case ch == '#':
				p.pos = len(p.line)
				break scan
			case ch == '=' && stopAtEquals:
				break scan
			case isSpace(ch):
				break scan
			case !isPlain(ch):
				return "", false, p.errorf("unexpected character %q", ch)
			}
		}

		b.WriteByte(ch)
		inEscape = false
	}

	if inQuote {
		return "", false, p.errorf("unterminated quote")
	}

	if b.Len() == 0 && !quoted {
		return "", false, nil
	}

	return b.String(), true, nil
}

func isSpace(ch byte) bool {
	return ch <= ' ' || ch == 0x7f
}

// isPlain returns true if ch may appear unquoted.
func isPlain(ch byte) bool {
	switch {
	case 'a' <= ch && ch <= 'z', 'A' <= ch && ch <= 'Z', '0' <= ch && ch <= '9':
		return true
	}
	return strings.IndexByte("-+_$/.~=:,@%", ch) >= 0
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '_', 'a' <= ch && ch <= 'z', 'A' <= ch && ch <= 'Z':
		case '0' <= ch && ch <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
