package watchdog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"git.unix.lgbt/diamondburned/watchdog/watchdog/cmdargs"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/dirproto"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/msgport"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/settings"
)

// Start file variables read by the supervisor. All of them are also passed on
// to the program.
const (
	VarID     = msgport.EnvID
	VarNode   = "NODE"
	VarPri    = msgport.EnvPri
	VarMaxPri = msgport.EnvMaxPri
	VarWatch  = "WATCH"
)

// ConfigError is a configuration problem on one start file line.
type ConfigError struct {
	File string
	Line int
	Err  error
}

func (err *ConfigError) Error() string {
	return fmt.Sprintf("%s:%d: %v", err.File, err.Line, err.Err)
}

func (err *ConfigError) Unwrap() error { return err.Err }

// ConfigErrors collects every configuration error of a start file.
type ConfigErrors []error

func (errs ConfigErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "\n")
}

// LoadStartFile parses the start file at path into programs. Every line is
// checked; all problems are reported together.
func LoadStartFile(path string, set settings.Settings) ([]*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open start file")
	}
	defer f.Close()

	lines, err := cmdargs.Parse(f)
	if err != nil {
		var perrs cmdargs.ParseErrors
		if errors.As(err, &perrs) {
			errs := make(ConfigErrors, len(perrs))
			for i, perr := range perrs {
				errs[i] = &ConfigError{File: path, Line: perr.Line, Err: perr}
			}
			return nil, errs
		}
		return nil, errors.Wrap(err, "failed to read start file")
	}

	home, _ := os.UserHomeDir()
	return NewPrograms(path, lines, set, home)
}

// ListStartFile echoes every non-blank line of a start file to w, numbered as
// in the file. Lines are listed as written, so a line that fails to parse is
// still shown next to its error.
func ListStartFile(w io.Writer, r io.Reader) error {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 512), cmdargs.MaxLineLength)

	for n := 1; s.Scan(); n++ {
		line := strings.TrimRight(s.Text(), " \t\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fmt.Fprintf(w, "%4d.  %s\n", n, line)
	}

	return errors.Wrap(s.Err(), "failed to read start file")
}

// NewPrograms creates programs from parsed start file lines.
func NewPrograms(file string, lines []cmdargs.Line, set settings.Settings, home string) ([]*Program, error) {
	var errs ConfigErrors

	programs := make([]*Program, 0, len(lines))
	seen := make(map[string]int, len(lines))

	for _, line := range lines {
		p, err := NewProgram(line, set, home)
		if err != nil {
			errs = append(errs, &ConfigError{File: file, Line: line.Number, Err: err})
			continue
		}

		if first, dup := seen[p.ID]; dup {
			errs = append(errs, &ConfigError{
				File: file,
				Line: line.Number,
				Err:  errors.Errorf("duplicate ID %q, first used on line %d", p.ID, first),
			})
			continue
		}

		seen[p.ID] = line.Number
		programs = append(programs, p)
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return programs, nil
}

// NewProgram creates a program from one parsed line.
func NewProgram(line cmdargs.Line, set settings.Settings, home string) (*Program, error) {
	if !line.Valid() {
		return nil, errors.New("no program named")
	}

	p := &Program{
		ID:   filepath.Base(line.Args.Args[0]),
		Args: line.Args.Args,
		Env:  line.Env,
		Line: line.Number,
	}

	if id, ok := line.Lookup(VarID); ok {
		p.ID = id
	}
	if p.ID == "" {
		return nil, errors.New("empty ID")
	}
	if len(p.ID) > dirproto.NameSize {
		return nil, errors.Errorf("ID %q is longer than %d bytes", p.ID, dirproto.NameSize)
	}

	p.Node, _ = line.Lookup(VarNode)

	var err error

	if p.MaxPriority, err = priorityVar(line.Args, VarMaxPri, set); err != nil {
		return nil, err
	}
	if p.Priority, err = priorityVar(line.Args, VarPri, set); err != nil {
		return nil, err
	}
	if p.MaxPriority > 0 && p.Priority > p.MaxPriority {
		p.Priority = p.MaxPriority
	}

	if v, ok := line.Lookup(VarWatch); ok {
		if p.Watch, err = parseWatch(v); err != nil {
			return nil, errors.Wrapf(err, "invalid %s", VarWatch)
		}
	}

	if p.Path, err = resolveLaunchPath(p.Args[0], set.Path, home); err != nil {
		return nil, err
	}

	p.init()
	return p, nil
}

func priorityVar(args cmdargs.Args, name string, set settings.Settings) (int, error) {
	v, ok := args.Lookup(name)
	if !ok {
		return 0, nil
	}

	pri, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Errorf("%s=%s is not valid", name, v)
	}
	if pri < set.MinPriority || pri > set.MaxPriority {
		return 0, errors.Errorf("%s=%d is outside %d..%d",
			name, pri, set.MinPriority, set.MaxPriority)
	}

	return pri, nil
}

// parseWatch parses seconds, or a Go duration such as "500ms".
func parseWatch(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0, errors.New("must be positive")
		}
		return time.Duration(secs * float64(time.Second)), nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("must be positive")
	}

	return d, nil
}
