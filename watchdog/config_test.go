package watchdog

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"git.unix.lgbt/diamondburned/watchdog/watchdog/cmdargs"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/settings"
)

// binDir creates a directory holding the given executables.
func binDir(t *testing.T, names ...string) string {
	t.Helper()

	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0755); err != nil {
			t.Fatal("failed to create executable:", err)
		}
	}
	return dir
}

func testSettings(paths ...string) settings.Settings {
	set := settings.Default()
	set.Path = paths
	return set
}

func parseLines(t *testing.T, text string) []cmdargs.Line {
	t.Helper()

	lines, err := cmdargs.Parse(strings.NewReader(text))
	if err != nil {
		t.Fatal("failed to parse:", err)
	}
	return lines
}

func TestNewPrograms(t *testing.T) {
	dir := binDir(t, "lidar", "planner")
	set := testSettings(dir)

	t.Run("valid", func(t *testing.T) {
		lines := parseLines(t, ""+
			"# the fleet\n"+
			"lidar -v\n"+
			"\n"+
			"ID=PLAN PRI=20 MAXPRI=15 WATCH=0.5 NODE=brain planner --fast\n"+
			"ID=LIDAR2 WATCH=2s lidar\n")

		programs, err := NewPrograms("start.txt", lines, set, "")
		if err != nil {
			t.Fatal("unexpected error:", err)
		}

		if len(programs) != 3 {
			t.Fatalf("expected 3 programs, got %d", len(programs))
		}

		lidar := programs[0]
		if lidar.ID != "lidar" || lidar.Path != filepath.Join(dir, "lidar") || lidar.Line != 2 {
			t.Errorf("unexpected lidar %s %s %d", lidar.ID, lidar.Path, lidar.Line)
		}
		if lidar.Watch != 0 || lidar.Priority != 0 {
			t.Errorf("unexpected lidar options %v %d", lidar.Watch, lidar.Priority)
		}
		if lidar.State() != StateUnstarted {
			t.Errorf("unexpected state %s", lidar.State())
		}

		plan := programs[1]
		if plan.ID != "PLAN" || plan.Node != "brain" {
			t.Errorf("unexpected plan %s on %s", plan.ID, plan.Node)
		}
		if plan.Priority != 15 || plan.MaxPriority != 15 {
			t.Errorf("priority %d/%d not clamped to MAXPRI", plan.Priority, plan.MaxPriority)
		}
		if plan.Watch != 500*time.Millisecond {
			t.Errorf("unexpected watch %v", plan.Watch)
		}
		if !reflect.DeepEqual(plan.Args, []string{"planner", "--fast"}) {
			t.Errorf("unexpected args %q", plan.Args)
		}

		if programs[2].Watch != 2*time.Second {
			t.Errorf("unexpected watch %v", programs[2].Watch)
		}
	})

	type test struct {
		name string
		line string
		err  string
	}

	var tests = []test{
		{"missing", "nonexistent", "program not found"},
		{"long ID", "ID=" + strings.Repeat("a", 33) + " lidar", "longer than 32 bytes"},
		{"empty ID", "ID= lidar", "empty ID"},
		{"priority band", "PRI=99 lidar", "outside 1..61"},
		{"priority syntax", "PRI=high lidar", "PRI=high is not valid"},
		{"watch", "WATCH=-1 lidar", "invalid WATCH"},
		{"duplicate", "lidar\nlidar -x", `duplicate ID "lidar", first used on line 1`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewPrograms("start.txt", parseLines(t, test.line), set, "")
			if err == nil {
				t.Fatal("unexpected nil error")
			}

			var errs ConfigErrors
			if !errors.As(err, &errs) || len(errs) != 1 {
				t.Fatalf("expected one ConfigError, got %v", err)
			}

			if !strings.Contains(err.Error(), test.err) {
				t.Errorf("error %q does not mention %q", err, test.err)
			}
		})
	}
}

func TestLoadStartFile(t *testing.T) {
	dir := binDir(t, "lidar")
	set := testSettings(dir)

	path := filepath.Join(t.TempDir(), "start.txt")

	t.Run("syntax", func(t *testing.T) {
		os.WriteFile(path, []byte("lidar \"unterminated\nlidar\nX=\"bad lidar\n"), 0644)

		_, err := LoadStartFile(path, set)

		var errs ConfigErrors
		if !errors.As(err, &errs) {
			t.Fatalf("expected ConfigErrors, got %v", err)
		}
		if len(errs) != 2 {
			t.Fatalf("expected 2 errors, got %d: %v", len(errs), err)
		}

		var cerr *ConfigError
		if !errors.As(errs[1], &cerr) || cerr.Line != 3 {
			t.Errorf("expected error on line 3, got %v", errs[1])
		}
	})

	t.Run("valid", func(t *testing.T) {
		os.WriteFile(path, []byte("lidar\n"), 0644)

		programs, err := LoadStartFile(path, set)
		if err != nil {
			t.Fatal("unexpected error:", err)
		}
		if len(programs) != 1 || programs[0].ID != "lidar" {
			t.Errorf("unexpected programs %v", programs)
		}
	})
}

func TestListStartFile(t *testing.T) {
	const file = "# sensors\nlidar -v\n\nX=\"bad lidar\n   \nplanner\n"

	var out strings.Builder
	if err := ListStartFile(&out, strings.NewReader(file)); err != nil {
		t.Fatal("unexpected error:", err)
	}

	const expect = "" +
		"   1.  # sensors\n" +
		"   2.  lidar -v\n" +
		"   4.  X=\"bad lidar\n" +
		"   6.  planner\n"

	if out.String() != expect {
		t.Errorf("unexpected listing:\n%s\nexpected:\n%s", out.String(), expect)
	}
}

func TestResolveLaunchPath(t *testing.T) {
	home := t.TempDir()
	os.MkdirAll(filepath.Join(home, "bin"), 0755)
	os.WriteFile(filepath.Join(home, "bin", "tool"), []byte("#!/bin/sh\n"), 0755)
	os.WriteFile(filepath.Join(home, "bin", "data"), []byte("data"), 0644)

	other := binDir(t, "tool")

	type test struct {
		name  string
		paths []string
		path  string
		found string
	}

	var tests = []test{
		{"home prefixed", nil, "~/bin/tool", filepath.Join(home, "bin", "tool")},
		{"absolute", nil, filepath.Join(other, "tool"), filepath.Join(other, "tool")},
		{"search order", []string{"", "~/bin", other}, "tool", filepath.Join(home, "bin", "tool")},
		{"not executable", []string{"~/bin"}, "data", ""},
		{"not found", []string{other}, "missing", ""},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path, err := resolveLaunchPath(test.path, test.paths, home)
			if test.found == "" {
				if !errors.Is(err, ErrProgramNotFound) {
					t.Errorf("expected ErrProgramNotFound, got %v", err)
				}
				return
			}

			if err != nil {
				t.Fatal("unexpected error:", err)
			}
			if path != test.found {
				t.Errorf("found %q, expected %q", path, test.found)
			}
		})
	}
}

func TestPrepareEnvironment(t *testing.T) {
	env := prepareEnvironment(
		[]string{"PATH=/bin", "HOME=/root", "WATCHDOG_PID=1", "broken"},
		map[string]string{"HOME": "/home/prog", "ID": "prog"},
		[]string{"WATCHDOG_PID=42", "WATCHDOG_CHID=1"},
	)

	expect := []string{
		"HOME=/home/prog",
		"ID=prog",
		"PATH=/bin",
		"WATCHDOG_CHID=1",
		"WATCHDOG_PID=42",
	}

	if !reflect.DeepEqual(env, expect) {
		t.Errorf("unexpected environment\ngot:    %q\nexpect: %q", env, expect)
	}
}
