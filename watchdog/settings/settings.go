// Package settings loads the supervisor's own tunables. The fleet of programs
// is configured separately by the start file.
package settings

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Settings contains the supervisor tunables.
type Settings struct {
	// HeartbeatInterval is the sleep interval of both heartbeat threads.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// MaxMissedHeartbeats is the number of consecutive missed resets after
	// which the high priority thread panics.
	MaxMissedHeartbeats int `yaml:"max_missed_heartbeats"`
	// JoinTimeout bounds each monitor goroutine join during shutdown.
	JoinTimeout time.Duration `yaml:"join_timeout"`

	MinPriority int `yaml:"min_priority"`
	MaxPriority int `yaml:"max_priority"`

	// RunDir holds the unix sockets backing channels.
	RunDir string `yaml:"run_dir"`
	// RemoteRunner is the command prefix used to start a program on another
	// node. The node name is appended to it.
	RemoteRunner []string `yaml:"remote_runner"`
	// ParentWalkDepth bounds the ancestry walk used to identify senders.
	ParentWalkDepth int `yaml:"parent_walk_depth"`
	// MetricsAddr is the listen address for /metrics; empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
	// Path is the executable search list, defaulting to $PATH.
	Path []string `yaml:"path"`
}

// DefaultRunDir returns $WATCHDOG_RUNDIR, or a watchdog directory inside the
// temporary directory.
func DefaultRunDir() string {
	if dir := os.Getenv("WATCHDOG_RUNDIR"); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "watchdog")
}

// Default returns the default settings.
func Default() Settings {
	return Settings{
		HeartbeatInterval:   100 * time.Millisecond,
		MaxMissedHeartbeats: 5,
		JoinTimeout:         2 * time.Second,
		MinPriority:         1,
		MaxPriority:         61,
		RunDir:              DefaultRunDir(),
		RemoteRunner:        []string{"on", "-f"},
		ParentWalkDepth:     8,
		Path:                filepath.SplitList(os.Getenv("PATH")),
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return s, errors.Wrap(err, "failed to read settings")
	}

	if err := yaml.Unmarshal(b, &s); err != nil {
		return s, errors.Wrap(err, "failed to decode settings")
	}

	return s, s.Validate()
}

// Validate checks the settings for consistency.
func (s Settings) Validate() error {
	switch {
	case s.HeartbeatInterval <= 0:
		return errors.New("heartbeat_interval must be positive")
	case s.MaxMissedHeartbeats < 1:
		return errors.New("max_missed_heartbeats must be at least 1")
	case s.JoinTimeout <= 0:
		return errors.New("join_timeout must be positive")
	case s.MinPriority < 1 || s.MaxPriority < s.MinPriority:
		return errors.Errorf("invalid priority band %d..%d", s.MinPriority, s.MaxPriority)
	case s.RunDir == "":
		return errors.New("run_dir must not be empty")
	case s.ParentWalkDepth < 1:
		return errors.New("parent_walk_depth must be at least 1")
	}
	return nil
}
