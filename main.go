package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"git.unix.lgbt/diamondburned/watchdog/watchdog"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/journal"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/logger"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/metrics"
	"git.unix.lgbt/diamondburned/watchdog/watchdog/settings"
)

var (
	journalFile  string
	settingsFile string
	lockWait     time.Duration
	verbose      bool
)

func init() {
	configDir, err := os.UserConfigDir()
	if err == nil {
		journalFile = filepath.Join(configDir, "watchdog", "journal.json")
	}

	flag.StringVar(&journalFile, "j", journalFile, "journal file path")
	flag.StringVar(&settingsFile, "settings", "", "optional YAML settings file")
	flag.DurationVar(&lockWait, "wait", 0, "wait this long for another instance to release the journal")
	flag.BoolVar(&verbose, "v", false, "log directory requests")
	flag.Usage = func() {
		f := func(f string, v ...interface{}) {
			fmt.Fprintf(flag.CommandLine.Output(), f, v...)
		}

		f("Usage:\n")
		f("  %s [flags] [run] <start file>\n", filepath.Base(os.Args[0]))
		f("  %s [flags] check <start file>\n", filepath.Base(os.Args[0]))
		f("  %s [flags] postmortem\n", filepath.Base(os.Args[0]))
		f("\n")
		f("Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if journalFile == "" {
		log.Fatalln("missing -j path to journal file")
	}

	logger.SetVerbose(verbose)
}

func main() {
	var err error
	switch flag.Arg(0) {
	case "run":
		err = run(flag.Arg(1))
	case "check":
		err = check(flag.Arg(1))
	case "postmortem":
		err = postmortem()
	case "":
		flag.Usage()
		os.Exit(2)
	default:
		// A bare start file runs it.
		err = run(flag.Arg(0))
	}

	if err != nil {
		log.Fatalln(err)
	}
}

// load loads the settings and the start file, printing every line of the
// start file.
func load(startFile string) (settings.Settings, []*watchdog.Program, error) {
	if startFile == "" {
		return settings.Settings{}, nil, errors.New("missing start file")
	}

	set, err := settings.Load(settingsFile)
	if err != nil {
		return set, nil, err
	}

	if err := listStartFile(startFile); err != nil {
		return set, nil, err
	}

	programs, err := watchdog.LoadStartFile(startFile, set)
	if err != nil {
		var errs watchdog.ConfigErrors
		if errors.As(err, &errs) {
			for _, err := range errs {
				fmt.Fprintln(os.Stderr, err)
			}
			return set, nil, errors.Errorf("%d errors in %s", len(errs), startFile)
		}
		return set, nil, err
	}

	return set, programs, nil
}

func listStartFile(startFile string) error {
	f, err := os.Open(startFile)
	if err != nil {
		return errors.Wrap(err, "cannot open start file")
	}
	defer f.Close()

	return watchdog.ListStartFile(os.Stdout, f)
}

func check(startFile string) error {
	_, programs, err := load(startFile)
	if err != nil {
		return err
	}

	for _, p := range programs {
		fmt.Printf("%-32s %s\n", p.ID, p.Path)
	}

	return nil
}

func run(startFile string) error {
	set, programs, err := load(startFile)
	if err != nil {
		return err
	}

	var j *journal.FileLockJournaler
	if lockWait > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), lockWait)
		j, err = journal.NewFileLockJournalerWait(ctx, journalFile)
		cancel()
	} else {
		j, err = journal.NewFileLockJournaler(journalFile)
	}
	if err != nil {
		if errors.Is(err, journal.ErrLockedElsewhere) {
			return errors.New("watchdog is already running")
		}

		return errors.Wrap(err, "failed to acquire journal lock")
	}
	defer j.Close()

	journaler := journal.MultiWriter(j, journal.NewHumanWriter("zap", logger.For(logger.ComponentJournal)))
	journaler.Write(&watchdog.EventAcquired{})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if set.MetricsAddr != "" {
		go serveMetrics(set.MetricsAddr, journaler)
	}

	watchdog.TryWatch(ctx, startFile, journaler)

	s, err := watchdog.New(programs, set, journaler)
	if err != nil {
		return errors.Wrap(err, "failed to create supervisor")
	}
	s.Verbose = verbose

	return s.Run(ctx)
}

func serveMetrics(addr string, j watchdog.Journaler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	if err := http.ListenAndServe(addr, mux); err != nil {
		j.Write(&watchdog.EventWarning{
			Component: logger.ComponentSupervisor,
			Error:     "metrics server failed: " + err.Error(),
		})
	}
}

func postmortem() error {
	pm, err := journal.ReadPostmortemFile(journalFile)
	if err != nil {
		return errors.Wrap(err, "failed to read journal")
	}

	if pm.Started == nil {
		fmt.Println("No run found in", journalFile)
		return nil
	}

	for _, ev := range pm.Events {
		b, _ := json.Marshal(ev.Event)
		fmt.Printf("%s  %-20s %s\n", ev.Time.Format(time.RFC3339), ev.Event.Type(), b)
	}

	fmt.Println()

	if pm.Panic == nil {
		fmt.Printf("Run %s has no panic recorded; it may still be running.\n", pm.Started.RunID)
		return nil
	}

	fmt.Printf("Run %s panicked at %s: %s\n",
		pm.Started.RunID, pm.PanicTime.Format(time.RFC3339), pm.Panic.Reason)
	return nil
}
