package watchdog

import (
	"github.com/pkg/errors"

	"git.unix.lgbt/diamondburned/watchdog/watchdog/exec"
)

// command builds the command line of a program. Programs on other nodes are
// started through the remote runner, with the node name appended to it.
func (s *Supervisor) command(p *Program) (exec.Command, error) {
	cmd := exec.Command{
		Path: p.Path,
		Args: p.Args,
		Env:  p.environ,
	}

	if !p.Remote(s.Nodes.LocalName()) {
		return cmd, nil
	}

	// Descriptors change with the network, so the node is resolved on every
	// launch.
	if _, err := s.Nodes.Lookup(p.Node); err != nil {
		return cmd, err
	}

	runner := s.Settings.RemoteRunner
	if len(runner) == 0 {
		return cmd, errors.New("no remote runner configured")
	}

	path, err := resolveLaunchPath(runner[0], s.Settings.Path, "")
	if err != nil {
		return cmd, errors.Wrap(err, "remote runner")
	}

	args := make([]string, 0, len(runner)+1+len(p.Args))
	args = append(args, runner...)
	args = append(args, p.Node, p.Path)
	args = append(args, p.Args[1:]...)

	cmd.Path = path
	cmd.Args = args
	return cmd, nil
}

// launch starts the program and moves it to StateRunning. On failure the
// program is left unstarted.
func (s *Supervisor) launch(p *Program) error {
	cmd, err := s.command(p)
	if err != nil {
		return err
	}

	proc, pipe, err := s.Start(cmd)
	if err != nil {
		return err
	}

	pid := proc.PID()

	if p.Priority > 0 && !p.Remote(s.Nodes.LocalName()) {
		nice := exec.Nice(p.Priority, s.Settings.MinPriority, s.Settings.MaxPriority)
		if err := exec.SetPriority(pid, nice); err != nil {
			s.log.Warnw("cannot set program priority", "id", p.ID, "err", err)
		}
	}

	p.mu.Lock()
	p.launchedPID = pid
	p.logPipe = pipe
	p.proc = proc
	err = p.fire(eventLaunch)
	p.mu.Unlock()

	if err != nil {
		return err
	}

	go func() {
		status := proc.Wait()

		p.mu.Lock()
		p.exit = &status
		p.mu.Unlock()
	}()

	s.Journal.Write(&EventProgramSpawned{
		ID:   p.ID,
		Path: p.Path,
		Node: p.Node,
		PID:  pid,
	})

	return nil
}
