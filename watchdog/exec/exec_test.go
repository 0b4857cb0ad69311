package exec

import (
	"io"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/onsi/gomega"
)

func TestStart(t *testing.T) {
	proc, r, err := Start(Command{
		Path: "/bin/sh",
		Args: []string{"sh", "-c", `echo out; echo err >&2; exit 3`},
		Env:  []string{"PATH=/usr/bin:/bin"},
	})
	if err != nil {
		t.Skip("no shell:", err)
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatal("failed to read log pipe:", err)
	}

	out := string(b)
	if !strings.Contains(out, "out\n") || !strings.Contains(out, "err\n") {
		t.Errorf("unexpected output %q", out)
	}

	status := proc.Wait()
	if status.Code != 3 {
		t.Errorf("exit code = %d, want 3", status.Code)
	}
	if status.PID != proc.PID() {
		t.Errorf("status pid = %d, want %d", status.PID, proc.PID())
	}

	// Waiting twice returns the same status.
	if again := proc.Wait(); again != status {
		t.Errorf("second wait = %+v", again)
	}
}

func TestStartMissing(t *testing.T) {
	_, _, err := Start(Command{Path: "/nonexistent/program", Args: []string{"program"}})
	if !os.IsNotExist(err) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestKillPID(t *testing.T) {
	g := gomega.NewWithT(t)

	proc, r, err := Start(Command{
		Path: "/bin/sleep",
		Args: []string{"sleep", "60"},
	})
	if err != nil {
		t.Skip("no sleep:", err)
	}
	defer r.Close()

	g.Expect(KillPID(proc.PID())).To(gomega.Succeed())

	done := make(chan ExitStatus, 1)
	go func() { done <- proc.Wait() }()
	g.Eventually(done, 5*time.Second).Should(gomega.Receive())

	// Gone processes are fine.
	g.Expect(KillPID(proc.PID())).To(gomega.Succeed())
	g.Expect(KillPID(0)).NotTo(gomega.Succeed())
}

func TestNice(t *testing.T) {
	tests := []struct {
		pri, min, max int
		nice          int
	}{
		{1, 1, 61, 19},
		{61, 1, 61, -20},
		{99, 1, 61, -20},
		{0, 1, 61, 19},
		{10, 10, 10, 0},
	}

	for _, test := range tests {
		if nice := Nice(test.pri, test.min, test.max); nice != test.nice {
			t.Errorf("Nice(%d, %d, %d) = %d, want %d",
				test.pri, test.min, test.max, nice, test.nice)
		}
	}
}

func TestFakeProcess(t *testing.T) {
	g := gomega.NewWithT(t)

	proc, r := StartFake(42, func(w io.Writer, killed <-chan struct{}) int {
		io.WriteString(w, "ready\n")
		<-killed
		return -1
	})
	defer r.Close()

	line := make([]byte, 6)
	_, err := io.ReadFull(r, line)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(string(line)).To(gomega.Equal("ready\n"))

	g.Expect(proc.Kill()).To(gomega.Succeed())

	// The log pipe ends with the process.
	rest, err := io.ReadAll(r)
	g.Expect(err).NotTo(gomega.HaveOccurred())
	g.Expect(rest).To(gomega.BeEmpty())

	status := proc.Wait()
	g.Expect(status.PID).To(gomega.Equal(42))
	g.Expect(status.Code).To(gomega.Equal(-1))

	g.Expect(proc.Signal(os.Interrupt)).To(gomega.MatchError(os.ErrProcessDone))
}

func TestReapOrphan(t *testing.T) {
	if err := SetSubreaper(); err != nil {
		t.Skip("cannot become a subreaper:", err)
	}

	proc, r, err := Start(Command{
		Path: "/bin/sh",
		Args: []string{"sh", "-c", "sleep 0.1 >/dev/null & echo $!"},
		Env:  []string{"PATH=/usr/bin:/bin"},
	})
	if err != nil {
		t.Skip("no shell:", err)
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatal("failed to read log pipe:", err)
	}
	proc.Wait()

	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		t.Fatalf("unexpected output %q", b)
	}

	g := gomega.NewWithT(t)
	g.Eventually(func() bool {
		g.Expect(ReapOrphan(pid)).To(gomega.Succeed())
		_, err := os.Stat("/proc/" + strconv.Itoa(pid))
		return os.IsNotExist(err)
	}, 2*time.Second).Should(gomega.BeTrue())

	// Not our child.
	g.Expect(ReapOrphan(os.Getpid())).To(gomega.Succeed())
	g.Expect(ReapOrphan(0)).NotTo(gomega.Succeed())
}
