package proctable

import (
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/onsi/gomega"
)

func TestLocal(t *testing.T) {
	ok, err := Local{}.Exists(os.Getpid())
	if err != nil || !ok {
		t.Fatalf("own pid missing: %v, %v", ok, err)
	}

	ppid, err := Local{}.Parent(os.Getpid())
	if err != nil {
		t.Fatal("failed to get parent:", err)
	}
	if ppid != os.Getppid() {
		t.Errorf("parent = %d, want %d", ppid, os.Getppid())
	}
}

func TestLocalZombie(t *testing.T) {
	g := gomega.NewWithT(t)

	null, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatal(err)
	}
	defer null.Close()

	proc, err := os.StartProcess("/bin/true", []string{"true"}, &os.ProcAttr{
		Files: []*os.File{null, null, null},
	})
	if err != nil {
		t.Skip("cannot start true:", err)
	}
	defer proc.Wait()

	// Until waited for, the exited child stays a zombie in the table.
	exists := func() bool {
		ok, err := Local{}.Exists(proc.Pid)
		g.Expect(err).NotTo(gomega.HaveOccurred())
		return ok
	}
	g.Eventually(exists, 5*time.Second).Should(gomega.BeFalse())

	_, err = os.Stat("/proc/" + itoa(proc.Pid))
	g.Expect(err).NotTo(gomega.HaveOccurred(), "zombie was reaped early")
}

func TestWalkParents(t *testing.T) {
	// 40 -> 30 -> 20 -> 10 -> 1
	table := Fake{40: 30, 30: 20, 20: 10, 10: 1, 1: 0, 7: 7}

	is := func(want int) func(int) bool {
		return func(pid int) bool { return pid == want }
	}

	tests := []struct {
		name  string
		pid   int
		depth int
		match int
		err   error
	}{
		{"self", 40, 0, 40, nil},
		{"grandparent", 40, 2, 20, nil},
		{"too deep", 40, 1, 20, ErrNotFound},
		{"past init", 40, 8, 99, ErrNotFound},
		{"self parent", 7, 8, 99, ErrNotFound},
		{"unknown pid", 55, 8, 99, ErrNotFound},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			pid, err := WalkParents(table, test.pid, test.depth, is(test.match))
			if !errors.Is(err, test.err) {
				t.Fatalf("unexpected error: %v", err)
			}
			if err == nil && pid != test.match {
				t.Errorf("pid = %d, want %d", pid, test.match)
			}
		})
	}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
