package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/onsi/gomega"
)

func TestWatcher(t *testing.T) {
	g := gomega.NewWithT(t)

	dir := t.TempDir()
	file := filepath.Join(dir, "start.txt")
	g.Expect(os.WriteFile(file, []byte("lidar\n"), 0644)).To(gomega.Succeed())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j := mockJournal{}

	_, err := NewWatcher(ctx, file, &j)
	g.Expect(err).NotTo(gomega.HaveOccurred())

	// Other files in the directory are ignored.
	g.Expect(os.WriteFile(filepath.Join(dir, "other.txt"), nil, 0644)).To(gomega.Succeed())
	g.Expect(os.WriteFile(file, []byte("lidar -v\n"), 0644)).To(gomega.Succeed())

	// A write may be reported more than once.
	g.Eventually(j.Journals, 2*time.Second).Should(gomega.ContainElement(
		gomega.Equal(&EventConfigFileModified{File: file, Op: "update"})))

	g.Expect(os.Remove(file)).To(gomega.Succeed())
	g.Eventually(j.Journals, 2*time.Second).Should(gomega.ContainElement(
		gomega.Equal(&EventConfigFileModified{File: file, Op: "remove"})))

	for _, ev := range j.Journals() {
		modified, ok := ev.(*EventConfigFileModified)
		g.Expect(ok).To(gomega.BeTrue())
		g.Expect(modified.File).To(gomega.Equal(file))
	}
}

func TestTranslateFsnotifyEvt(t *testing.T) {
	type test struct {
		name string
		evt  fsnotify.Event
		op   string
	}

	var tests = []test{
		{"write", fsnotify.Event{Name: "/etc/start.txt", Op: fsnotify.Write}, "update"},
		{"create", fsnotify.Event{Name: "/etc/start.txt", Op: fsnotify.Create}, "add"},
		{"rename", fsnotify.Event{Name: "/etc/start.txt", Op: fsnotify.Rename}, "remove"},
		{"remove", fsnotify.Event{Name: "/etc/start.txt", Op: fsnotify.Remove}, "remove"},
		{"chmod", fsnotify.Event{Name: "/etc/start.txt", Op: fsnotify.Chmod}, ""},
		{"other file", fsnotify.Event{Name: "/etc/passwd", Op: fsnotify.Write}, ""},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ev, ok := translateFsnotifyEvt(test.evt, "/etc/start.txt")
			if ok != (test.op != "") {
				t.Fatalf("unexpected ok %v", ok)
			}
			if ev.Op != test.op {
				t.Errorf("unexpected op %q, expected %q", ev.Op, test.op)
			}
		})
	}
}
