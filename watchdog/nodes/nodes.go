// Package nodes numbers the machines of the fleet. Node descriptors are small
// integers relative to the observer: every node sees itself as descriptor 0.
// Descriptors change whenever the network is reset, so callers must resolve
// names freshly instead of keeping descriptors around.
package nodes

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Local is the descriptor every node uses for itself.
const Local int32 = 0

// ErrUnknownNode is returned for names or descriptors not in the table.
var ErrUnknownNode = errors.New("unknown node")

// Table maps node names to descriptors. A zero value is not usable; use
// NewTable.
type Table struct {
	mu    sync.RWMutex
	local string
	names []string
	gen   uint64
}

// NewTable creates a table for the given local node name and its peers.
func NewTable(local string, peers ...string) *Table {
	t := &Table{local: local}
	t.add(local)
	for _, peer := range peers {
		t.add(peer)
	}
	return t
}

// NewHostTable creates a table whose local node is the host name.
func NewHostTable() (*Table, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get host name")
	}
	return NewTable(host), nil
}

// LocalName returns the local node's name.
func (t *Table) LocalName() string { return t.local }

// Add adds a node if it is not known yet.
func (t *Table) Add(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.add(name)
}

func (t *Table) add(name string) {
	if name == "" || t.index(name) >= 0 {
		return
	}
	t.names = append(t.names, name)
}

func (t *Table) index(name string) int {
	for i, n := range t.names {
		if n == name {
			return i
		}
	}
	return -1
}

// Generation returns the number of renumberings so far.
func (t *Table) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.gen
}

// Renumber changes every descriptor other than the local one, as a network
// reset would.
func (t *Table) Renumber() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.names) > 1 {
		t.names = append(t.names[1:], t.names[0])
	}
	t.gen++
}

// Lookup returns the local descriptor of the named node. An empty name is the
// local node.
func (t *Table) Lookup(name string) (int32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.descriptor(t.local, name)
}

// Name returns the name of the node with the given local descriptor.
func (t *Table) Name(nd int32) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.name(nd)
}

// Translate re-expresses nd, a descriptor in the local frame, in the frame of
// the observer node, itself given by its local descriptor.
func (t *Table) Translate(observer, nd int32) (int32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if observer == Local {
		if _, err := t.name(nd); err != nil {
			return 0, err
		}
		return nd, nil
	}

	from, err := t.name(observer)
	if err != nil {
		return 0, errors.Wrap(err, "observer")
	}

	target, err := t.name(nd)
	if err != nil {
		return 0, errors.Wrap(err, "target")
	}

	return t.descriptor(from, target)
}

// descriptor returns target's descriptor as seen from the observer node.
func (t *Table) descriptor(observer, target string) (int32, error) {
	if target == "" || target == observer {
		return Local, nil
	}

	i := t.index(target)
	if i < 0 {
		return 0, errors.Wrapf(ErrUnknownNode, "%q", target)
	}

	return int32(i + 1), nil
}

func (t *Table) name(nd int32) (string, error) {
	if nd == Local {
		return t.local, nil
	}

	i := int(nd) - 1
	if i < 0 || i >= len(t.names) || t.names[i] == t.local {
		return "", errors.Wrapf(ErrUnknownNode, "descriptor %d", nd)
	}

	return t.names[i], nil
}
