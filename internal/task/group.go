package task

import (
	"sort"
	"sync"

	"github.com/bleepstore/rfstore/internal/uid"
)

// TransferSize buckets the expected amount of data a group moves.
type TransferSize int

const (
	TransferSizeUnknown TransferSize = iota
	TransferSizeKilobytes
	TransferSizeMegabytes
	TransferSizeTensOfMegabytes
	TransferSizeHundredsOfMegabytes
	TransferSizeGigabytes
	TransferSizeTensOfGigabytes
	TransferSizeHundredsOfGigabytes
)

var transferSizeNames = map[TransferSize]string{
	TransferSizeUnknown:             "unknown",
	TransferSizeKilobytes:           "kilobytes",
	TransferSizeMegabytes:           "megabytes",
	TransferSizeTensOfMegabytes:     "tensOfMegabytes",
	TransferSizeHundredsOfMegabytes: "hundredsOfMegabytes",
	TransferSizeGigabytes:           "gigabytes",
	TransferSizeTensOfGigabytes:     "tensOfGigabytes",
	TransferSizeHundredsOfGigabytes: "hundredsOfGigabytes",
}

func (s TransferSize) String() string {
	if n, ok := transferSizeNames[s]; ok {
		return n
	}
	return "unknown"
}

// EstimateTransferSize picks the bucket for n bytes.
func EstimateTransferSize(n int64) TransferSize {
	const mb, gb = 1 << 20, 1 << 30
	switch {
	case n <= 0:
		return TransferSizeUnknown
	case n < mb:
		return TransferSizeKilobytes
	case n < 10*mb:
		return TransferSizeMegabytes
	case n < 100*mb:
		return TransferSizeTensOfMegabytes
	case n < gb:
		return TransferSizeHundredsOfMegabytes
	case n < 10*gb:
		return TransferSizeGigabytes
	case n < 100*gb:
		return TransferSizeTensOfGigabytes
	}
	return TransferSizeHundredsOfGigabytes
}

// Handle addresses a task in an Arena.
type Handle uint64

// Arena indexes live tasks by integer handle. A task leaves the arena when it
// finishes; handles to it then resolve to nothing.
type Arena struct {
	mu    sync.Mutex
	next  Handle
	tasks map[Handle]*Task
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{tasks: make(map[Handle]*Task)}
}

// Add registers t and returns its handle.
func (a *Arena) Add(t *Task) Handle {
	a.mu.Lock()
	a.next++
	h := a.next
	a.tasks[h] = t
	a.mu.Unlock()

	t.Observe(func(_ *Task, s State) {
		if s == Finished {
			a.Release(h)
		}
	})
	if t.State() == Finished {
		a.Release(h)
	}
	return h
}

// Get resolves a handle.
func (a *Arena) Get(h Handle) (*Task, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[h]
	return t, ok
}

// Release drops the task behind h.
func (a *Arena) Release(h Handle) {
	a.mu.Lock()
	delete(a.tasks, h)
	a.mu.Unlock()
}

// Len returns the number of live tasks.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tasks)
}

// Members resolves the live tasks of g.
func (a *Arena) Members(g *Group) []*Task {
	var out []*Task
	for _, h := range g.Handles() {
		if t, ok := a.Get(h); ok {
			out = append(out, t)
		}
	}
	return out
}

// Group ties together the tasks that make up one logical user action, for
// bookkeeping only. It owns nothing: membership is a set of arena handles and
// outlives the tasks it names.
type Group struct {
	ID                   string
	Name                 string
	ExpectedSendSize     TransferSize
	ExpectedReceiveSize  TransferSize
	DefaultConfiguration Configuration
	// Quantity is the expected number of tasks in the group.
	Quantity int

	mu      sync.Mutex
	members map[Handle]struct{}
}

// NewGroup returns an empty group.
func NewGroup(name string) *Group {
	return &Group{
		ID:                   uid.NewOperationID(),
		Name:                 name,
		DefaultConfiguration: DefaultConfiguration(),
		Quantity:             1,
		members:              make(map[Handle]struct{}),
	}
}

// Add records h as a member.
func (g *Group) Add(h Handle) {
	g.mu.Lock()
	g.members[h] = struct{}{}
	g.mu.Unlock()
}

// Remove forgets h.
func (g *Group) Remove(h Handle) {
	g.mu.Lock()
	delete(g.members, h)
	g.mu.Unlock()
}

// Handles returns the member handles in ascending order.
func (g *Group) Handles() []Handle {
	g.mu.Lock()
	out := make([]Handle, 0, len(g.members))
	for h := range g.members {
		out = append(out, h)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
