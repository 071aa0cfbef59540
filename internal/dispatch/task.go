package dispatch

import (
	"github.com/hashicorp/go-multierror"
)

// Task is a node in the hierarchical ownership tree of spec.md §4.6:
// parent tasks own children, destruction cascades, and a child failing
// its read/write/timeout callback is killed by its parent.
type Task struct {
	dispatcher *Dispatcher
	name       string
	parent     *Task
	children   map[*Task]struct{}

	fds    []int
	timers []*timerEntry

	killed    bool
	onDestroy func() error
}

func newTask(d *Dispatcher, parent *Task, name string) *Task {
	t := &Task{
		dispatcher: d,
		name:       name,
		parent:     parent,
		children:   make(map[*Task]struct{}),
	}
	if parent != nil {
		parent.children[t] = struct{}{}
	}
	return t
}

// NewChild creates a child task owned by t. Destroying t cascades to every
// child created this way.
func (t *Task) NewChild(name string) *Task {
	return newTask(t.dispatcher, t, name)
}

// Name returns the task's diagnostic name.
func (t *Task) Name() string { return t.name }

// Dispatcher returns the task's owning dispatcher.
func (t *Task) Dispatcher() *Dispatcher { return t.dispatcher }

// OnDestroy registers a cleanup callback (closing sockets, releasing
// ChannelSet subscriptions, ...) invoked exactly once when the task is
// killed, before its children are killed.
func (t *Task) OnDestroy(cb func() error) {
	t.onDestroy = cb
}

// TrackFD associates fd with this task so it is unregistered from the
// dispatcher when the task is killed.
func (t *Task) TrackFD(fd int) {
	t.fds = append(t.fds, fd)
}

// TrackTimer associates a timer with this task so it is cancelled when
// the task is killed.
func (t *Task) TrackTimer(e *timerEntry) {
	t.timers = append(t.timers, e)
}

// Kill destroys the task: its own cleanup runs, then every fd it tracked
// is unregistered, every timer it tracked is cancelled, and every child
// is killed in turn (cascading destruction, spec.md §4.6/§8 scenario 6).
// It is idempotent. Errors from nested child cleanups are aggregated with
// hashicorp/go-multierror rather than discarding all but the first, so a
// caller inspecting a failed cascade sees every session that failed to
// tear down cleanly.
func (t *Task) Kill(cause error) error {
	if t.killed {
		return nil
	}
	t.killed = true

	var result error
	if t.onDestroy != nil {
		if err := t.onDestroy(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for _, fd := range t.fds {
		t.dispatcher.Unregister(fd)
	}
	for _, timer := range t.timers {
		t.dispatcher.CancelTimer(timer)
	}

	for child := range t.children {
		if err := child.Kill(cause); err != nil {
			result = multierror.Append(result, err)
		}
	}
	t.children = nil

	if t.parent != nil {
		delete(t.parent.children, t)
	}

	return result
}

// Killed reports whether the task has already been destroyed.
func (t *Task) Killed() bool { return t.killed }
