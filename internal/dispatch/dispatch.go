// Package dispatch implements the single-threaded readiness dispatcher and
// the task tree of spec.md §4.5/§4.6: a registry of (fd, direction, task)
// and (timeout, task) registrations, invoking callbacks on readiness, with
// hierarchical task ownership where destroying a parent cascades to its
// children.
//
// Re-architected per spec.md §9: no package-level/global dispatcher state
// (an explicit *Dispatcher is threaded through every constructor) and no
// exceptions for control-flow in socket setup (fallible factories return
// (*Task, error)).
package dispatch

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Callback is invoked when a registered fd becomes ready or a timer fires.
// A non-nil error is treated as a terminal failure of the owning Task: the
// Dispatcher asks the task's parent to kill it, per spec.md §4.5/§7.
type Callback func() error

// Dispatcher is the single-threaded event loop. All Task/Session logic
// must run on the goroutine that calls Run; no callback may block.
type Dispatcher struct {
	log *zap.SugaredLogger

	epfd int

	selfPipeR int
	selfPipeW int

	byFD map[int]*fdRegistration

	timers []*timerEntry

	root *Task

	// wakeHook runs once after every self-pipe drain, i.e. whenever the
	// producer has woken the dispatcher out of EpollWait. The session
	// server uses this to re-scan every session's read cursor for newly
	// published records, rather than tying that rescan to any specific
	// fd registration.
	wakeHook func()
}

type direction int

const (
	readable direction = iota
	writable
)

type fdRegistration struct {
	fd       int
	task     *Task
	onRead   Callback
	onWrite  bool
	onWriteF Callback
}

type timerEntry struct {
	task       *Task
	deadline   time.Time
	period     time.Duration // zero means one-shot
	cb         Callback
	tombstoned bool
}

// New creates a Dispatcher with its own epoll instance and self-pipe. The
// self-pipe's write end is exposed so the producer thread can wake the
// dispatcher (spec.md §4.2 step 4, §5).
func New(log *zap.SugaredLogger) (*Dispatcher, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("dispatch: epoll_create1: %w", err)
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("dispatch: self-pipe: %w", err)
	}

	d := &Dispatcher{
		log:       log,
		epfd:      epfd,
		selfPipeR: fds[0],
		selfPipeW: fds[1],
		byFD:      make(map[int]*fdRegistration),
	}
	d.root = newTask(d, nil, "root")

	if err := d.addEpoll(d.selfPipeR, unix.EPOLLIN); err != nil {
		return nil, fmt.Errorf("dispatch: registering self-pipe: %w", err)
	}
	d.byFD[d.selfPipeR] = &fdRegistration{fd: d.selfPipeR, task: d.root, onRead: d.drainSelfPipe}

	return d, nil
}

// Root returns the dispatcher's root task, the conventional parent for a
// server's top-level listener tasks.
func (d *Dispatcher) Root() *Task { return d.root }

// SelfPipeWriteFD returns the write end of the self-pipe. The producer
// (running on its own thread) writes one byte here per tick to wake the
// dispatcher out of its epoll wait (spec.md §4.2, §5).
func (d *Dispatcher) SelfPipeWriteFD() int { return d.selfPipeW }

// SetWakeHook registers cb to run once after every self-pipe drain. There
// is only ever one hook (the session server); a later call replaces an
// earlier one.
func (d *Dispatcher) SetWakeHook(cb func()) {
	d.wakeHook = cb
}

func (d *Dispatcher) drainSelfPipe() error {
	var buf [64]byte
	for {
		_, err := unix.Read(d.selfPipeR, buf[:])
		if err != nil {
			break // EAGAIN or any other self-pipe read error: nothing fatal to the loop
		}
	}
	if d.wakeHook != nil {
		d.wakeHook()
	}
	return nil
}

func (d *Dispatcher) addEpoll(fd int, events uint32) error {
	return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func (d *Dispatcher) modEpoll(fd int, events uint32) error {
	return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func (d *Dispatcher) delEpoll(fd int) error {
	return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (d *Dispatcher) epollEventsFor(reg *fdRegistration) uint32 {
	events := uint32(unix.EPOLLIN)
	if reg.onWrite {
		events |= unix.EPOLLOUT
	}
	return events
}

// RegisterReadable arms fd for readability and associates it with task and
// onReady. Replacing an existing registration's read callback is allowed.
func (d *Dispatcher) RegisterReadable(task *Task, fd int, onReady Callback) error {
	reg, exists := d.byFD[fd]
	if !exists {
		reg = &fdRegistration{fd: fd, task: task}
		d.byFD[fd] = reg
		reg.onRead = onReady
		if err := d.addEpoll(fd, d.epollEventsFor(reg)); err != nil {
			delete(d.byFD, fd)
			return fmt.Errorf("dispatch: registering fd %d: %w", fd, err)
		}
		return nil
	}
	reg.task = task
	reg.onRead = onReady
	return d.modEpoll(fd, d.epollEventsFor(reg))
}

// SetWritable arms or disarms fd for writability.
func (d *Dispatcher) SetWritable(fd int, onReady Callback, armed bool) error {
	reg, exists := d.byFD[fd]
	if !exists {
		return fmt.Errorf("dispatch: fd %d not registered", fd)
	}
	reg.onWrite = armed
	reg.onWriteF = onReady
	return d.modEpoll(fd, d.epollEventsFor(reg))
}

// Unregister removes fd from epoll entirely. Called during task teardown.
func (d *Dispatcher) Unregister(fd int) {
	if _, exists := d.byFD[fd]; !exists {
		return
	}
	delete(d.byFD, fd)
	_ = d.delEpoll(fd)
}

// RegisterTimer arms a relative timeout on task. If period is non-zero the
// timer re-arms itself automatically after firing, unless the task was
// killed during the callback.
func (d *Dispatcher) RegisterTimer(task *Task, timeout time.Duration, period time.Duration, cb Callback) *timerEntry {
	e := &timerEntry{task: task, deadline: time.Now().Add(timeout), period: period, cb: cb}
	d.timers = append(d.timers, e)
	return e
}

// CancelTimer marks a timer for removal. Per spec.md §4.5, removal of a
// timer from within its own firing callback is deferred via a tombstone
// field rather than mutated in place, since the dispatcher is mid-iteration
// over the timer list when the callback runs.
func (d *Dispatcher) CancelTimer(e *timerEntry) {
	e.tombstoned = true
}

func (d *Dispatcher) pruneTombstonedTimers() {
	live := d.timers[:0]
	for _, e := range d.timers {
		if !e.tombstoned {
			live = append(live, e)
		}
	}
	d.timers = live
}

func (d *Dispatcher) nextTimerTimeout() time.Duration {
	if len(d.timers) == 0 {
		return -1
	}
	soonest := time.Duration(1<<63 - 1)
	now := time.Now()
	for _, e := range d.timers {
		if e.tombstoned {
			continue
		}
		until := e.deadline.Sub(now)
		if until < soonest {
			soonest = until
		}
	}
	if soonest < 0 {
		soonest = 0
	}
	return soonest
}

func (d *Dispatcher) fireDueTimers() {
	now := time.Now()
	for _, e := range d.timers {
		if e.tombstoned || now.Before(e.deadline) {
			continue
		}
		wasKilled := e.task.killed
		if err := e.cb(); err != nil {
			e.tombstoned = true
			e.task.Kill(err)
			continue
		}
		if e.task.killed && !wasKilled {
			e.tombstoned = true
			continue
		}
		if e.period > 0 && !e.tombstoned {
			e.deadline = now.Add(e.period)
		} else {
			e.tombstoned = true
		}
	}
	d.pruneTombstonedTimers()
}

const maxEpollEvents = 256

// RunOnce runs a single iteration of the event loop: waits for readiness
// or the nearest timer deadline, then dispatches callbacks. Exposed
// separately from Run so tests can step the loop deterministically.
func (d *Dispatcher) RunOnce() error {
	timeout := d.nextTimerTimeout()
	timeoutMS := -1
	if timeout >= 0 {
		timeoutMS = int(timeout / time.Millisecond)
	}

	var events [maxEpollEvents]unix.EpollEvent
	n, err := unix.EpollWait(d.epfd, events[:], timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("dispatch: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		reg, ok := d.byFD[fd]
		if !ok {
			continue
		}

		if events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 && reg.onRead != nil {
			if err := reg.onRead(); err != nil {
				reg.task.Kill(err)
				continue
			}
		}
		if events[i].Events&unix.EPOLLOUT != 0 && reg.onWrite && reg.onWriteF != nil {
			if err := reg.onWriteF(); err != nil {
				reg.task.Kill(err)
			}
		}
	}

	d.fireDueTimers()
	return nil
}

// Run drives the event loop until stop is closed or a fatal error occurs.
func (d *Dispatcher) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if err := d.RunOnce(); err != nil {
			return err
		}
	}
}

// acceptBackoffAttempts bounds how many times AcceptWithBackoff retries a
// transiently failing accept() before giving up.
const acceptBackoffAttempts = 5

// AcceptWithBackoff retries attempt with bounded exponential backoff when
// it fails with EMFILE/ENFILE (the process or system is out of file
// descriptors), so a listener task does not busy-loop the single
// dispatcher thread while descriptors are exhausted. Any other error is
// returned immediately.
func AcceptWithBackoff(attempt func() (int, error)) (int, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         500 * time.Millisecond,
	}

	var lastErr error
	for i := 0; i < acceptBackoffAttempts; i++ {
		fd, err := attempt()
		if err == nil {
			return fd, nil
		}
		if err != unix.EMFILE && err != unix.ENFILE {
			return 0, err
		}
		lastErr = err
		time.Sleep(b.NextBackOff())
	}
	return 0, fmt.Errorf("dispatch: accept still failing after backoff: %w", lastErr)
}

// Close releases the dispatcher's epoll instance and self-pipe.
func (d *Dispatcher) Close() error {
	var result error
	if err := unix.Close(d.selfPipeR); err != nil {
		result = multierror.Append(result, err)
	}
	if err := unix.Close(d.selfPipeW); err != nil {
		result = multierror.Append(result, err)
	}
	if err := unix.Close(d.epfd); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}
