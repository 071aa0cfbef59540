package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d, err := New(zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestRegisterReadableFiresOnData(t *testing.T) {
	d := newTestDispatcher(t)

	var fds [2]int
	err := unix.Pipe2(fds[:], unix.O_NONBLOCK)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	task := d.Root().NewChild("pipe-reader")
	fired := false
	err = d.RegisterReadable(task, fds[0], func() error {
		var buf [8]byte
		_, _ = unix.Read(fds[0], buf[:])
		fired = true
		return nil
	})
	require.NoError(t, err)

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	require.NoError(t, d.RunOnce())
	require.True(t, fired)
}

func TestTaskKillCascadesToChildren(t *testing.T) {
	d := newTestDispatcher(t)

	parent := d.Root().NewChild("parent")
	var destroyed []string
	child1 := parent.NewChild("child1")
	child1.OnDestroy(func() error { destroyed = append(destroyed, "child1"); return nil })
	child2 := parent.NewChild("child2")
	child2.OnDestroy(func() error { destroyed = append(destroyed, "child2"); return nil })
	parent.OnDestroy(func() error { destroyed = append(destroyed, "parent"); return nil })

	require.NoError(t, parent.Kill(nil))

	require.Contains(t, destroyed, "parent")
	require.Contains(t, destroyed, "child1")
	require.Contains(t, destroyed, "child2")
	require.True(t, child1.Killed())
	require.True(t, child2.Killed())

	// Idempotent: killing again must not re-invoke destroy callbacks.
	destroyed = nil
	require.NoError(t, parent.Kill(nil))
	require.Empty(t, destroyed)
}

func TestTimerTombstoneDeferredRemoval(t *testing.T) {
	d := newTestDispatcher(t)
	task := d.Root().NewChild("timer-owner")

	fired := 0
	var entry *timerEntry
	entry = d.RegisterTimer(task, time.Millisecond, 0, func() error {
		fired++
		// The callback cancels its own timer mid-fire; removal must be
		// deferred via the tombstone rather than mutating the slice being
		// ranged over.
		d.CancelTimer(entry)
		return nil
	})
	task.TrackTimer(entry)

	time.Sleep(5 * time.Millisecond)
	d.fireDueTimers()
	d.fireDueTimers() // second pass must not fire again

	require.Equal(t, 1, fired)
}
