package producer

import (
	"testing"
	"time"

	"github.com/etherlab/buddy/internal/ring"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func TestParameterQueuePushPopOrderAndCapacity(t *testing.T) {
	q := NewParameterQueue()

	for i := 0; i < paramQueueCapacity; i++ {
		require.True(t, q.TryPush(ParameterWrite{Offset: uint32(i)}))
	}
	require.False(t, q.TryPush(ParameterWrite{Offset: 999}))

	for i := 0; i < paramQueueCapacity; i++ {
		w, ok := q.TryPop()
		require.True(t, ok)
		require.Equal(t, uint32(i), w.Offset)
	}
	_, ok := q.TryPop()
	require.False(t, ok)
}

func TestRecordHeaderRoundTrip(t *testing.T) {
	h := RecordHeader{SampleTimeIndex: 3, Tick: 123456789, PayloadLen: 42}
	decoded, err := DecodeRecordHeader(EncodeRecordHeader(h))
	require.NoError(t, err)
	require.Equal(t, h, decoded)
}

func TestDecodeRecordHeaderRejectsShortInput(t *testing.T) {
	_, err := DecodeRecordHeader([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestSimulatorWritesRecordsAtConfiguredDivisorsAndWakesSelfPipe(t *testing.T) {
	buf := ring.New(4096)
	reader := buf.NewReader()

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	var fastTicks, slowTicks int
	sampleTimes := []SampleTime{
		{Index: 0, Divisor: 1, ImageSize: 8, Fill: func(tick uint64, out []byte) {
			fastTicks++
			out[0] = byte(tick)
		}},
		{Index: 1, Divisor: 2, ImageSize: 4, Fill: func(tick uint64, out []byte) {
			slowTicks++
			out[0] = byte(tick)
		}},
	}

	applied := make(chan ParameterWrite, 1)
	queue := NewParameterQueue()
	sim := NewSimulator(zap.NewNop().Sugar(), buf, time.Millisecond, sampleTimes, queue,
		func(w ParameterWrite) error { applied <- w; return nil }, fds[1])

	queue.TryPush(ParameterWrite{Principal: "admin", Offset: 4, Data: []byte{1, 2, 3, 4}})

	go sim.Run()
	defer sim.Stop()

	require.Eventually(t, func() bool {
		return fastTicks >= 4 && slowTicks >= 2
	}, 200*time.Millisecond, time.Millisecond)

	select {
	case w := <-applied:
		require.Equal(t, "admin", w.Principal)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("parameter write was never applied")
	}

	var pollBuf [1]byte
	_, err := unix.Read(fds[0], pollBuf[:])
	require.NoError(t, err)

	raw, err := reader.Linearize()
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	header, err := DecodeRecordHeader(raw)
	require.NoError(t, err)
	require.Equal(t, uint32(0), header.SampleTimeIndex)
}
