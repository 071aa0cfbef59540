package channelset

import (
	"testing"

	"github.com/etherlab/buddy/internal/signal"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReplacesExisting(t *testing.T) {
	s := New()
	d := &signal.Descriptor{Path: "/x", Type: signal.F64}

	ch1, err := s.Subscribe(d, Options{BlockSize: 1, Decimation: 1})
	require.NoError(t, err)

	ch2, err := s.Subscribe(d, Options{BlockSize: 2, Decimation: 3})
	require.NoError(t, err)
	require.NotEqual(t, ch1.ID, ch2.ID)
	require.Len(t, s.All(), 1)

	got, ok := s.Lookup("/x")
	require.True(t, ok)
	require.Equal(t, uint32(3), got.Options.Decimation)
}

func TestSubscribeRejectsInvalidOptions(t *testing.T) {
	s := New()
	d := &signal.Descriptor{Path: "/x", Type: signal.F64}

	_, err := s.Subscribe(d, Options{BlockSize: 0, Decimation: 1})
	require.Error(t, err)

	_, err = s.Subscribe(d, Options{BlockSize: 1, Decimation: 0})
	require.Error(t, err)
}

func TestUnsubscribe(t *testing.T) {
	s := New()
	d := &signal.Descriptor{Path: "/x", Type: signal.F64}
	_, err := s.Subscribe(d, Options{BlockSize: 1, Decimation: 1})
	require.NoError(t, err)

	require.True(t, s.Unsubscribe("/x"))
	require.False(t, s.Unsubscribe("/x"))
	require.Empty(t, s.All())
}

func TestTickDecimation(t *testing.T) {
	c := &Channel{Options: Options{Decimation: 3, BlockSize: 1}}
	require.True(t, c.Tick())
	require.False(t, c.Tick())
	require.False(t, c.Tick())
	require.True(t, c.Tick())
}

func TestAccumulateBlock(t *testing.T) {
	c := &Channel{Options: Options{Decimation: 1, BlockSize: 3}}
	accumulate := func(tick uint64) bool {
		full, _, _ := c.AccumulateBlock(tick, []byte{byte(tick)})
		return full
	}
	require.False(t, accumulate(0))
	require.False(t, accumulate(1))
	require.True(t, accumulate(2))
	require.Equal(t, uint32(0), c.PendingBlockSamples())
}

func TestChangedDetectsValueTransitions(t *testing.T) {
	c := &Channel{}
	require.True(t, c.Changed([]byte{1, 2, 3})) // first value always "changed"
	require.False(t, c.Changed([]byte{1, 2, 3}))
	require.True(t, c.Changed([]byte{1, 2, 4}))
}
