package layer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fixedHeaderLayer is a minimal Layer whose header is a constant tag byte,
// used to test prefix reservation and header-fill ordering independent of
// the real PacketFramer/Socket implementations.
type fixedHeaderLayer struct {
	name string
	tag  byte
}

func (f *fixedHeaderLayer) Name() string       { return f.name }
func (f *fixedHeaderLayer) HeaderLength() int  { return 1 }
func (f *fixedHeaderLayer) GetHeader(*IOBuffer) []byte {
	return []byte{f.tag}
}

type recordingTransport struct {
	fixedHeaderLayer
	sent [][]byte
}

func (t *recordingTransport) Send(buf *IOBuffer) (SendResult, error) {
	t.sent = append(t.sent, append([]byte(nil), buf.Bytes()...))
	return SendTransmitted, nil
}

func TestPrefixReservationAndHeaderOrder(t *testing.T) {
	bottom := &recordingTransport{fixedHeaderLayer: fixedHeaderLayer{name: "socket", tag: 0xAA}}
	mid := &fixedHeaderLayer{name: "framer", tag: 0xBB}
	top := &fixedHeaderLayer{name: "proc", tag: 0}

	stack, err := NewStack(bottom, mid, top)
	require.NoError(t, err)

	buf := stack.NewIOBuffer(2, []byte("payload"))
	require.Equal(t, 2, buf.prefixLen) // one header byte each for bottom+mid

	err = stack.Transmit(buf)
	require.NoError(t, err)

	require.Len(t, bottom.sent, 1)
	got := bottom.sent[0]
	require.Equal(t, []byte{0xAA, 0xBB}, got[:2])
	require.Equal(t, "payload", string(got[2:]))
}

func TestFinishedCallbackOnlyFiresOnce(t *testing.T) {
	bottom := &recordingTransport{fixedHeaderLayer: fixedHeaderLayer{name: "socket"}}
	stack, err := NewStack(bottom)
	require.NoError(t, err)

	buf := stack.NewIOBuffer(0, []byte("x"))
	calls := 0
	buf.OnFinish(func() { calls++ })

	require.NoError(t, stack.Transmit(buf))
	buf.Finished() // idempotent: second call must not re-invoke
	require.Equal(t, 1, calls)
}

func TestNewStackRejectsNonTransportBottom(t *testing.T) {
	_, err := NewStack(&fixedHeaderLayer{name: "not-a-transport"})
	require.Error(t, err)
}
