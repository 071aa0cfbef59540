package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeLength(t *testing.T) {
	framed := EncodeLength([]byte("hello"))
	require.Len(t, framed, LengthPrefixSize+5)

	n, err := DecodeLength(framed)
	require.NoError(t, err)
	require.EqualValues(t, 5, n)
}

func TestEncodeCommandFrameRoundTrip(t *testing.T) {
	framed := EncodeCommandFrame([]byte("CAPABILITIES\n"))

	n, err := DecodeLength(framed)
	require.NoError(t, err)

	payload := framed[LengthPrefixSize : LengthPrefixSize+int(n)]
	channel, body, err := DecodeChannel(payload)
	require.NoError(t, err)
	require.Equal(t, CommandChannel, channel)
	require.Equal(t, "CAPABILITIES\n", string(body))
}

func TestDataFrameRoundTrip(t *testing.T) {
	hdr := DataHeader{Encoding: EncodingBase64Raw, SampleCount: 3, FirstIndex: 42}
	samples := []byte{1, 2, 3, 4}

	framed := EncodeDataFrame(7, hdr, samples)

	n, err := DecodeLength(framed)
	require.NoError(t, err)
	payload := framed[LengthPrefixSize : LengthPrefixSize+int(n)]

	channel, rest, err := DecodeChannel(payload)
	require.NoError(t, err)
	require.EqualValues(t, 7, channel)

	gotHdr, gotSamples, err := DecodeDataHeader(rest)
	require.NoError(t, err)

	if diff := cmp.Diff(hdr, gotHdr); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, samples, gotSamples)
}

func TestDecodeChannelRejectsShortPayload(t *testing.T) {
	_, _, err := DecodeChannel([]byte{1, 2, 3})
	require.Error(t, err)
}
