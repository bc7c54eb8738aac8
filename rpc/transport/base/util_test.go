package base

import (
	"bytes"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/stretchr/testify/require"
	"io"
	"os"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	header := []byte("header")
	body := bytes.Repeat([]byte{0xAB}, 300)

	frame := EncodeEnvelope(header, body)
	bufs, n := EnvelopeBuffers(header, body)
	require.Equal(t, len(frame), n)
	require.Len(t, bufs, 3)

	gotHdr, gotBody, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	require.Equal(t, header, gotHdr)
	require.Equal(t, body, gotBody)

	gotHdr, gotBody, err = DecodeEnvelope(EncodeEnvelope(nil, nil))
	require.NoError(t, err)
	require.Empty(t, gotHdr)
	require.Empty(t, gotBody)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, _, err := DecodeEnvelope(nil)
	require.ErrorIs(t, err, common.ErrIO)

	frame := EncodeEnvelope([]byte("header"), nil)
	_, _, err = DecodeEnvelope(frame[:3])
	require.ErrorIs(t, err, common.ErrIO)
}

// scriptedReader returns the scripted chunks and errors one call at a time
type scriptedReader struct {
	steps []any
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	if len(r.steps) == 0 {
		return 0, io.EOF
	}
	step := r.steps[0]
	r.steps = r.steps[1:]
	switch s := step.(type) {
	case error:
		return 0, s
	case []byte:
		return copy(p, s), nil
	}
	return 0, nil
}

func TestFrameReaderResumesAfterTimeout(t *testing.T) {
	r := &scriptedReader{steps: []any{
		[]byte{1, 2},
		os.ErrDeadlineExceeded,
		[]byte{3, 4},
		[]byte{5, 6, 7},
	}}
	fr := NewFrameReader(r)

	_, err := fr.Fill(4)
	require.True(t, IsTimeout(err))

	part, err := fr.Fill(4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, part)
	fr.Reset()

	part, err = fr.Fill(3)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 6, 7}, part)

	kept := fr.Take()
	require.Equal(t, []byte{5, 6, 7}, kept)
}

func TestFrameReaderTruncatedFrame(t *testing.T) {
	fr := NewFrameReader(&scriptedReader{steps: []any{[]byte{1}}})
	_, err := fr.Fill(2)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	fr = NewFrameReader(&scriptedReader{})
	_, err = fr.Fill(2)
	require.ErrorIs(t, err, io.EOF)
}

func TestWriteMetrics(t *testing.T) {
	link := newMockLink(t, 1)
	wire := NewWire(link, 1, testSerializer)
	_, err := wire.Send(1, []byte("a"))
	require.NoError(t, err)

	var out bytes.Buffer
	WriteMetrics(&out)
	require.Contains(t, out.String(), `dlink_frames_sent_total{transport="mock"}`)
}
