package base

import (
	"encoding/binary"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"io"
	"net"
	"os"
)

// MaxFrameSize bounds the length field of a frame, larger frames are treated as protocol desync
const MaxFrameSize = 64 * 1024 * 1024

// --------------------------------------------------------------------------
// Envelope
// --------------------------------------------------------------------------

// The payload of every request and response frame is an envelope:
// - uvarint: length of the serialized frame header
// - N bytes: serialized common.FrameHeader
// - rest:    opaque body

// EnvelopeBuffers returns the buffers of an envelope and its total length.
// The returned buffers can be written with a single net.Buffers write.
func EnvelopeBuffers(header, payload []byte) (net.Buffers, int) {
	prefix := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen32), uint64(len(header)))
	return net.Buffers{prefix, header, payload}, len(prefix) + len(header) + len(payload)
}

// EncodeEnvelope returns the envelope as one slice
func EncodeEnvelope(header, payload []byte) []byte {
	bufs, n := EnvelopeBuffers(header, payload)
	out := make([]byte, 0, n)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

// DecodeEnvelope splits an envelope into the serialized header and the body
func DecodeEnvelope(frame []byte) (header, body []byte, err error) {
	hdrLen, n := binary.Uvarint(frame)
	if n <= 0 {
		return nil, nil, fmt.Errorf("%w: malformed envelope prefix", common.ErrIO)
	}
	if uint64(len(frame)-n) < hdrLen {
		return nil, nil, fmt.Errorf("%w: envelope header truncated (%d of %d bytes)", common.ErrIO, len(frame)-n, hdrLen)
	}
	end := n + int(hdrLen)
	return frame[n:end], frame[end:], nil
}

// --------------------------------------------------------------------------
// Resumable reader
// --------------------------------------------------------------------------

// FrameReader reads fixed size parts from a connection. A read that fails with a
// timeout keeps the bytes read so far, the next call continues where it stopped.
// This lets a read deadline hit in the middle of a frame without losing the stream position.
type FrameReader struct {
	r   io.Reader
	buf []byte
	n   int
}

// NewFrameReader creates a new FrameReader
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Fill reads until size bytes are buffered and returns them. The returned slice is
// valid until Reset is called.
func (fr *FrameReader) Fill(size int) ([]byte, error) {
	if cap(fr.buf) < size {
		nb := make([]byte, size)
		copy(nb, fr.buf[:fr.n])
		fr.buf = nb
	}
	fr.buf = fr.buf[:size]
	for fr.n < size {
		m, err := fr.r.Read(fr.buf[fr.n:size])
		fr.n += m
		if err != nil {
			if err == io.EOF && fr.n > 0 && fr.n < size {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return fr.buf[:size], nil
}

// Reset drops the buffered bytes, it is called once a frame part is consumed
func (fr *FrameReader) Reset() {
	fr.n = 0
}

// Take returns the buffered bytes and detaches them from the reader,
// so the caller may keep them after the next Fill
func (fr *FrameReader) Take() []byte {
	b := fr.buf[:fr.n]
	fr.buf, fr.n = nil, 0
	return b
}

// IsTimeout reports whether err is a read or write deadline error
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
