package ipc

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport/base"
	"io"
	"net"
	"strconv"
)

// Frame kinds sent by the server on a session socket
const (
	kindNull     uint8 = 0 // orderly end of the session
	kindPayload  uint8 = 1 // main response
	kindBodyHead uint8 = 2 // head of a query response
	kindCode     uint8 = 3 // bare status code (u32 little endian)
)

// Handshake status sent on the control socket
const (
	helloOK uint8 = 0
	helloNG uint8 = 1
)

// Socket names, derived from the base name the server listens on
func sessionPath(base string, sessionID uint64) string {
	return base + "-" + strconv.FormatUint(sessionID, 10)
}

func resultSetPath(sessionPath, name string) string {
	return sessionPath + "-" + name
}

// ----- framing helpers -----

// Requests:  slot (1) | length (4, LE) | payload
// Responses: kind (1) | slot (1) | length (4, LE) | payload
// Chunks:    length (4, LE) | chunk
// Handshake: length (4, LE) | credential, answered by status (1) | length (4, LE) | payload

func lengthPrefix(dst []byte, n int) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(n))
}

// readSized reads a u32 length and the following bytes
func readSized(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > base.MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds the limit", common.ErrIO, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, unexpectedEOF(err)
	}
	return data, nil
}

func writeSized(w io.Writer, prefix []byte, payload []byte) error {
	bufs := net.Buffers{lengthPrefix(prefix, len(payload)), payload}
	_, err := bufs.WriteTo(w)
	return err
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
