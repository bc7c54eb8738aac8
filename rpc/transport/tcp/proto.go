package tcp

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dLink/rpc/common"
	"github.com/ValentinKolb/dLink/rpc/transport/base"
	"net"
	"time"
)

// Frame kinds sent by the client
const (
	kindHello   uint8 = 1
	kindRequest uint8 = 2
	kindByeOK   uint8 = 3
)

// Frame kinds sent by the server
const (
	kindPayload          uint8 = 1
	kindResultSetPayload uint8 = 2
	kindHelloOK          uint8 = 3
	kindHelloNG          uint8 = 4
	kindResultSetHello   uint8 = 5
	kindResultSetBye     uint8 = 6
)

// headerSize is the size of a frame header without writer byte:
// kind (1) | slot (1) | length (4, little endian)
const headerSize = 6

// frame is one decoded frame
type frame struct {
	kind   uint8
	slot   uint8
	writer uint8
	data   []byte
}

// encodeHeader returns the header of a frame. The writer byte is only present for
// result set payloads.
func encodeHeader(kind, slot uint8, length int, withWriter bool, writer uint8) []byte {
	hdr := make([]byte, 0, headerSize+1)
	hdr = append(hdr, kind, slot)
	if withWriter {
		hdr = append(hdr, writer)
	}
	return binary.LittleEndian.AppendUint32(hdr, uint32(length))
}

// --------------------------------------------------------------------------
// Frame Decoder
// --------------------------------------------------------------------------

// frameDecoder reads frames from a connection. A read that times out keeps the
// position in the stream, the next call continues the same frame.
type frameDecoder struct {
	r          *base.FrameReader
	writerKind uint8 // kind that carries a writer byte, 0 for none

	cur    frame
	length int
	inBody bool
}

func newFrameDecoder(conn net.Conn, writerKind uint8) *frameDecoder {
	return &frameDecoder{r: base.NewFrameReader(conn), writerKind: writerKind}
}

func (d *frameDecoder) next() (frame, error) {
	if !d.inBody {
		hdr, err := d.r.Fill(2)
		if err != nil {
			return frame{}, err
		}
		size := headerSize
		if d.writerKind != 0 && hdr[0] == d.writerKind {
			size++
		}
		if hdr, err = d.r.Fill(size); err != nil {
			return frame{}, err
		}

		f := frame{kind: hdr[0], slot: hdr[1]}
		lengthAt := 2
		if size > headerSize {
			f.writer = hdr[2]
			lengthAt = 3
		}
		length := binary.LittleEndian.Uint32(hdr[lengthAt:])
		if length > base.MaxFrameSize {
			return frame{}, fmt.Errorf("%w: frame of %d bytes exceeds the limit", common.ErrIO, length)
		}
		d.r.Reset()
		d.cur, d.length, d.inBody = f, int(length), true
	}

	if _, err := d.r.Fill(d.length); err != nil {
		return frame{}, err
	}
	f := d.cur
	f.data = d.r.Take()
	d.inBody = false
	return f, nil
}

// --------------------------------------------------------------------------
// Socket Options
// --------------------------------------------------------------------------

// UpgradeConnection applies the socket and TCP options to a connection.
// Connections that are not TCP connections are left untouched.
func UpgradeConnection(conn net.Conn, sock common.SocketConf, opts common.TCPConf) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	// Disable Nagle's algorithm if configured
	if err := tcpConn.SetNoDelay(opts.TCPNoDelay); err != nil {
		return err
	}

	if sock.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(sock.WriteBufferSize); err != nil {
			return err
		}
	}
	if sock.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(sock.ReadBufferSize); err != nil {
			return err
		}
	}

	if opts.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(opts.TCPKeepAliveSec) * time.Second); err != nil {
			return err
		}
	}

	if opts.TCPLingerSec > 0 {
		if err := tcpConn.SetLinger(opts.TCPLingerSec); err != nil {
			return err
		}
	}
	return nil
}
