package dist

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"
)

// maxEstablishedFrame bounds a single established-phase frame (spec §4.4:
// the length field is 4 bytes but the protocol caps it at 2^31-1; a real
// peer never sends anywhere near that, so a much tighter guard protects
// against a misbehaving peer forcing an unbounded allocation).
const maxEstablishedFrame = 64 * 1024 * 1024

// maxHandshakeFrame matches the 2-byte length field's range (spec §4.4).
const maxHandshakeFrame = 65535

// frameReader reads length-prefixed EDP frames off a connection, switching
// header width between the handshake and established phases (spec §4.4
// table).
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(conn net.Conn) *frameReader {
	return &frameReader{r: bufio.NewReader(conn)}
}

// ReadHandshakeFrame reads one 2-byte-length-prefixed handshake message.
func (f *frameReader) ReadHandshakeFrame() ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(f.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadFrame reads one established-phase frame. tick is true for a
// zero-length frame (spec §4.4); payload is nil in that case and no
// allocation is performed.
func (f *frameReader) ReadFrame() (payload []byte, tick bool, err error) {
	var hdr [4]byte
	if _, err := io.ReadFull(f.r, hdr[:]); err != nil {
		return nil, false, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, true, nil
	}
	if n > maxEstablishedFrame {
		return nil, false, errors.WithStack(protocolError("frame length exceeds limit"))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return nil, false, err
	}
	return buf, false, nil
}

// frameWriter writes length-prefixed EDP frames.
type frameWriter struct {
	w *bufio.Writer
}

func newFrameWriter(conn net.Conn) *frameWriter {
	return &frameWriter{w: bufio.NewWriter(conn)}
}

// WriteHandshakeFrame writes payload with a 2-byte length prefix.
func (f *frameWriter) WriteHandshakeFrame(payload []byte) error {
	if len(payload) > maxHandshakeFrame {
		return errors.WithStack(protocolError("handshake message exceeds 65535 bytes"))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))
	if _, err := f.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := f.w.Write(payload); err != nil {
		return err
	}
	return f.w.Flush()
}

// WriteFrame writes payload with a 4-byte length prefix. A nil/empty
// payload writes a tick frame.
func (f *frameWriter) WriteFrame(payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := f.w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := f.w.Write(payload); err != nil {
			return err
		}
	}
	return f.w.Flush()
}

// WriteTick writes a zero-length established-phase frame.
func (f *frameWriter) WriteTick() error { return f.WriteFrame(nil) }
