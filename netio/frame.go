package netio

import (
	"fmt"
	"io"

	"github.com/lithdew/bytesutil"
)

// FrameHeaderSize is the wire size of the default frame header.
const FrameHeaderSize = MsgIDSize + 4

// MaxFramePayload bounds a single frame. Larger logical messages are split
// into several frames carrying the same id.
const MaxFramePayload = 1 << 24

// Frame is the default wire encoding for one tagged chunk: the message
// identifier, a big-endian payload length, and the payload bytes. A frame
// is written atomically, so interleaving between concurrent messages
// happens at frame granularity.
type Frame struct {
	ID   MsgID
	Data []byte
}

func (f Frame) AppendTo(dst []byte) []byte {
	dst = f.ID.AppendTo(dst)
	dst = bytesutil.AppendUint32BE(dst, uint32(len(f.Data)))
	dst = append(dst, f.Data...)
	return dst
}

func UnmarshalFrame(buf []byte) (Frame, []byte, error) {
	var frame Frame
	if len(buf) < FrameHeaderSize {
		return frame, buf, io.ErrUnexpectedEOF
	}
	var leftover []byte
	frame.ID, leftover, _ = UnmarshalMsgID(buf)
	size := bytesutil.Uint32BE(leftover[:4])
	leftover = leftover[4:]
	if uint32(len(leftover)) < size {
		return frame, buf, io.ErrUnexpectedEOF
	}
	frame.Data, leftover = leftover[:size], leftover[size:]
	return frame, leftover, nil
}

// Demuxer is the contract with the protocol layer that owns the wire
// framing: it decides, from header bytes alone, which identifier the next
// run of payload bytes belongs to. The zero MsgID routes to the
// connection's default buffer.
type Demuxer interface {
	// HeaderSize is the fixed number of bytes one header occupies.
	HeaderSize() int

	// Parse decodes one header and returns the destination id and the
	// payload length that follows. An undecodable header is reported with
	// an error wrapping ErrFraming.
	Parse(hdr []byte) (id MsgID, payload int, err error)
}

type frameDemuxer struct {
	max int
}

// NewFrameDemuxer returns the demuxer for the default Frame encoding.
func NewFrameDemuxer() Demuxer { return frameDemuxer{max: MaxFramePayload} }

func (d frameDemuxer) HeaderSize() int { return FrameHeaderSize }

func (d frameDemuxer) Parse(hdr []byte) (MsgID, int, error) {
	if len(hdr) < FrameHeaderSize {
		return ZeroMsgID, 0, ErrShortFrame
	}
	id, leftover, _ := UnmarshalMsgID(hdr)
	size := bytesutil.Uint32BE(leftover[:4])
	if int64(size) > int64(d.max) {
		return ZeroMsgID, 0, fmt.Errorf("frame of %d bytes exceeds the %d byte limit: %w", size, d.max, ErrFraming)
	}
	return id, int(size), nil
}
