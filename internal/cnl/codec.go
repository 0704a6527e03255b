package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-cannelloni-bridge/internal/can"
)

// Wire constants of the cannelloni v2 UDP protocol.
const (
	Version  = 2
	OpData   = 1
	FDFlag   = 0x80 // set in the length byte for CAN FD frames
	lenMask  = 0x7F
	MaxCount = 255

	HeaderSize      = 4
	FrameHeaderSize = 5
)

var (
	// ErrTruncated is returned when the datagram ends inside the header or inside a frame.
	ErrTruncated = errors.New("cannelloni: truncated packet")
	// ErrBadHeader is returned for an unknown version or opcode.
	ErrBadHeader = errors.New("cannelloni: bad header")
	// ErrPartial is returned together with the frames decoded before the packet broke off.
	ErrPartial = errors.New("cannelloni: partial packet")
	// ErrInvalidLength is returned when a frame length exceeds the 64 byte frame capacity.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTooManyFrames is returned when a batch does not fit the 8-bit frame count.
	ErrTooManyFrames = errors.New("cannelloni: too many frames")
)

// Packet is one decoded cannelloni datagram.
type Packet struct {
	Version uint8
	OpCode  uint8
	Seq     uint8
	Frames  []can.Frame
}

// Codec encodes/decodes cannelloni packets. Stateless and safe for concurrent use.
type Codec struct{}

// FrameSize returns the encoded size of f (sub-header plus payload).
func FrameSize(f can.Frame) int { return FrameHeaderSize + f.PayloadLen() }

// PacketSize returns the encoded size of a packet carrying frames.
func PacketSize(frames []can.Frame) int {
	n := HeaderSize
	for _, f := range frames {
		n += FrameSize(f)
	}
	return n
}

// Encode packs frame bodies without the packet header.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(PacketSize(frames) - HeaderSize)
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns bytes written.
// Each frame is encoded as: 4-byte BE CANID, 1-byte length (lower 7 bits, 0x80 for FD), payload.
// Remote frames carry no payload.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var hdr [FrameHeaderSize]byte
	for i := range frames {
		f := &frames[i]
		binary.BigEndian.PutUint32(hdr[:4], f.CANID)
		ln := f.Len & lenMask
		if ln > can.MaxFDLen {
			ln = can.MaxFDLen
		}
		hdr[4] = ln
		if f.IsFD() {
			hdr[4] |= FDFlag
		}
		n, err := w.Write(hdr[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode header: %w", err)
		}
		if pl := f.PayloadLen(); pl > 0 {
			n, err = w.Write(f.Data[:pl])
			total += n
			if err != nil {
				return total, fmt.Errorf("cannelloni encode data: %w", err)
			}
		}
	}
	return total, nil
}

// WritePacket writes a DATA packet header followed by frames.
func (c *Codec) WritePacket(w io.Writer, seq uint8, frames []can.Frame) (int, error) {
	if len(frames) > MaxCount {
		return 0, fmt.Errorf("%w: %d", ErrTooManyFrames, len(frames))
	}
	n, err := w.Write([]byte{Version, OpData, seq, uint8(len(frames))})
	if err != nil {
		return n, fmt.Errorf("cannelloni encode packet header: %w", err)
	}
	m, err := c.EncodeTo(w, frames)
	return n + m, err
}

// EncodePacket returns a complete DATA packet.
func (c *Codec) EncodePacket(seq uint8, frames []can.Frame) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(PacketSize(frames))
	if _, err := c.WritePacket(&buf, seq, frames); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFrame decodes one frame from the start of b and returns it with the
// number of bytes consumed.
func (c *Codec) DecodeFrame(b []byte) (can.Frame, int, error) {
	var f can.Frame
	if len(b) < FrameHeaderSize {
		return f, 0, ErrTruncated
	}
	f.CANID = binary.BigEndian.Uint32(b[:4])
	lb := b[4]
	if lb&FDFlag != 0 {
		f.Flags = can.FlagFD
	}
	ln := int(lb & lenMask)
	if f.IsRTR() {
		if ln > can.MaxClassicLen {
			ln = can.MaxClassicLen
		}
		f.Len = uint8(ln)
		return f, FrameHeaderSize, nil
	}
	if ln > can.MaxFDLen {
		return f, 0, fmt.Errorf("%w (%d)", ErrInvalidLength, ln)
	}
	if len(b) < FrameHeaderSize+ln {
		return f, 0, ErrTruncated
	}
	f.Len = uint8(ln)
	copy(f.Data[:ln], b[FrameHeaderSize:FrameHeaderSize+ln])
	return f, FrameHeaderSize + ln, nil
}

// DecodePacket parses one datagram. If the packet breaks off after at least one
// frame, the frames decoded so far are returned with an error wrapping ErrPartial.
func (c *Codec) DecodePacket(data []byte) (Packet, error) {
	var p Packet
	if len(data) < HeaderSize {
		return p, fmt.Errorf("%w: %d byte header", ErrTruncated, len(data))
	}
	p.Version, p.OpCode, p.Seq = data[0], data[1], data[2]
	if p.Version != Version || p.OpCode != OpData {
		return p, fmt.Errorf("%w: version %d opcode %d", ErrBadHeader, p.Version, p.OpCode)
	}
	count := int(data[3])
	if count == 0 {
		return p, nil
	}
	// Every frame needs at least its sub-header, so the remaining bytes bound the allocation.
	capHint := count
	if maxFrames := (len(data) - HeaderSize) / FrameHeaderSize; maxFrames < capHint {
		capHint = maxFrames
	}
	p.Frames = make([]can.Frame, 0, capHint)
	pos := HeaderSize
	for i := 0; i < count; i++ {
		f, n, err := c.DecodeFrame(data[pos:])
		if err != nil {
			if len(p.Frames) == 0 {
				return p, fmt.Errorf("frame 1 of %d: %w", count, err)
			}
			return p, fmt.Errorf("%w: %d of %d frames: %w", ErrPartial, len(p.Frames), count, err)
		}
		p.Frames = append(p.Frames, f)
		pos += n
	}
	return p, nil
}
