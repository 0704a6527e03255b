package serial

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-cannelloni-bridge/internal/can"
	"github.com/kstaniek/go-cannelloni-bridge/internal/transport"
)

// UART envelope: 2D D4 LEN DATA... CHECKSUM, LEN = len(DATA)+1 and
// CHECKSUM = 0x2D + LEN + sum(DATA) (mod 256).
//
// TX data: INS(1)=2 | FLAGS(1)=0x80|dlc | ID(4, big-endian) | PAYLOAD(0..8)
// RX data: ID(4, big-endian) | PAYLOAD(0..8)
//
// Example RX frame (DLC=8):
//
//	2D D4 0D 00 00 00 02 FE 10 19 09 19 04 01 20 AA
const (
	pre0 = 0x2D
	pre1 = 0xD4

	insSendExt = 2
	flagsDLC   = 0x80

	// LEN bounds on RX: ID(4) + PAYLOAD(0..8) + checksum(1)
	minRxLen = 4 + 0 + 1
	maxRxLen = 4 + 8 + 1

	// accumulator is dropped and reallocated once empty beyond this size
	reclaimThreshold = 16 * 1024
)

// ErrUnsupportedFrame is returned for frames the adapter cannot carry.
var ErrUnsupportedFrame = fmt.Errorf("serial: %w", transport.ErrUnsupported)

func envelope(dst, data []byte) []byte {
	ln := byte(len(data) + 1)
	sum := ln + pre0
	dst = append(dst, pre0, pre1, ln)
	for _, b := range data {
		sum += b
	}
	dst = append(dst, data...)
	return append(dst, sum)
}

// AppendFrame appends the UART encoding of f to dst. Only classic data frames
// are supported.
func AppendFrame(dst []byte, f can.Frame) ([]byte, error) {
	if f.IsFD() || f.IsRTR() || f.IsError() {
		return dst, fmt.Errorf("%w: %v", ErrUnsupportedFrame, f)
	}
	if err := f.Validate(); err != nil {
		return dst, err
	}
	var data [6 + can.MaxClassicLen]byte
	data[0] = insSendExt
	data[1] = flagsDLC | f.Len
	binary.BigEndian.PutUint32(data[2:6], f.ID())
	n := copy(data[6:], f.Payload())
	return envelope(dst, data[:6+n]), nil
}

// Decoder reassembles frames from an arbitrarily chunked byte stream.
type Decoder struct {
	acc bytes.Buffer
}

// Feed appends p and emits every complete frame via out. It returns how many
// malformed envelopes (bad length or checksum) were skipped.
func (d *Decoder) Feed(p []byte, out func(can.Frame)) int {
	d.acc.Write(p)
	bad := 0
	for {
		data := d.acc.Bytes()
		if len(data) < 3 {
			break
		}
		i := bytes.Index(data, []byte{pre0, pre1})
		if i < 0 {
			// keep the last byte: it may be the first half of a preamble
			last := data[len(data)-1]
			d.acc.Reset()
			_ = d.acc.WriteByte(last)
			break
		}
		if i > 0 {
			d.acc.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < minRxLen || ln > maxRxLen {
			bad++
			d.acc.Next(1)
			continue
		}
		total := 3 + ln
		if len(data) < total {
			break
		}
		sum := byte(pre0) + data[2]
		for _, b := range data[3 : total-1] {
			sum += b
		}
		if sum != data[total-1] {
			bad++
			d.acc.Next(1)
			continue
		}
		payload := data[7 : total-1]
		f := can.Frame{
			CANID: binary.BigEndian.Uint32(data[3:7])&can.CAN_EFF_MASK | can.CAN_EFF_FLAG,
			Len:   uint8(len(payload)),
		}
		copy(f.Data[:], payload)
		out(f)
		d.acc.Next(total)
	}
	d.compact()
	return bad
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *Decoder) Buffered() int { return d.acc.Len() }

// compact releases capacity left behind by bursts of garbage.
func (d *Decoder) compact() {
	data := d.acc.Bytes()
	switch {
	case len(data) == 0 && d.acc.Cap() > reclaimThreshold:
		d.acc = bytes.Buffer{}
	case len(data) >= 1024 && len(data)*4 < d.acc.Cap():
		clone := append([]byte(nil), data...)
		d.acc.Reset()
		_, _ = d.acc.Write(clone)
	}
}
