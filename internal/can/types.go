package can

import (
	"errors"
	"fmt"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Frame flag bits (same values as canfd_frame.flags in <linux/can.h>).
const (
	FlagBRS uint8 = 0x01 // bit rate switch
	FlagESI uint8 = 0x02 // error state indicator
	FlagFD  uint8 = 0x04 // frame is CAN FD
)

// Payload limits.
const (
	MaxClassicLen = 8
	MaxFDLen      = 64
)

var (
	ErrInvalidLength = errors.New("can: invalid length")
	ErrInvalidID     = errors.New("can: invalid identifier")
)

// Frame is a CAN / CAN FD frame holder used across the bridge.
// can_id contains EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is the data length (0..8 classic, 0..64 FD); only the first Len bytes of
// Data are valid. For remote frames Len is the requested length and the frame
// carries no payload.
type Frame struct {
	CANID uint32
	Len   uint8
	Flags uint8
	Data  [64]byte
}

func (f Frame) IsFD() bool       { return f.Flags&FlagFD != 0 }
func (f Frame) IsRTR() bool      { return f.CANID&CAN_RTR_FLAG != 0 }
func (f Frame) IsExtended() bool { return f.CANID&CAN_EFF_FLAG != 0 }
func (f Frame) IsError() bool    { return f.CANID&CAN_ERR_FLAG != 0 }

// ID returns the identifier without flag bits.
func (f Frame) ID() uint32 {
	if f.IsExtended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// MaxLen returns the payload capacity implied by the frame flags.
func (f Frame) MaxLen() int {
	if f.IsFD() {
		return MaxFDLen
	}
	return MaxClassicLen
}

// PayloadLen is the number of data bytes the frame carries on the wire.
// Remote frames never carry data.
func (f Frame) PayloadLen() int {
	if f.IsRTR() {
		return 0
	}
	n := int(f.Len)
	if n > MaxFDLen {
		n = MaxFDLen
	}
	return n
}

// Payload returns the meaningful data bytes.
func (f *Frame) Payload() []byte { return f.Data[:f.PayloadLen()] }

// Validate reports whether the frame can be put on a bus.
func (f Frame) Validate() error {
	if int(f.Len) > f.MaxLen() {
		return fmt.Errorf("%w: %d > %d", ErrInvalidLength, f.Len, f.MaxLen())
	}
	if f.IsFD() && f.IsRTR() {
		return fmt.Errorf("%w: remote request on FD frame", ErrInvalidID)
	}
	if !f.IsExtended() && f.CANID&^(CAN_RTR_FLAG|CAN_ERR_FLAG) > CAN_SFF_MASK {
		return fmt.Errorf("%w: 0x%X exceeds 11 bits", ErrInvalidID, f.CANID&CAN_EFF_MASK)
	}
	return nil
}

func (f Frame) String() string {
	kind := "classic"
	if f.IsFD() {
		kind = "fd"
	}
	if f.IsRTR() {
		return fmt.Sprintf("%X#R%d (%s)", f.ID(), f.Len, kind)
	}
	return fmt.Sprintf("%X#% X (%s)", f.ID(), f.Data[:f.PayloadLen()], kind)
}
