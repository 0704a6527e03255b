package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-cannelloni-bridge/internal/can"
	"github.com/kstaniek/go-cannelloni-bridge/internal/transport"
)

// Kernel frame sizes (CAN_MTU / CANFD_MTU in <linux/can.h>).
const (
	mtuClassic = 16
	mtuFD      = 72
)

var (
	ErrFDDisabled = fmt.Errorf("socketcan: CAN FD frame on a classic socket: %w", transport.ErrUnsupported)
	ErrShortRead  = errors.New("socketcan: short read")
)

// decodeFrame parses a struct can_frame or struct canfd_frame.
//
//	can_id  u32  [0:4]  (includes EFF/RTR/ERR flags)
//	len     u8   [4]
//	flags   u8   [5]    (canfd_frame only: BRS, ESI)
//	res     2B   [6:8]
//	data         [8:]
//
// The kernel uses host byte order.
func decodeFrame(buf []byte) (can.Frame, error) {
	var fr can.Frame
	var maxLen int
	switch len(buf) {
	case mtuClassic:
		maxLen = can.MaxClassicLen
	case mtuFD:
		maxLen = can.MaxFDLen
		fr.Flags = buf[5]&(can.FlagBRS|can.FlagESI) | can.FlagFD
	default:
		return fr, fmt.Errorf("%w: %d bytes", ErrShortRead, len(buf))
	}
	fr.CANID = binary.NativeEndian.Uint32(buf[0:4])
	fr.Len = min(buf[4], uint8(maxLen))
	copy(fr.Data[:], buf[8:8+fr.PayloadLen()])
	return fr, nil
}

// encodeFrame builds the kernel representation of fr. FD frames need a socket
// opened with FD enabled.
func encodeFrame(fr can.Frame, fdEnabled bool) ([]byte, error) {
	if err := fr.Validate(); err != nil {
		return nil, err
	}
	size := mtuClassic
	if fr.IsFD() {
		if !fdEnabled {
			return nil, ErrFDDisabled
		}
		size = mtuFD
	}
	buf := make([]byte, size)
	binary.NativeEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = fr.Len
	if fr.IsFD() {
		buf[5] = fr.Flags & (can.FlagBRS | can.FlagESI | can.FlagFD)
	}
	copy(buf[8:], fr.Payload())
	return buf, nil
}
