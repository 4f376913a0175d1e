package can

import "fmt"

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxClassicLen is the payload limit of a classic CAN frame.
const MaxClassicLen = 8

// Frame is a raw CAN frame as exchanged with ports and TCP mirrors.
// CANID carries the EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Only the first Len bytes of Data are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [64]byte
}

// Extended reports whether the frame uses a 29-bit identifier.
func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }

// Payload returns the valid data bytes.
func (f *Frame) Payload() []byte { return f.Data[:f.Len] }

func (f Frame) String() string {
	if f.Extended() {
		return fmt.Sprintf("%08X#% X", f.CANID&CAN_EFF_MASK, f.Data[:f.Len])
	}
	return fmt.Sprintf("%03X#% X", f.CANID&CAN_SFF_MASK, f.Data[:f.Len])
}
