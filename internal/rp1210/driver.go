package rp1210

import (
	"fmt"

	"github.com/kstaniek/go-j1939-bus/internal/bus"
)

// Driver is the RP1210 call surface. Return values follow the RP1210
// convention: ClientConnect returns a client id (0..127) or an error code
// above 127; SendMessage and SendCommand return 0 or an error code;
// ReadMessage returns the number of bytes read, 0 when nothing is waiting,
// or a negated error code.
//
// Implementations need not be safe for concurrent use; Bus calls them from a
// single goroutine.
type Driver interface {
	ClientConnect(deviceID int16, protocol string) int16
	ClientDisconnect(client int16) int16
	SendMessage(client int16, msg []byte, blocking bool) int16
	ReadMessage(client int16, buf []byte, blocking bool) int16
	SendCommand(client int16, cmd Command, buf []byte) int16
	GetErrorMsg(code int16) (string, bool)
}

// Command is an RP1210_SendCommand number.
type Command int16

const (
	CmdResetDevice                Command = 0
	CmdSetAllFiltersStatesToPass  Command = 3
	CmdEchoTransmittedMessages    Command = 16
	CmdSetMessageReceive          Command = 18
	CmdProtectJ1939Address        Command = 19
	CmdGetProtocolConnectionSpeed Command = 45
)

const (
	EchoOff = 0
	EchoOn  = 1

	ReceiveOff = 0
	ReceiveOn  = 1

	// Address claim modes for CmdProtectJ1939Address.
	BlockUntilDone         = 0
	ReturnBeforeCompletion = 2
)

// RP1210 error codes.
const (
	ErrDLLNotInitialized      int16 = 128
	ErrInvalidClientID        int16 = 129
	ErrClientAlreadyConnected int16 = 130
	ErrClientAreaFull         int16 = 131
	ErrFreeMemory             int16 = 132
	ErrNotEnoughMemory        int16 = 133
	ErrInvalidDevice          int16 = 134
	ErrDeviceInUse            int16 = 135
	ErrInvalidProtocol        int16 = 136
	ErrTxQueueFull            int16 = 137
	ErrTxQueueCorrupt         int16 = 138
	ErrRxQueueFull            int16 = 139
	ErrRxQueueCorrupt         int16 = 140
	ErrMessageTooLong         int16 = 141
	ErrHardwareNotResponding  int16 = 142
	ErrCommandNotSupported    int16 = 143
	ErrInvalidCommand         int16 = 144
	ErrTxMessageStatus        int16 = 145
	ErrAddressClaimFailed     int16 = 146
	ErrCannotSetPriority      int16 = 147
	ErrClientDisconnected     int16 = 148
	ErrConnectNotAllowed      int16 = 149
	ErrChangeModeFailed       int16 = 150
	ErrBusOff                 int16 = 151
	ErrCouldNotTxAddrClaimed  int16 = 152
	ErrAddressLost            int16 = 153
	ErrCodeNotFound           int16 = 154
	ErrBlockNotAllowed        int16 = 155
	ErrMultipleClients        int16 = 156
	ErrAddressNeverClaimed    int16 = 157
	ErrWindowHandleRequired   int16 = 158
	ErrMessageNotSent         int16 = 159
	ErrMaxNotifyExceeded      int16 = 160
	ErrMaxFiltersExceeded     int16 = 161
	ErrHardwareStatusChange   int16 = 162
)

var errorText = map[int16]string{
	ErrDLLNotInitialized:      "DLL not initialized",
	ErrInvalidClientID:        "invalid client id",
	ErrClientAlreadyConnected: "client already connected",
	ErrClientAreaFull:         "client area full",
	ErrFreeMemory:             "error freeing memory",
	ErrNotEnoughMemory:        "not enough memory",
	ErrInvalidDevice:          "invalid device",
	ErrDeviceInUse:            "device in use",
	ErrInvalidProtocol:        "invalid protocol",
	ErrTxQueueFull:            "transmit queue full",
	ErrTxQueueCorrupt:         "transmit queue corrupt",
	ErrRxQueueFull:            "receive queue full",
	ErrRxQueueCorrupt:         "receive queue corrupt",
	ErrMessageTooLong:         "message too long",
	ErrHardwareNotResponding:  "hardware not responding",
	ErrCommandNotSupported:    "command not supported",
	ErrInvalidCommand:         "invalid command",
	ErrTxMessageStatus:        "transmit message status",
	ErrAddressClaimFailed:     "address claim failed",
	ErrCannotSetPriority:      "cannot set priority",
	ErrClientDisconnected:     "client disconnected",
	ErrConnectNotAllowed:      "connect not allowed",
	ErrChangeModeFailed:       "change mode failed",
	ErrBusOff:                 "bus off",
	ErrCouldNotTxAddrClaimed:  "could not transmit address claimed",
	ErrAddressLost:            "address lost",
	ErrCodeNotFound:           "code not found",
	ErrBlockNotAllowed:        "blocking not allowed",
	ErrMultipleClients:        "multiple clients connected",
	ErrAddressNeverClaimed:    "address never claimed",
	ErrWindowHandleRequired:   "window handle required",
	ErrMessageNotSent:         "message not sent",
	ErrMaxNotifyExceeded:      "max notify exceeded",
	ErrMaxFiltersExceeded:     "max filters exceeded",
	ErrHardwareStatusChange:   "hardware status change",
}

// ErrorText returns the standard description of an RP1210 error code.
func ErrorText(code int16) (string, bool) {
	s, ok := errorText[code]
	return s, ok
}

// NativeError is an error code reported by the driver, with the driver's own
// description.
type NativeError struct {
	Code    int16
	Message string
}

func (e *NativeError) Error() string {
	return fmt.Sprintf("rp1210 error %d: %s", e.Code, e.Message)
}

// Is makes every native error match bus.ErrNative.
func (e *NativeError) Is(target error) bool { return target == bus.ErrNative }
