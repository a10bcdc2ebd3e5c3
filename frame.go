package canopen

// Frame is a raw CAN frame, data-length-code with up to 8 bytes of
// payload. Only classic 11-bit (standard) identifiers are supported.
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

// NewFrame builds a Frame ready to be queued on a Bus.
func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

// FrameListener receives frames dispatched by a BusManager subscription.
// Handle must not block : it runs on the bus receive path.
type FrameListener interface {
	Handle(frame Frame)
}

// Bus is the minimal CAN transport contract the stack drives.
// Implementations wrap a physical or virtual adapter (SocketCAN, USB-CAN,
// an in-memory loopback for tests, ...).
type Bus interface {
	Connect(...any) error
	Disconnect() error
	Send(frame Frame) error
	Subscribe(listener FrameListener)
}

const (
	CanSffMask uint32 = 0x000007FF
	CanRtrFlag uint32 = 0x40000000
	CanEffFlag uint32 = 0x80000000
)

// CAN controller error-status bits, as reported by [BusManager.Error] and
// consumed by the EMCY producer to raise/clear the matching CiA 301
// communication error codes.
const (
	CanErrorTxWarning   uint16 = 0x0001
	CanErrorTxPassive   uint16 = 0x0002
	CanErrorTxBusOff    uint16 = 0x0004
	CanErrorTxOverflow  uint16 = 0x0008
	CanErrorPdoLate     uint16 = 0x0080
	CanErrorRxWarning   uint16 = 0x0100
	CanErrorRxPassive   uint16 = 0x0200
	CanErrorRxOverflow  uint16 = 0x0800
	CanErrorWarnPassive uint16 = CanErrorTxWarning | CanErrorTxPassive | CanErrorRxWarning | CanErrorRxPassive
)
