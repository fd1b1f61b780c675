package lib

// CtlFlags is the control-bit field of the common segment header.
type CtlFlags uint8

// Segment control bits. Bits 1 and 2 are reserved.
const (
	BUSYFlag CtlFlags = 1 << 0
	NULFlag  CtlFlags = 1 << 3
	RSTFlag  CtlFlags = 1 << 4
	EACFlag  CtlFlags = 1 << 5
	ACKFlag  CtlFlags = 1 << 6
	SYNFlag  CtlFlags = 1 << 7
)

// Has reports whether all bits of f are set.
func (c CtlFlags) Has(f CtlFlags) bool {
	return c&f == f
}

const (
	CommonHeaderLength = 4  // flags, header length, seq, ack
	SynHeaderLength    = 24 // common header + SYN parameter block
	NonSynHeaderLength = 8  // common header + spare + checksum
)

// State is the top-level connection state. Disconnected is both the idle
// state before Connect and the terminal state afterwards.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}
