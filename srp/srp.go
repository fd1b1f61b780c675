// Package srp implements the register read/write RPC spoken over one
// AXI-Stream channel: 20-byte little-endian request headers, an 8-byte
// response footer carrying memory-bus status and error flags, and a blocking
// single-in-flight call contract towards the driver layer.
package srp

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	Version      = 3
	HeaderLength = 20
	FooterLength = 8

	OpcodeRead        = 0
	OpcodeWriteAcked  = 1
	OpcodeWritePosted = 2

	// header byte 1 packs opcode (bits 0-1), capability (bits 2-5) and
	// the ignore-memory-response flag (bit 6)
	opcodeMask       = 0x03
	capabilityShift  = 2
	capabilityMask   = 0x0f
	ignoreMemRespBit = 1 << 6

	// transaction ids wrap as 16-bit values inside the 32-bit header field
	tidSeed = 3
	tidMask = 0xffff
)

// footer error-flag bits
const (
	FlagTimeout         = 1 << 0
	FlagEOFError        = 1 << 1
	FlagFrameError      = 1 << 2
	FlagVersionMismatch = 1 << 3
	FlagRequestError    = 1 << 4
)

var (
	ErrTimeout         = errors.New("srp: hardware transaction timeout")
	ErrFrameError      = errors.New("srp: frame error")
	ErrVersionMismatch = errors.New("srp: protocol version mismatch")
	ErrRequestError    = errors.New("srp: request error")
)

// MemBusError reports a nonzero memory-bus response code from the target.
type MemBusError struct {
	Code uint8
}

func (e *MemBusError) Error() string {
	return fmt.Sprintf("srp: memory bus error (code %#02x)", e.Code)
}

// Header is the request/response header, little-endian on the wire:
// version, opcode byte, prot byte, timeout count, tid(4B), addr(8B),
// size(4B). Size encodes the transfer length minus one.
type Header struct {
	Version       uint8
	Opcode        uint8
	Capability    uint8 // bits 2-5 of the opcode byte
	IgnoreMemResp bool  // bit 6 of the opcode byte
	Prot          uint8
	TimeoutCnt    uint8
	TID           uint32
	Addr          uint64
	Size          uint32
}

func (h *Header) Marshal(buffer []byte) (int, error) {
	if len(buffer) < HeaderLength {
		return 0, fmt.Errorf("srp: marshal buffer too small (%d < %d)", len(buffer), HeaderLength)
	}
	buffer[0] = h.Version
	buffer[1] = h.Opcode&opcodeMask | (h.Capability&capabilityMask)<<capabilityShift
	if h.IgnoreMemResp {
		buffer[1] |= ignoreMemRespBit
	}
	buffer[2] = h.Prot
	buffer[3] = h.TimeoutCnt
	binary.LittleEndian.PutUint32(buffer[4:8], h.TID)
	binary.LittleEndian.PutUint64(buffer[8:16], h.Addr)
	binary.LittleEndian.PutUint32(buffer[16:20], h.Size)
	return HeaderLength, nil
}

func (h *Header) Unmarshal(data []byte) error {
	if len(data) < HeaderLength {
		return fmt.Errorf("srp: header too short (%d bytes)", len(data))
	}
	h.Version = data[0]
	h.Opcode = data[1] & opcodeMask
	h.Capability = data[1] >> capabilityShift & capabilityMask
	h.IgnoreMemResp = data[1]&ignoreMemRespBit != 0
	h.Prot = data[2]
	h.TimeoutCnt = data[3]
	h.TID = binary.LittleEndian.Uint32(data[4:8])
	h.Addr = binary.LittleEndian.Uint64(data[8:16])
	h.Size = binary.LittleEndian.Uint32(data[16:20])
	return nil
}

// Footer is the 8-byte response trailer; bytes 2..7 are reserved.
type Footer struct {
	MemBusResp uint8
	ErrFlags   uint8
}

func (f *Footer) Marshal(buffer []byte) (int, error) {
	if len(buffer) < FooterLength {
		return 0, fmt.Errorf("srp: marshal buffer too small (%d < %d)", len(buffer), FooterLength)
	}
	buffer[0] = f.MemBusResp
	buffer[1] = f.ErrFlags
	for i := 2; i < FooterLength; i++ {
		buffer[i] = 0
	}
	return FooterLength, nil
}

func (f *Footer) Unmarshal(data []byte) error {
	if len(data) < FooterLength {
		return fmt.Errorf("srp: footer too short (%d bytes)", len(data))
	}
	f.MemBusResp = data[0]
	f.ErrFlags = data[1]
	return nil
}

// Err maps the footer's status onto a typed error, nil when clean.
func (f *Footer) Err() error {
	switch {
	case f.ErrFlags&FlagTimeout != 0:
		return ErrTimeout
	case f.ErrFlags&(FlagEOFError|FlagFrameError) != 0:
		return ErrFrameError
	case f.ErrFlags&FlagVersionMismatch != 0:
		return ErrVersionMismatch
	case f.ErrFlags&FlagRequestError != 0:
		return ErrRequestError
	case f.MemBusResp != 0:
		return &MemBusError{Code: f.MemBusResp}
	}
	return nil
}

// Transport is the channel-multiplexed packet layer the RPC rides on.
type Transport interface {
	SendData(channel uint8, data []byte) error
	SetChannelCallback(channel uint8, callback func([]byte))
}

// Connection issues register transactions over one channel. At most one
// read or acked write may be in flight at a time; the call mutex serializes
// callers, so concurrent use simply queues behind the lock. Response
// matching is "next response answers the current request" — transaction ids
// are checked only to discard stragglers from a timed-out predecessor.
type Connection struct {
	transport Transport
	channel   uint8
	timeout   time.Duration

	callMu sync.Mutex // single-in-flight discipline

	mu      sync.Mutex
	tid     uint32
	pending chan []byte
}

// NewConnection wires a register connection onto the given channel of the
// packet transport.
func NewConnection(transport Transport, channel uint8, timeout time.Duration) *Connection {
	c := &Connection{
		transport: transport,
		channel:   channel,
		timeout:   timeout,
		tid:       tidSeed,
	}
	transport.SetChannelCallback(channel, c.responseArrived)
	return c
}

func (c *Connection) nextTID() uint32 {
	tid := c.tid
	c.tid = (c.tid + 1) & tidMask
	return tid
}

func (c *Connection) responseArrived(data []byte) {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending == nil {
		log.Println("srp: discarding response with no transaction in flight")
		return
	}
	select {
	case pending <- data:
	default:
		log.Println("srp: response buffer full, discarding")
	}
}

// roundTrip sends one request frame and blocks until the matching response
// arrives or the local timeout fires. The caller holds callMu.
func (c *Connection) roundTrip(frame []byte, tid uint32) ([]byte, error) {
	c.mu.Lock()
	// a little slack so a straggler from a timed-out predecessor cannot
	// crowd out the real response before the tid check discards it
	c.pending = make(chan []byte, 4)
	pending := c.pending
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	if err := c.transport.SendData(c.channel, frame); err != nil {
		return nil, errors.Wrap(err, "srp: sending request")
	}

	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()
	for {
		select {
		case resp := <-pending:
			hdr := &Header{}
			if err := hdr.Unmarshal(resp); err != nil {
				return nil, err
			}
			if hdr.TID != tid {
				log.Printf("srp: ignoring stale response (tid %d, expected %d)", hdr.TID, tid)
				continue
			}
			return resp, nil
		case <-deadline.C:
			return nil, errors.Errorf("srp: no response within %s (tid %d)", c.timeout, tid)
		}
	}
}

// checkFooter validates the response trailer and returns the enclosed
// payload.
func checkFooter(resp []byte) ([]byte, error) {
	if len(resp) < HeaderLength+FooterLength {
		return nil, errors.Errorf("srp: response too short (%d bytes)", len(resp))
	}
	footer := &Footer{}
	if err := footer.Unmarshal(resp[len(resp)-FooterLength:]); err != nil {
		return nil, err
	}
	if err := footer.Err(); err != nil {
		return nil, err
	}
	return resp[HeaderLength : len(resp)-FooterLength], nil
}

// ReadRegister reads sizeBytes bytes starting at addr and blocks until the
// response resolves.
func (c *Connection) ReadRegister(addr uint64, sizeBytes int) ([]byte, error) {
	if sizeBytes <= 0 {
		return nil, errors.Errorf("srp: invalid read size %d", sizeBytes)
	}
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.mu.Lock()
	tid := c.nextTID()
	c.mu.Unlock()

	hdr := Header{
		Version: Version,
		Opcode:  OpcodeRead,
		TID:     tid,
		Addr:    addr,
		Size:    uint32(sizeBytes - 1),
	}
	frame := make([]byte, HeaderLength)
	if _, err := hdr.Marshal(frame); err != nil {
		return nil, err
	}

	resp, err := c.roundTrip(frame, tid)
	if err != nil {
		return nil, err
	}
	payload, err := checkFooter(resp)
	if err != nil {
		return nil, err
	}
	if len(payload) != sizeBytes {
		return nil, errors.Errorf("srp: read returned %d bytes, expected %d", len(payload), sizeBytes)
	}
	return payload, nil
}

// WriteRegister writes data starting at addr. A posted write returns as soon
// as the request is handed to the transport; an acked write blocks for the
// response footer.
func (c *Connection) WriteRegister(addr uint64, data []byte, posted bool) error {
	if len(data) == 0 {
		return errors.New("srp: empty write")
	}
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.mu.Lock()
	tid := c.nextTID()
	c.mu.Unlock()

	opcode := uint8(OpcodeWriteAcked)
	if posted {
		opcode = OpcodeWritePosted
	}
	hdr := Header{
		Version: Version,
		Opcode:  opcode,
		TID:     tid,
		Addr:    addr,
		Size:    uint32(len(data) - 1),
	}
	frame := make([]byte, HeaderLength+len(data))
	if _, err := hdr.Marshal(frame); err != nil {
		return err
	}
	copy(frame[HeaderLength:], data)

	if posted {
		return errors.Wrap(c.transport.SendData(c.channel, frame), "srp: sending posted write")
	}

	resp, err := c.roundTrip(frame, tid)
	if err != nil {
		return err
	}
	_, err = checkFooter(resp)
	return err
}
