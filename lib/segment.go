package lib

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedSegment marks a datagram too short or inconsistent to be a
// segment. The caller drops the datagram and carries on; this is never fatal
// to the connection.
var ErrMalformedSegment = errors.New("malformed segment")

// SynHeader carries the connection parameters exchanged during the
// SYN / SYN-ACK handshake. Timeout fields are integer machine units of
// 10^-MinusLog10TimeoutUnit seconds.
type SynHeader struct {
	Version                uint8
	ChecksumEnabled        bool
	MaxOutstandingSegments uint8
	MaxSegmentSize         uint16
	RetransmissionTimeout  uint16
	CumAckTimeout          uint16
	NullTimeout            uint16
	MaxRetransmissions     uint8
	MaxCumAck              uint8
	MaxOutOfSeqAck         uint8
	MinusLog10TimeoutUnit  uint8
	ConnectionID           uint32
}

// Segment represents one RSSI-layer packet. Received segments are built once
// by Unmarshal and discarded after dispatch; only sequence numbers and
// unacknowledged payload copies persist beyond that.
type Segment struct {
	Ctl          CtlFlags
	HeaderLength uint8
	SeqNumber    uint8
	AckNumber    uint8
	Syn          *SynHeader // nil on non-SYN segments
	Spare        uint16
	Checksum     uint16
	Payload      []byte
}

// Marshal writes the segment into buffer and returns the frame length.
// The checksum is always computed and embedded, regardless of the local
// verification policy, because the remote policy is unknown.
func (s *Segment) Marshal(buffer []byte) (int, error) {
	headerLen := NonSynHeaderLength
	if s.Ctl.Has(SYNFlag) {
		headerLen = SynHeaderLength
	}
	frameLen := headerLen + len(s.Payload)
	if frameLen > len(buffer) {
		return 0, fmt.Errorf("buffer size (%d) is too small to hold the frame (%d)", len(buffer), frameLen)
	}

	buffer[0] = uint8(s.Ctl)
	buffer[1] = uint8(headerLen)
	buffer[2] = s.SeqNumber
	buffer[3] = s.AckNumber

	if s.Ctl.Has(SYNFlag) {
		if s.Syn == nil {
			return 0, fmt.Errorf("SYN segment without a SYN header")
		}
		extra := (s.Syn.Version&0x0F)<<4 | 1<<3 // bit 3 is always set
		if s.Syn.ChecksumEnabled {
			extra |= 1 << 2
		}
		buffer[4] = extra
		buffer[5] = s.Syn.MaxOutstandingSegments
		binary.BigEndian.PutUint16(buffer[6:8], s.Syn.MaxSegmentSize)
		binary.BigEndian.PutUint16(buffer[8:10], s.Syn.RetransmissionTimeout)
		binary.BigEndian.PutUint16(buffer[10:12], s.Syn.CumAckTimeout)
		binary.BigEndian.PutUint16(buffer[12:14], s.Syn.NullTimeout)
		buffer[14] = s.Syn.MaxRetransmissions
		buffer[15] = s.Syn.MaxCumAck
		buffer[16] = s.Syn.MaxOutOfSeqAck
		buffer[17] = s.Syn.MinusLog10TimeoutUnit
		binary.BigEndian.PutUint32(buffer[18:22], s.Syn.ConnectionID)
		binary.BigEndian.PutUint16(buffer[22:24], 0) // checksum placeholder
	} else {
		binary.BigEndian.PutUint16(buffer[4:6], s.Spare)
		binary.BigEndian.PutUint16(buffer[6:8], 0) // checksum placeholder
	}

	if len(s.Payload) > 0 {
		copy(buffer[headerLen:], s.Payload)
	}

	s.Checksum = CalculateChecksum(buffer[:frameLen])
	binary.BigEndian.PutUint16(buffer[headerLen-2:headerLen], s.Checksum)
	return frameLen, nil
}

// Unmarshal parses a raw datagram into the segment. The payload aliases the
// input buffer, so callers must copy it before the buffer is reused.
func (s *Segment) Unmarshal(data []byte) error {
	if len(data) < CommonHeaderLength {
		return fmt.Errorf("%w: datagram length %d below common header", ErrMalformedSegment, len(data))
	}
	s.Ctl = CtlFlags(data[0])
	s.HeaderLength = data[1]
	s.SeqNumber = data[2]
	s.AckNumber = data[3]

	if s.Ctl.Has(SYNFlag) {
		if len(data) < SynHeaderLength {
			return fmt.Errorf("%w: datagram length %d below SYN header", ErrMalformedSegment, len(data))
		}
		extra := data[4]
		s.Syn = &SynHeader{
			Version:                extra >> 4,
			ChecksumEnabled:        extra&(1<<2) != 0,
			MaxOutstandingSegments: data[5],
			MaxSegmentSize:         binary.BigEndian.Uint16(data[6:8]),
			RetransmissionTimeout:  binary.BigEndian.Uint16(data[8:10]),
			CumAckTimeout:          binary.BigEndian.Uint16(data[10:12]),
			NullTimeout:            binary.BigEndian.Uint16(data[12:14]),
			MaxRetransmissions:     data[14],
			MaxCumAck:              data[15],
			MaxOutOfSeqAck:         data[16],
			MinusLog10TimeoutUnit:  data[17],
			ConnectionID:           binary.BigEndian.Uint32(data[18:22]),
		}
		s.Checksum = binary.BigEndian.Uint16(data[22:24])
		s.Payload = data[SynHeaderLength:]
	} else {
		if len(data) < NonSynHeaderLength {
			return fmt.Errorf("%w: datagram length %d below header", ErrMalformedSegment, len(data))
		}
		s.Syn = nil
		s.Spare = binary.BigEndian.Uint16(data[4:6])
		s.Checksum = binary.BigEndian.Uint16(data[6:8])
		s.Payload = data[NonSynHeaderLength:]
	}
	if len(s.Payload) == 0 {
		s.Payload = nil
	}
	return nil
}

// CalculateChecksum computes the 16-bit one's-complement Internet-style
// checksum over the buffer: sum big-endian 16-bit words (padding a final odd
// byte with zero), fold the carries back in, then complement. The checksum
// field itself must be zeroed by the caller beforehand.
func CalculateChecksum(buffer []byte) uint16 {
	var cksum uint32 = 0

	for i := 0; i+1 < len(buffer); i += 2 {
		cksum += uint32(binary.BigEndian.Uint16(buffer[i : i+2]))
	}
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8
	}

	// Fold 32-bit sum to 16 bits
	cksum = (cksum >> 16) + (cksum & 0xffff)
	cksum += cksum >> 16

	return ^uint16(cksum)
}

// VerifyChecksum recomputes the checksum of a raw frame and compares it with
// the embedded one. Used only when the local policy requires verification.
func VerifyChecksum(data []byte) bool {
	if len(data) < NonSynHeaderLength {
		return false
	}
	headerLen := NonSynHeaderLength
	if CtlFlags(data[0]).Has(SYNFlag) {
		headerLen = SynHeaderLength
		if len(data) < headerLen {
			return false
		}
	}
	received := binary.BigEndian.Uint16(data[headerLen-2 : headerLen])

	binary.BigEndian.PutUint16(data[headerLen-2:headerLen], 0)
	calculated := CalculateChecksum(data)
	binary.BigEndian.PutUint16(data[headerLen-2:headerLen], received)

	return received == calculated
}

// GenerateISN picks a random initial value for sequence numbers and
// connection ids.
func GenerateISN() (uint32, error) {
	var isn uint32
	err := binary.Read(rand.Reader, binary.BigEndian, &isn)
	if err != nil {
		return 0, err
	}
	return isn, nil
}
