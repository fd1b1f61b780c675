// Package axis frames application payloads into AXI-Stream packets and
// multiplexes logical channels over one reliable connection. Each packet
// carries an 8-byte header, a payload padded to a multiple of 8 bytes and an
// 8-byte tail ending in a CRC-32 over everything before it.
package axis

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log"
	"sync"
)

const (
	HeaderLength = 8
	TailLength   = 8

	// Overhead is the per-packet framing cost on top of the payload.
	Overhead = HeaderLength + TailLength

	packetVersion = 2
	crcTypeFull   = 2 // CRC-32 over header + payload + tail minus the CRC field

	sofBit = 0x80
	eofBit = 0x01
)

// Packet is one AXI-Stream frame. Payload holds the valid bytes only; the
// codec inserts and strips the pad bytes that round the wire payload up to a
// multiple of 8.
type Packet struct {
	Version  uint8
	CRCType  uint8
	TUser    uint8
	Channel  uint8
	TID      uint8
	Seq      uint16
	SOF      bool
	Payload  []byte
	TUserLst uint8
	EOF      bool
}

// WireLength is the marshalled size of the packet including padding.
func (p *Packet) WireLength() int {
	return HeaderLength + paddedLength(len(p.Payload)) + TailLength
}

func paddedLength(n int) int {
	return (n + 7) &^ 7
}

// Marshal serializes the packet into buffer and returns the number of bytes
// written. The lastByteCnt tail field records len(Payload) mod 8 so the
// receiver can strip the padding; the CRC is stored big-endian.
func (p *Packet) Marshal(buffer []byte) (int, error) {
	total := p.WireLength()
	if len(buffer) < total {
		return 0, fmt.Errorf("axis: marshal buffer too small (%d < %d)", len(buffer), total)
	}

	buffer[0] = p.Version&0x0f | p.CRCType<<4
	buffer[1] = p.TUser
	buffer[2] = p.Channel
	buffer[3] = p.TID
	binary.LittleEndian.PutUint16(buffer[4:6], p.Seq)
	buffer[6] = 0
	buffer[7] = 0
	if p.SOF {
		buffer[7] = sofBit
	}

	padded := paddedLength(len(p.Payload))
	copy(buffer[HeaderLength:], p.Payload)
	for i := HeaderLength + len(p.Payload); i < HeaderLength+padded; i++ {
		buffer[i] = 0
	}

	tail := buffer[HeaderLength+padded : total]
	tail[0] = p.TUserLst
	tail[1] = 0
	if p.EOF {
		tail[1] = eofBit
	}
	binary.LittleEndian.PutUint16(tail[2:4], uint16(len(p.Payload)%8))
	binary.BigEndian.PutUint32(tail[4:8], crc32.ChecksumIEEE(buffer[:total-4]))
	return total, nil
}

// Unmarshal parses one wire frame, verifies its CRC and slices off the pad
// bytes. Payload aliases data.
func (p *Packet) Unmarshal(data []byte) error {
	if len(data) < HeaderLength+TailLength {
		return fmt.Errorf("axis: frame too short (%d bytes)", len(data))
	}
	if (len(data)-HeaderLength-TailLength)%8 != 0 {
		return fmt.Errorf("axis: frame payload not 8-byte aligned (%d bytes)", len(data))
	}

	crc := binary.BigEndian.Uint32(data[len(data)-4:])
	if computed := crc32.ChecksumIEEE(data[:len(data)-4]); computed != crc {
		return fmt.Errorf("axis: CRC mismatch (got %#08x, want %#08x)", computed, crc)
	}

	p.Version = data[0] & 0x0f
	p.CRCType = data[0] >> 4
	p.TUser = data[1]
	p.Channel = data[2]
	p.TID = data[3]
	p.Seq = binary.LittleEndian.Uint16(data[4:6])
	p.SOF = data[7]&sofBit != 0

	padded := len(data) - HeaderLength - TailLength
	tail := data[HeaderLength+padded:]
	p.TUserLst = tail[0]
	p.EOF = tail[1]&eofBit != 0

	lastByteCnt := int(binary.LittleEndian.Uint16(tail[2:4]) & 0x0f)
	valid := padded
	if lastByteCnt != 0 {
		valid = padded - 8 + lastByteCnt
		if valid < 0 {
			return fmt.Errorf("axis: invalid last byte count %d for empty frame", lastByteCnt)
		}
	}
	p.Payload = data[HeaderLength : HeaderLength+valid]
	return nil
}

// Transport is the reliable byte-message layer underneath the packetizer.
// Message boundaries are preserved: one Send call arrives as exactly one
// callback invocation on the peer, so no extra length framing is needed here.
type Transport interface {
	Send(data []byte) error
	NegotiatedMaxSegmentSize() int
}

// Packetizer splits outbound messages into AXI-Stream packets sized to the
// transport's negotiated segment capacity and reassembles inbound packets
// into per-channel messages. Wire its SegmentArrived method up as the
// transport's data callback.
type Packetizer struct {
	transport Transport

	mu        sync.Mutex
	seqs      map[uint8]uint16 // per-channel packet sequence counters
	callbacks map[uint8]func([]byte)
	buffers   map[uint8][]byte
}

func NewPacketizer(transport Transport) *Packetizer {
	return &Packetizer{
		transport: transport,
		seqs:      make(map[uint8]uint16),
		callbacks: make(map[uint8]func([]byte)),
		buffers:   make(map[uint8][]byte),
	}
}

// SetChannelCallback registers the delivery callback for one logical channel
// and resets its reassembly buffer. Packets for channels without a callback
// are discarded.
func (p *Packetizer) SetChannelCallback(channel uint8, callback func([]byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks[channel] = callback
	p.buffers[channel] = nil
}

// maxPayloadSize is the usable payload per packet: the negotiated segment
// size minus the transport's own header and this layer's framing, rounded
// down to a multiple of 8.
func (p *Packetizer) maxPayloadSize() int {
	return (p.transport.NegotiatedMaxSegmentSize() - 8 - Overhead) &^ 7
}

// SendData frames data into one or more packets on the given channel. A
// zero-length message still goes out as a single packet with both sof and
// eof set.
func (p *Packetizer) SendData(channel uint8, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	max := p.maxPayloadSize()
	if max <= 0 {
		return fmt.Errorf("axis: negotiated segment size %d leaves no payload room",
			p.transport.NegotiatedMaxSegmentSize())
	}

	first := true
	for {
		n := len(data)
		if n > max {
			n = max
		}
		pkt := Packet{
			Version: packetVersion,
			CRCType: crcTypeFull,
			Channel: channel,
			Seq:     p.seqs[channel],
			SOF:     first,
			Payload: data[:n],
			EOF:     n == len(data),
		}
		p.seqs[channel]++

		frame := make([]byte, pkt.WireLength())
		written, err := pkt.Marshal(frame)
		if err != nil {
			return err
		}
		if err := p.transport.Send(frame[:written]); err != nil {
			return fmt.Errorf("axis: sending packet on channel %d: %w", channel, err)
		}

		data = data[n:]
		first = false
		if len(data) == 0 && pkt.EOF {
			return nil
		}
	}
}

// SegmentArrived parses one raw message from the transport as a single
// packet and runs the channel's reassembly: sof resets the buffer, eof
// delivers it.
func (p *Packetizer) SegmentArrived(raw []byte) {
	pkt := &Packet{}
	if err := pkt.Unmarshal(raw); err != nil {
		log.Println("axis: dropping frame:", err)
		return
	}

	p.mu.Lock()
	callback, ok := p.callbacks[pkt.Channel]
	if !ok {
		p.mu.Unlock()
		return
	}
	if pkt.SOF {
		p.buffers[pkt.Channel] = append([]byte(nil), pkt.Payload...)
	} else {
		p.buffers[pkt.Channel] = append(p.buffers[pkt.Channel], pkt.Payload...)
	}
	if !pkt.EOF {
		p.mu.Unlock()
		return
	}
	message := p.buffers[pkt.Channel]
	p.buffers[pkt.Channel] = nil
	p.mu.Unlock()

	callback(message)
}
