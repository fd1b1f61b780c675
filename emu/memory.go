package emu

import (
	"log"
	"sync"

	"github.com/Clouded-Sabre/rssi/srp"
)

// Memory answers register transactions on one channel against a sparse
// byte-addressed memory. Unwritten bytes read as zero. Error injection sets
// the footer of the next acked response, for exercising the caller's typed
// error paths.
type Memory struct {
	transport srp.Transport
	channel   uint8

	mu          sync.Mutex
	bytes       map[uint64]byte
	injectFlags uint8
	injectBus   uint8
}

func NewMemory(transport srp.Transport, channel uint8) *Memory {
	m := &Memory{
		transport: transport,
		channel:   channel,
		bytes:     make(map[uint64]byte),
	}
	transport.SetChannelCallback(channel, m.requestArrived)
	return m
}

// Poke preloads memory contents.
func (m *Memory) Poke(addr uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range data {
		m.bytes[addr+uint64(i)] = b
	}
}

// Peek reads memory contents directly, without a transaction.
func (m *Memory) Peek(addr uint64, n int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = m.bytes[addr+uint64(i)]
	}
	return out
}

// InjectError marks the next response's footer with the given error flags
// and memory-bus code.
func (m *Memory) InjectError(errFlags, memBusResp uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.injectFlags = errFlags
	m.injectBus = memBusResp
}

func (m *Memory) takeInjection() (uint8, uint8) {
	flags, bus := m.injectFlags, m.injectBus
	m.injectFlags, m.injectBus = 0, 0
	return flags, bus
}

func (m *Memory) requestArrived(frame []byte) {
	hdr := &srp.Header{}
	if err := hdr.Unmarshal(frame); err != nil {
		log.Println("emu: dropping register request:", err)
		return
	}
	size := int(hdr.Size) + 1

	m.mu.Lock()
	switch hdr.Opcode {
	case srp.OpcodeRead:
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = m.bytes[hdr.Addr+uint64(i)]
		}
		flags, bus := m.takeInjection()
		m.mu.Unlock()
		m.respond(hdr, payload, flags, bus)

	case srp.OpcodeWriteAcked, srp.OpcodeWritePosted:
		data := frame[srp.HeaderLength:]
		if len(data) != size {
			m.mu.Unlock()
			log.Printf("emu: write payload is %d bytes, header says %d", len(data), size)
			return
		}
		for i, b := range data {
			m.bytes[hdr.Addr+uint64(i)] = b
		}
		if hdr.Opcode == srp.OpcodeWritePosted {
			m.mu.Unlock()
			return
		}
		flags, bus := m.takeInjection()
		m.mu.Unlock()
		m.respond(hdr, nil, flags, bus)

	default:
		m.mu.Unlock()
		log.Printf("emu: dropping register request with unknown opcode %d", hdr.Opcode)
	}
}

// respond echoes the request header and appends payload and footer.
func (m *Memory) respond(hdr *srp.Header, payload []byte, errFlags, memBusResp uint8) {
	frame := make([]byte, srp.HeaderLength+len(payload)+srp.FooterLength)
	if _, err := hdr.Marshal(frame); err != nil {
		log.Println("emu: marshalling response header:", err)
		return
	}
	copy(frame[srp.HeaderLength:], payload)
	footer := srp.Footer{MemBusResp: memBusResp, ErrFlags: errFlags}
	if _, err := footer.Marshal(frame[srp.HeaderLength+len(payload):]); err != nil {
		log.Println("emu: marshalling response footer:", err)
		return
	}
	if err := m.transport.SendData(m.channel, frame); err != nil {
		log.Println("emu: sending register response:", err)
	}
}
