package lib

import (
	"fmt"
	"log"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Payload represents one segment payload buffer living in the ring pool.
// In-flight (unacknowledged) segments keep their payload bytes here until
// the peer acknowledges them.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a pool element data buffer. The single parameter is the
// buffer length, which must cover the largest advertised segment size.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Println("NewPayload: invalid number of calling parameters. Should be only one: bufferLength")
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok {
		log.Println("NewPayload: invalid data type of bufferLength. Should be of type int")
		return nil
	}
	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

// Reset clears the content of the payload.
func (p *Payload) Reset() {
	p.length = 0
}

// PrintContent prints the content of the payload.
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload copy: source byte slice(%d) is longer than bufferLength(%d)", len(src), len(p.payloadBytes))
	}
	if len(src) == 0 {
		return fmt.Errorf("payload copy: source byte slice is empty")
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// newPayloadPool builds the per-connection ring pool of payload chunks.
func newPayloadPool(poolSize, bufferLength int) *rp.RingPool {
	return rp.NewRingPool("RSSI: ", poolSize, NewPayload, bufferLength)
}
