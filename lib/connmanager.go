package lib

import (
	"log"
	"time"

	"github.com/Clouded-Sabre/rssi/config"
)

// handshakeResult is handed to the done callback on a successful handshake.
// A nil result signals failure.
type handshakeResult struct {
	localSeq  uint8      // sequence number consumed by our SYN
	remoteSeq uint8      // sequence number of the peer's SYN-ACK
	syn       *SynHeader // negotiated parameters
}

// connManager drives the client side of the SYN / SYN-ACK handshake and its
// retransmission timer. It lives only while the connection is in the
// Connecting state; the sole success exit hands control to the data queue.
type connManager struct {
	localSeq       uint8
	localMaxSeg    uint16
	maxRetrans     int
	retransTimeout time.Duration
	synSegment     Segment
	sendBuf        []byte
	resendTime     time.Time
	resendCount    int
	sendFn         func([]byte) error
	done           func(res *handshakeResult)
	finished       bool
}

// newConnManager builds the handshake manager and immediately sends the SYN.
func newConnManager(cfg *config.Config, connID uint32, initialSeq uint8, sendFn func([]byte) error, done func(*handshakeResult)) *connManager {
	syn := Segment{
		Ctl:          SYNFlag,
		HeaderLength: SynHeaderLength,
		SeqNumber:    initialSeq,
		AckNumber:    0,
		Syn: &SynHeader{
			Version:                1,
			ChecksumEnabled:        cfg.UseChecksum,
			MaxOutstandingSegments: uint8(cfg.MaxOutstandingSegments),
			MaxSegmentSize:         uint16(cfg.MaxSegmentSize),
			RetransmissionTimeout:  cfg.RetransmissionUnits(),
			CumAckTimeout:          cfg.CumAckUnits(),
			NullTimeout:            cfg.NullUnits(),
			MaxRetransmissions:     uint8(cfg.MaxRetransmissions),
			MaxCumAck:              uint8(cfg.MaxCumAck),
			MaxOutOfSeqAck:         uint8(cfg.MaxOutOfSeqAck),
			MinusLog10TimeoutUnit:  uint8(cfg.MinusLog10TimeoutUnit),
			ConnectionID:           connID,
		},
	}

	m := &connManager{
		localSeq:       initialSeq,
		localMaxSeg:    uint16(cfg.MaxSegmentSize),
		maxRetrans:     cfg.MaxRetransmissions,
		retransTimeout: time.Duration(float64(time.Second) * cfg.RetransmissionTimeout),
		synSegment:     syn,
		sendBuf:        make([]byte, SynHeaderLength),
		sendFn:         sendFn,
		done:           done,
	}
	m.sendSyn()
	m.resendTime = time.Now().Add(m.retransTimeout)
	return m
}

func (m *connManager) sendSyn() {
	n, err := m.synSegment.Marshal(m.sendBuf)
	if err != nil {
		log.Println("connManager: error marshalling SYN:", err)
		return
	}
	if err := m.sendFn(m.sendBuf[:n]); err != nil {
		log.Println("connManager: error sending SYN:", err)
	}
}

// onControlPeriod services the SYN retransmission timer. A maxRetransmissions
// of zero means unlimited resends.
func (m *connManager) onControlPeriod() {
	if m.finished {
		return
	}
	now := time.Now()
	if now.Before(m.resendTime) {
		return
	}
	if m.maxRetrans != 0 && m.resendCount >= m.maxRetrans {
		log.Println("connManager: handshake retransmission limit exceeded, giving up")
		m.finished = true
		m.done(nil)
		return
	}
	m.sendSyn()
	m.resendCount++
	m.resendTime = now.Add(m.retransTimeout)
}

// segmentReceived accepts only a SYN-ACK that acknowledges our SYN. Anything
// else is logged and silently dropped. A BUSY or RST in the reply fails the
// handshake immediately.
func (m *connManager) segmentReceived(seg *Segment) {
	if m.finished {
		return
	}
	if !seg.Ctl.Has(SYNFlag) || !seg.Ctl.Has(ACKFlag) {
		log.Printf("connManager: dropping non-SYN-ACK segment (ctl %#02x) during handshake", uint8(seg.Ctl))
		return
	}
	if seg.AckNumber != m.localSeq {
		log.Printf("connManager: SYN-ACK acknowledges %d, expected %d, dropping", seg.AckNumber, m.localSeq)
		return
	}
	if seg.Ctl.Has(BUSYFlag) || seg.Ctl.Has(RSTFlag) {
		log.Println("connManager: peer rejected the connection (BUSY or RST)")
		m.finished = true
		m.done(nil)
		return
	}
	if seg.Syn == nil {
		log.Println("connManager: SYN-ACK without SYN header, dropping")
		return
	}

	negotiated := *seg.Syn
	// never exceed the smaller buffer on either side
	if negotiated.MaxSegmentSize > m.localMaxSeg {
		negotiated.MaxSegmentSize = m.localMaxSeg
	}

	m.finished = true
	m.done(&handshakeResult{
		localSeq:  m.localSeq,
		remoteSeq: seg.SeqNumber,
		syn:       &negotiated,
	})
}
