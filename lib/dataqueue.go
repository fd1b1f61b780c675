package lib

import (
	"fmt"
	"log"
	"math"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// RetransmissionLimitError reports a connection declared dead because the
// oldest in-flight segment ran out of retransmission attempts.
type RetransmissionLimitError struct {
	SeqNumber uint8
	Resends   int
}

func (e *RetransmissionLimitError) Error() string {
	return fmt.Sprintf("retransmission limit reached for segment %d after %d resends", e.SeqNumber, e.Resends)
}

// unackedItem is an outbound DATA/NUL/RST segment waiting for acknowledgment.
// Payload bytes live in a ring pool chunk until the item is released.
type unackedItem struct {
	chunk       *rp.Element // nil for control-only segments
	payload     []byte
	ctl         CtlFlags
	seq         uint8
	resendTime  time.Time
	resendCount int
}

// unsentItem is queued payload waiting for the outstanding-segment window to
// open up. FIFO order.
type unsentItem struct {
	chunk   *rp.Element
	payload []byte
	ctl     CtlFlags
}

// dataQueue implements the sliding-window reliable-delivery algorithm:
// sequence-number bookkeeping, retransmission timers, the cumulative-ACK
// timer, the NUL keep-alive timer and the graceful disconnect handshake.
//
// All methods assume the owning Connection's mutex is held; the connection
// serializes the control goroutine against application Send/Disconnect calls
// with that one lock.
type dataQueue struct {
	pool *rp.RingPool

	maxOutstanding int
	maxSegmentSize int
	maxRetrans     int // 0 means unlimited
	maxCumAck      int

	cumAckTimeout  time.Duration
	nullTimeout    time.Duration
	retransTimeout time.Duration // effective value, shrinks during disconnect

	lastLocalSeq       uint8 // window upper bound: last sequence-consuming segment sent
	lastAckedLocalSeq  uint8 // window lower bound (exclusive)
	lastRemoteSeq      uint8
	lastAckedRemoteSeq uint8

	unacked []*unackedItem
	unsent  []*unsentItem

	disconnectRequested bool
	remoteNeedsAck      bool
	cumAckArmed         bool
	cumAckTime          time.Time
	nullTime            time.Time
	closed              bool

	sendBuf []byte

	sendFn      func([]byte) error
	dataArrived func([]byte)    // ordered payload delivery to the application
	finished    func(err error) // teardown complete (nil) or connection death
}

// synTimeoutUnit converts the negotiated exponent to a real duration.
func synTimeoutUnit(h *SynHeader) time.Duration {
	return time.Duration(float64(time.Second) * math.Pow10(-int(h.MinusLog10TimeoutUnit)))
}

// newDataQueue builds the queue from the negotiated SYN parameters.
// localSeq is the sequence number consumed by our SYN (already acknowledged
// by the SYN-ACK); remoteSeq is the peer's handshake sequence number.
func newDataQueue(negotiated *SynHeader, pool *rp.RingPool, localSeq, remoteSeq uint8,
	sendFn func([]byte) error, dataArrived func([]byte), finished func(error)) *dataQueue {

	unit := synTimeoutUnit(negotiated)
	q := &dataQueue{
		pool:               pool,
		maxOutstanding:     int(negotiated.MaxOutstandingSegments),
		maxSegmentSize:     int(negotiated.MaxSegmentSize),
		maxRetrans:         int(negotiated.MaxRetransmissions),
		maxCumAck:          int(negotiated.MaxCumAck),
		retransTimeout:     time.Duration(negotiated.RetransmissionTimeout) * unit,
		cumAckTimeout:      time.Duration(negotiated.CumAckTimeout) * unit,
		nullTimeout:        time.Duration(negotiated.NullTimeout) * unit,
		lastLocalSeq:       localSeq,
		lastAckedLocalSeq:  localSeq,
		lastRemoteSeq:      remoteSeq,
		lastAckedRemoteSeq: remoteSeq,
		sendBuf:            make([]byte, int(negotiated.MaxSegmentSize)+NonSynHeaderLength),
		sendFn:             sendFn,
		dataArrived:        dataArrived,
		finished:           finished,
	}
	q.nullTime = time.Now().Add(q.nullTimeout / 3)
	return q
}

// sendUserData enqueues application payload as a new outbound DATA segment.
// Rejected once a disconnect has been requested.
func (q *dataQueue) sendUserData(payload []byte) error {
	if q.closed {
		return fmt.Errorf("dataQueue: connection is closed")
	}
	if q.disconnectRequested {
		log.Println("dataQueue: dropping user data, disconnect in progress")
		return fmt.Errorf("dataQueue: disconnect in progress")
	}
	if len(payload) == 0 {
		return nil
	}
	if len(payload) > q.maxSegmentSize-NonSynHeaderLength {
		return fmt.Errorf("dataQueue: payload length %d exceeds segment capacity %d", len(payload), q.maxSegmentSize-NonSynHeaderLength)
	}
	q.sendSegment(ACKFlag, payload)
	return nil
}

// copyToChunk moves payload bytes into a pool chunk so the caller's buffer
// can be reused.
func (q *dataQueue) copyToChunk(payload []byte) (*rp.Element, []byte, error) {
	if len(payload) == 0 {
		return nil, nil, nil
	}
	chunk := q.pool.GetElement()
	if chunk == nil {
		return nil, nil, fmt.Errorf("dataQueue: got a nil chunk from the pool")
	}
	if err := chunk.Data.(*Payload).Copy(payload); err != nil {
		q.pool.ReturnElement(chunk)
		return nil, nil, err
	}
	return chunk, chunk.Data.(*Payload).GetSlice(), nil
}

// sendSegment is the shared "send next segment" primitive. When the
// outstanding window is full, data and RST segments are deferred onto the
// unsent queue; empty ACKs and NULs bypass the window limit entirely.
// Reports whether a segment actually went on the wire.
func (q *dataQueue) sendSegment(ctl CtlFlags, payload []byte) bool {
	chunk, stored, err := q.copyToChunk(payload)
	if err != nil {
		log.Println("dataQueue: sendSegment:", err)
		return false
	}
	item := &unsentItem{chunk: chunk, payload: stored, ctl: ctl}
	if len(q.unacked) >= q.maxOutstanding && (len(stored) > 0 || ctl.Has(RSTFlag)) {
		q.unsent = append(q.unsent, item)
		return false
	}
	q.transmit(item)
	return true
}

// transmit puts one segment on the wire. DATA, RST and NUL segments consume
// the next local sequence number and join the unacked queue; empty ACKs
// reuse the current value and are never tracked for acknowledgment.
func (q *dataQueue) transmit(item *unsentItem) {
	consumesSeq := len(item.payload) > 0 || item.ctl.Has(RSTFlag) || item.ctl.Has(NULFlag)
	seq := q.lastLocalSeq
	if consumesSeq {
		seq = SeqIncrement(q.lastLocalSeq)
		q.lastLocalSeq = seq
	}

	now := time.Now()
	q.sendOnWire(item.ctl, seq, item.payload, now)

	if consumesSeq {
		q.unacked = append(q.unacked, &unackedItem{
			chunk:      item.chunk,
			payload:    item.payload,
			ctl:        item.ctl,
			seq:        seq,
			resendTime: now.Add(q.retransTimeout),
		})
	} else if item.chunk != nil {
		q.pool.ReturnElement(item.chunk)
	}
}

// sendOnWire marshals and sends one segment embedding the latest remote
// sequence number as the ack field. This is the only place where the
// remote-ack-pending flag is cleared; every successful send also resets the
// keep-alive deadline.
func (q *dataQueue) sendOnWire(ctl CtlFlags, seq uint8, payload []byte, now time.Time) {
	seg := Segment{
		Ctl:          ctl,
		HeaderLength: NonSynHeaderLength,
		SeqNumber:    seq,
		AckNumber:    q.lastRemoteSeq,
		Payload:      payload,
	}
	n, err := seg.Marshal(q.sendBuf)
	if err != nil {
		log.Println("dataQueue: error marshalling segment:", err)
		return
	}
	if err := q.sendFn(q.sendBuf[:n]); err != nil {
		log.Println("dataQueue: error sending segment:", err, "- the retransmission timer will retry")
		return
	}
	q.lastAckedRemoteSeq = q.lastRemoteSeq
	q.remoteNeedsAck = false
	q.cumAckArmed = false
	q.nullTime = now.Add(q.nullTimeout / 3)
}

// segmentReceived dispatches one received segment through acknowledgment
// processing, teardown handling, in-order payload delivery and the
// cumulative-ACK policy, in that order.
func (q *dataQueue) segmentReceived(seg *Segment) {
	if q.closed {
		return
	}

	// control-bit sanity
	if seg.Ctl.Has(NULFlag) && seg.Ctl.Has(SYNFlag) {
		log.Printf("dataQueue: invalid control bits %#02x (NUL+SYN), dropping", uint8(seg.Ctl))
		return
	}
	if !seg.Ctl.Has(ACKFlag) && !seg.Ctl.Has(RSTFlag) {
		log.Printf("dataQueue: invalid control bits %#02x (neither ACK nor RST), dropping", uint8(seg.Ctl))
		return
	}

	// Strict next-expected-sequence check for sequence-consuming segments.
	// ACK-only segments reuse the sender's current sequence value, so they
	// are exempt.
	consumesSeq := len(seg.Payload) > 0 || seg.Ctl.Has(NULFlag) || seg.Ctl.Has(RSTFlag)
	if consumesSeq && seg.SeqNumber != SeqIncrement(q.lastRemoteSeq) {
		log.Printf("dataQueue: out-of-order segment seq %d, expected %d, dropping", seg.SeqNumber, SeqIncrement(q.lastRemoteSeq))
		return
	}

	sentSomething := false
	if seg.Ctl.Has(ACKFlag) && seg.AckNumber != q.lastAckedLocalSeq {
		if !seqInRange(seg.AckNumber, q.lastAckedLocalSeq, q.lastLocalSeq) {
			log.Printf("dataQueue: ack %d outside window (%d, %d], dropping segment",
				seg.AckNumber, q.lastAckedLocalSeq, q.lastLocalSeq)
			return
		}
		for len(q.unacked) > 0 && seqInRange(q.unacked[0].seq, q.lastAckedLocalSeq, seg.AckNumber) {
			item := q.unacked[0]
			q.unacked = q.unacked[1:]
			if item.chunk != nil {
				q.pool.ReturnElement(item.chunk)
			}
		}
		q.lastAckedLocalSeq = seg.AckNumber
		// refill the now-larger window from the unsent queue
		for len(q.unsent) > 0 && len(q.unacked) < q.maxOutstanding {
			item := q.unsent[0]
			q.unsent = q.unsent[1:]
			q.transmit(item)
			sentSomething = true
		}
		if q.checkDisconnectDone() {
			return
		}
	}

	if seg.Ctl.Has(RSTFlag) {
		q.lastRemoteSeq = seg.SeqNumber
		if len(q.unacked) > 0 || len(q.unsent) > 0 {
			log.Println("dataQueue: peer reset with unflushed local data, tearing down anyway")
		}
		// acknowledge the reset so the peer's own teardown can complete
		q.sendSegment(ACKFlag, nil)
		q.teardown(nil)
		return
	}

	if len(seg.Payload) > 0 {
		q.lastRemoteSeq = seg.SeqNumber
		q.remoteNeedsAck = true
		if !q.cumAckArmed {
			q.cumAckArmed = true
			q.cumAckTime = time.Now().Add(q.cumAckTimeout)
		}
		// deliver before any ACK bookkeeping below: in-order hand-off to
		// the application layer
		data := make([]byte, len(seg.Payload))
		copy(data, seg.Payload)
		q.dataArrived(data)
	} else if seg.Ctl.Has(NULFlag) {
		// keep-alive consumes a sequence number and is owed an ack
		q.lastRemoteSeq = seg.SeqNumber
		q.remoteNeedsAck = true
		if !q.cumAckArmed {
			q.cumAckArmed = true
			q.cumAckTime = time.Now().Add(q.cumAckTimeout)
		}
	}

	if sentSomething {
		return // those segments carried the latest ack already
	}
	if int(seqDistance(q.lastAckedRemoteSeq, q.lastRemoteSeq)) > q.maxCumAck {
		q.sendSegment(ACKFlag, nil)
	} else if q.remoteNeedsAck && SeqIncrement(q.lastRemoteSeq) == q.lastAckedRemoteSeq {
		// sequence-number exhaustion risk: the remote counter is one step
		// from wrapping into the last acked value
		if !q.sendSegment(ACKFlag, nil) {
			log.Println("dataQueue: failed to ack before remote sequence wrap")
		}
	}
}

// disconnect starts the graceful teardown: queue an ACK+RST through the
// normal send path and accelerate the timers so completion (or failure) is
// detected quickly.
func (q *dataQueue) disconnect() {
	if q.closed {
		return
	}
	if q.disconnectRequested {
		log.Println("dataQueue: disconnect already in progress")
		return
	}
	q.disconnectRequested = true
	if third := q.nullTimeout / 3; q.retransTimeout > third {
		q.retransTimeout = third
	}
	if len(q.unacked) > 0 && q.unacked[0].resendTime.After(q.nullTime) {
		q.unacked[0].resendTime = q.nullTime
	}
	q.sendSegment(ACKFlag|RSTFlag, nil)
}

// checkDisconnectDone completes the teardown once both queues have drained.
// Called after every acknowledgment-processing step.
func (q *dataQueue) checkDisconnectDone() bool {
	if q.disconnectRequested && len(q.unacked) == 0 && len(q.unsent) == 0 {
		q.teardown(nil)
		return true
	}
	return false
}

// teardown flushes both queues and reports completion exactly once.
func (q *dataQueue) teardown(err error) {
	if q.closed {
		return
	}
	q.closed = true
	for _, item := range q.unacked {
		if item.chunk != nil {
			q.pool.ReturnElement(item.chunk)
		}
	}
	q.unacked = nil
	for _, item := range q.unsent {
		if item.chunk != nil {
			q.pool.ReturnElement(item.chunk)
		}
	}
	q.unsent = nil
	q.finished(err)
}

// onControlPeriod runs once per poll cycle: (1) full-window retransmission
// when the oldest in-flight deadline has passed, else (2) the cumulative
// ACK, else (3) the NUL keep-alive.
func (q *dataQueue) onControlPeriod() {
	if q.closed {
		return
	}
	now := time.Now()
	sent := false

	if len(q.unacked) > 0 && !now.Before(q.unacked[0].resendTime) {
		oldest := q.unacked[0]
		if q.maxRetrans != 0 && oldest.resendCount >= q.maxRetrans {
			q.teardown(&RetransmissionLimitError{SeqNumber: oldest.seq, Resends: oldest.resendCount})
			return
		}
		// Full-window retransmission: resend every unacknowledged item,
		// not just the oldest. Peer implementations depend on this exact
		// cadence for their duplicate detection.
		for _, item := range q.unacked {
			q.sendOnWire(item.ctl, item.seq, item.payload, now)
			item.resendTime = now.Add(q.retransTimeout)
			item.resendCount++
		}
		sent = true
	}

	if !sent && q.remoteNeedsAck && q.cumAckArmed && !now.Before(q.cumAckTime) {
		sent = q.sendSegment(ACKFlag, nil)
	}

	if !sent && !q.disconnectRequested && !now.Before(q.nullTime) {
		q.sendSegment(ACKFlag|NULFlag, nil)
	}
}

// outstanding reports the current in-flight segment count (test hook).
func (q *dataQueue) outstanding() int {
	return len(q.unacked)
}
