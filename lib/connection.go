package lib

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"

	"github.com/Clouded-Sabre/rssi/config"
)

// Connection owns the UDP socket and the two long-lived goroutines of one
// RSSI connection: the control goroutine that multiplexes socket receive
// (with a bounded timeout doubling as the timer tick) against periodic timer
// servicing, and the dispatch goroutine that drains the task queue and runs
// user callbacks. All mutable protocol state is guarded by one mutex so that
// Send and Disconnect may run concurrently with the control goroutine.
type Connection struct {
	cfg          *config.Config
	pool         *rp.RingPool
	pollInterval time.Duration

	mu         sync.Mutex
	state      State
	isServer   bool
	ownsSocket bool
	conn       net.PacketConn
	remoteAddr net.Addr
	connID     uint32
	connMgr    *connManager
	queue      *dataQueue
	negotiated *SynHeader

	// server role: stored SYN-ACK for resend when the client repeats its SYN
	synAckFrame      []byte
	remoteInitialSeq uint8

	tasks            *taskQueue
	connectionChange func(State)
	dataArrived      func([]byte)
	wg               sync.WaitGroup
}

// NewConnection creates an idle (Disconnected) connection. The connection id
// counter is randomized here and bumped on every connection attempt.
func NewConnection(cfg *config.Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	isn, err := GenerateISN()
	if err != nil {
		return nil, err
	}
	return &Connection{
		cfg:          cfg,
		pool:         newPayloadPool(cfg.PayloadPoolSize, cfg.MaxSegmentSize),
		connID:       isn,
		pollInterval: cfg.PollInterval(),
	}, nil
}

// Connect binds a UDP socket on the configured local port and starts the
// handshake towards remoteIP on the configured remote port. State changes
// and received payloads are reported through the callbacks, which run on the
// dispatch goroutine, never on the socket goroutine.
func (c *Connection) Connect(remoteIP string, connectionChange func(State), dataArrived func([]byte)) error {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(remoteIP, strconv.Itoa(c.cfg.RemotePort)))
	if err != nil {
		return fmt.Errorf("connection: resolving remote address: %w", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: c.cfg.LocalPort})
	if err != nil {
		return fmt.Errorf("connection: binding local port %d: %w", c.cfg.LocalPort, err)
	}
	if err := c.open(conn, raddr, false, true, connectionChange, dataArrived); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// Open starts the client handshake over a caller-provided packet connection.
// The caller keeps ownership of the socket.
func (c *Connection) Open(conn net.PacketConn, remote net.Addr, connectionChange func(State), dataArrived func([]byte)) error {
	return c.open(conn, remote, false, false, connectionChange, dataArrived)
}

// Serve binds a UDP socket on the configured local port and waits for a
// single peer's SYN (server role, used by the device emulator and tests).
func (c *Connection) Serve(connectionChange func(State), dataArrived func([]byte)) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: c.cfg.LocalPort})
	if err != nil {
		return fmt.Errorf("connection: binding local port %d: %w", c.cfg.LocalPort, err)
	}
	if err := c.open(conn, nil, true, true, connectionChange, dataArrived); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// ServeOn is Serve over a caller-provided packet connection.
func (c *Connection) ServeOn(conn net.PacketConn, connectionChange func(State), dataArrived func([]byte)) error {
	return c.open(conn, nil, true, false, connectionChange, dataArrived)
}

func (c *Connection) open(conn net.PacketConn, remote net.Addr, isServer, ownsSocket bool,
	connectionChange func(State), dataArrived func([]byte)) error {

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnected {
		return fmt.Errorf("connection: connect is only valid from the Disconnected state (now %s)", c.state)
	}

	c.conn = conn
	c.remoteAddr = remote
	c.isServer = isServer
	c.ownsSocket = ownsSocket
	c.connectionChange = connectionChange
	c.dataArrived = dataArrived
	c.tasks = newTaskQueue()
	c.connMgr = nil
	c.queue = nil
	c.negotiated = nil
	c.synAckFrame = nil
	c.connID++

	c.state = StateConnecting
	if !isServer {
		isn, err := GenerateISN()
		if err != nil {
			c.state = StateDisconnected
			return err
		}
		c.connMgr = newConnManager(c.cfg, c.connID, uint8(isn), c.sendTo, c.handshakeDone)
	}

	c.wg.Add(2)
	go c.controlLoop()
	go c.dispatchLoop()

	c.pushStateChange(StateConnecting)
	return nil
}

// sendTo writes one frame to the peer. Only ever called with the mutex held,
// from the control goroutine or from Send/Disconnect.
func (c *Connection) sendTo(frame []byte) error {
	if c.remoteAddr == nil {
		return fmt.Errorf("connection: no peer address yet")
	}
	_, err := c.conn.WriteTo(frame, c.remoteAddr)
	return err
}

// handshakeDone is the connection manager's exit: nil result means failure.
// Runs with the mutex held.
func (c *Connection) handshakeDone(res *handshakeResult) {
	c.connMgr = nil
	if res == nil {
		log.Println("connection: handshake failed")
		c.becomeDisconnected()
		return
	}
	c.negotiated = res.syn
	c.queue = newDataQueue(res.syn, c.pool, res.localSeq, res.remoteSeq, c.sendTo, c.deliverData, c.queueFinished)
	c.state = StateConnected
	c.pushStateChange(StateConnected)
}

// queueFinished is the data queue's teardown exit. Runs with the mutex held.
func (c *Connection) queueFinished(err error) {
	if err != nil {
		log.Println("connection: closed:", err)
	}
	c.becomeDisconnected()
}

func (c *Connection) becomeDisconnected() {
	if c.state == StateDisconnected {
		return
	}
	c.state = StateDisconnected
	c.pushStateChange(StateDisconnected)
	c.tasks.interrupt()
}

func (c *Connection) pushStateChange(st State) {
	if c.connectionChange == nil {
		return
	}
	cb := c.connectionChange
	c.tasks.push(func() { cb(st) })
}

func (c *Connection) deliverData(data []byte) {
	if c.dataArrived == nil {
		return
	}
	cb := c.dataArrived
	c.tasks.push(func() { cb(data) })
}

// controlLoop is the socket goroutine. It exclusively owns the UDP socket:
// bounded-timeout receive, sender validation, dispatch to the handshake
// manager or data queue, then the active component's periodic servicing.
// It exits once the state becomes Disconnected, completing its current
// iteration first.
func (c *Connection) controlLoop() {
	defer c.wg.Done()
	defer func() {
		if c.ownsSocket {
			c.conn.Close()
		}
	}()

	buffer := make([]byte, c.cfg.MaxSegmentSize+SynHeaderLength)
	for {
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		if state == StateDisconnected {
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(c.pollInterval))
		n, addr, err := c.conn.ReadFrom(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				c.mu.Lock()
				c.becomeDisconnected()
				c.mu.Unlock()
				return
			}
			if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
				// connection-refused style errors are expected on UDP when
				// the peer is not up yet; the timers handle recovery
				log.Println("connection: receive error:", err)
			}
		} else {
			c.handleDatagram(buffer[:n], addr)
		}

		c.mu.Lock()
		switch {
		case c.state == StateConnecting && c.connMgr != nil:
			c.connMgr.onControlPeriod()
		case c.state == StateConnected && c.queue != nil:
			c.queue.onControlPeriod()
		}
		c.mu.Unlock()
	}
}

func (c *Connection) handleDatagram(raw []byte, addr net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.remoteAddr != nil && addr.String() != c.remoteAddr.String() {
		log.Printf("connection: dropping datagram from unexpected sender %s (peer is %s)", addr, c.remoteAddr)
		return
	}

	seg := &Segment{}
	if err := seg.Unmarshal(raw); err != nil {
		log.Println("connection: dropping datagram:", err)
		return
	}
	if c.cfg.UseChecksum && !VerifyChecksum(raw) {
		log.Println("connection: checksum verification failed, dropping segment")
		return
	}

	switch {
	case c.state == StateConnecting && !c.isServer:
		c.connMgr.segmentReceived(seg)
	case c.state == StateConnecting && c.isServer:
		c.acceptSyn(seg, addr)
	case c.state == StateConnected:
		if c.isServer && seg.Ctl.Has(SYNFlag) && !seg.Ctl.Has(ACKFlag) {
			// the client never saw our SYN-ACK; repeat it
			if seg.SeqNumber == c.remoteInitialSeq && len(c.synAckFrame) > 0 {
				if err := c.sendTo(c.synAckFrame); err != nil {
					log.Println("connection: error resending SYN-ACK:", err)
				}
			}
			return
		}
		c.queue.segmentReceived(seg)
	}
}

// acceptSyn handles the server side of the handshake: negotiate the smaller
// maxSegmentSize, answer with SYN-ACK and bring up the data queue. The
// SYN-ACK counts as implicitly acknowledged; the client's next segment
// carries the ACK bit regardless.
func (c *Connection) acceptSyn(seg *Segment, addr net.Addr) {
	if !seg.Ctl.Has(SYNFlag) || seg.Ctl.Has(ACKFlag) || seg.Syn == nil {
		log.Printf("connection: dropping segment (ctl %#02x) while awaiting SYN", uint8(seg.Ctl))
		return
	}
	if c.remoteAddr == nil {
		c.remoteAddr = addr
	}

	negotiated := *seg.Syn
	if negotiated.MaxSegmentSize > uint16(c.cfg.MaxSegmentSize) {
		negotiated.MaxSegmentSize = uint16(c.cfg.MaxSegmentSize)
	}
	negotiated.ConnectionID = c.connID

	isn, err := GenerateISN()
	if err != nil {
		log.Println("connection: generating server sequence number:", err)
		return
	}
	localSeq := uint8(isn)

	synAck := Segment{
		Ctl:          SYNFlag | ACKFlag,
		HeaderLength: SynHeaderLength,
		SeqNumber:    localSeq,
		AckNumber:    seg.SeqNumber,
		Syn:          &negotiated,
	}
	frame := make([]byte, SynHeaderLength)
	n, err := synAck.Marshal(frame)
	if err != nil {
		log.Println("connection: error marshalling SYN-ACK:", err)
		return
	}
	if err := c.sendTo(frame[:n]); err != nil {
		log.Println("connection: error sending SYN-ACK:", err)
		return
	}

	c.synAckFrame = frame[:n]
	c.remoteInitialSeq = seg.SeqNumber
	c.negotiated = &negotiated
	c.queue = newDataQueue(&negotiated, c.pool, localSeq, seg.SeqNumber, c.sendTo, c.deliverData, c.queueFinished)
	c.state = StateConnected
	c.pushStateChange(StateConnected)
	log.Printf("connection: accepted peer %s (connection id %d)", c.remoteAddr, negotiated.ConnectionID)
}

// dispatchLoop runs user callbacks off the task queue, decoupling callback
// execution time from protocol timing.
func (c *Connection) dispatchLoop() {
	defer c.wg.Done()
	for {
		task, ok := c.tasks.pop()
		if !ok {
			return
		}
		task()
	}
}

// Send slices data into chunks no larger than the negotiated segment payload
// capacity and hands each to the data queue. Valid only while Connected.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return fmt.Errorf("connection: send is only valid in the Connected state (now %s)", c.state)
	}
	max := int(c.negotiated.MaxSegmentSize) - NonSynHeaderLength
	for len(data) > 0 {
		n := len(data)
		if n > max {
			n = max
		}
		if err := c.queue.sendUserData(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Disconnect starts the graceful teardown. The socket stays open until the
// data queue reports completion (or the caller force-joins with Close).
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return fmt.Errorf("connection: disconnect is only valid in the Connected state (now %s)", c.state)
	}
	c.queue.disconnect()
	return nil
}

// Close force-joins the connection: mark it Disconnected, wake the dispatch
// goroutine and wait for both goroutines to exit. Safe to call at any time,
// including after a graceful disconnect has already completed.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.tasks == nil {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateDisconnected {
		c.becomeDisconnected()
	} else {
		c.tasks.interrupt()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

// State reports the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NegotiatedMaxSegmentSize reports the handshake's min() result; zero while
// not connected. The packetization layer sizes its chunks from this.
func (c *Connection) NegotiatedMaxSegmentSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.negotiated == nil {
		return 0
	}
	return int(c.negotiated.MaxSegmentSize)
}

// LocalAddr exposes the bound socket address (handy with LocalPort 0).
func (c *Connection) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}
