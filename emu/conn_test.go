package emu

import (
	"net"
	"sync"
	"time"
)

// pollableConn adds working read deadlines to a packet connection whose own
// deadline support is unknown, by pumping receives through a goroutine and a
// buffered channel. The transport's control loop depends on read deadlines
// for its timer tick.
type pollableConn struct {
	inner net.PacketConn

	mu       sync.Mutex
	deadline time.Time

	packets   chan packet
	done      chan struct{}
	closeOnce sync.Once
}

type packet struct {
	data []byte
	addr net.Addr
}

func newPollableConn(inner net.PacketConn) *pollableConn {
	p := &pollableConn{
		inner:   inner,
		packets: make(chan packet, 256),
		done:    make(chan struct{}),
	}
	go p.reader()
	return p
}

func (p *pollableConn) reader() {
	buffer := make([]byte, 65536)
	for {
		n, addr, err := p.inner.ReadFrom(buffer)
		if err != nil {
			return
		}
		msg := packet{data: append([]byte(nil), buffer[:n]...), addr: addr}
		select {
		case p.packets <- msg:
		case <-p.done:
			return
		default:
			// full buffer behaves like network loss
		}
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func (p *pollableConn) ReadFrom(b []byte) (int, net.Addr, error) {
	p.mu.Lock()
	deadline := p.deadline
	p.mu.Unlock()

	var expire <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil, timeoutError{}
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case msg := <-p.packets:
		return copy(b, msg.data), msg.addr, nil
	case <-expire:
		return 0, nil, timeoutError{}
	case <-p.done:
		return 0, nil, net.ErrClosed
	}
}

func (p *pollableConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	return p.inner.WriteTo(b, addr)
}

func (p *pollableConn) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.inner.Close()
	})
	return err
}

func (p *pollableConn) LocalAddr() net.Addr { return p.inner.LocalAddr() }

func (p *pollableConn) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	p.deadline = t
	p.mu.Unlock()
	return nil
}

func (p *pollableConn) SetDeadline(t time.Time) error      { return p.SetReadDeadline(t) }
func (p *pollableConn) SetWriteDeadline(t time.Time) error { return nil }
