// Package emu is the device-side counterpart used by tests and demos: a
// server-role endpoint that accepts the handshake and speaks the same
// packetized stack, and an in-memory register file answering register
// transactions.
package emu

import (
	"net"

	"github.com/Clouded-Sabre/rssi/axis"
	"github.com/Clouded-Sabre/rssi/config"
	"github.com/Clouded-Sabre/rssi/lib"
)

// Endpoint bundles a server-role connection with its packetizer.
type Endpoint struct {
	conn *lib.Connection
	pk   *axis.Packetizer
}

func NewEndpoint(cfg *config.Config) (*Endpoint, error) {
	conn, err := lib.NewConnection(cfg)
	if err != nil {
		return nil, err
	}
	e := &Endpoint{conn: conn}
	e.pk = axis.NewPacketizer(conn)
	return e, nil
}

// Serve binds the configured local port and waits for one peer.
func (e *Endpoint) Serve(connectionChange func(lib.State)) error {
	return e.conn.Serve(connectionChange, e.pk.SegmentArrived)
}

// ServeOn serves over a caller-provided packet connection (tests).
func (e *Endpoint) ServeOn(conn net.PacketConn, connectionChange func(lib.State)) error {
	return e.conn.ServeOn(conn, connectionChange, e.pk.SegmentArrived)
}

// Packetizer exposes the channel mux so callers can register responders.
func (e *Endpoint) Packetizer() *axis.Packetizer {
	return e.pk
}

// Connection exposes the underlying transport.
func (e *Endpoint) Connection() *lib.Connection {
	return e.conn
}

// Echo registers a callback that sends every message on the channel straight
// back to the peer.
func (e *Endpoint) Echo(channel uint8) {
	e.pk.SetChannelCallback(channel, func(data []byte) {
		e.pk.SendData(channel, data)
	})
}

func (e *Endpoint) Close() error {
	return e.conn.Close()
}
