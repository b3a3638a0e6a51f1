// Package network handles peer-to-peer communication over TCP using
// length-prefixed wire.MessageEnvelope frames (spec.md §6 "Wire
// encoding" / §7 "Gossip"). Grounded on the teacher's network/peer.go
// (length-prefixed framing, a Peer wrapping one net.Conn, TLS-optional
// Connect), generalized from ad hoc JSON messages to the canonical
// binary envelope every other package in this repo already encodes with.
package network

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tolelom/norn/wire"
)

// MaxFrameBytes bounds a single length-prefixed frame, guarding against a
// malicious or corrupt length field demanding an unbounded allocation.
const MaxFrameBytes = 32 * 1024 * 1024

// Peer represents a connected remote node.
type Peer struct {
	ID   string
	Addr string

	conn   net.Conn
	mu     sync.Mutex
	closed bool
}

// NewPeer wraps an established TCP connection as a Peer.
func NewPeer(id, addr string, conn net.Conn) *Peer {
	return &Peer{ID: id, Addr: addr, conn: conn}
}

// Connect dials the remote address and returns a connected Peer.
// If tlsCfg is non-nil the connection is established over TLS.
func Connect(id, addr string, tlsCfg *tls.Config) (*Peer, error) {
	var conn net.Conn
	var err error
	if tlsCfg != nil {
		conn, err = tls.Dial("tcp", addr, tlsCfg)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return NewPeer(id, addr, conn), nil
}

// Send writes a length-prefixed envelope to the peer.
func (p *Peer) Send(env wire.MessageEnvelope) error {
	data := env.Encode()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer %s closed", p.ID)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := p.conn.Write(header[:]); err != nil {
		return err
	}
	_, err := p.conn.Write(data)
	return err
}

// Receive reads the next length-prefixed envelope.
// A 30-second read deadline prevents a stalled peer from blocking indefinitely.
func (p *Peer) Receive() (wire.MessageEnvelope, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var header [4]byte
	if _, err := io.ReadFull(p.conn, header[:]); err != nil {
		return wire.MessageEnvelope{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameBytes {
		return wire.MessageEnvelope{}, fmt.Errorf("message too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(p.conn, buf); err != nil {
		return wire.MessageEnvelope{}, err
	}
	return wire.DecodeEnvelope(buf)
}

// Close terminates the peer connection.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.conn.Close()
	}
}
