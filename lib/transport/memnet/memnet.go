// Package memnet is an in-process transport. Every connection is a
// net.Pipe pair, so writes block until the far side reads, the same
// backpressure a real socket shows once its buffers fill.
package memnet

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/identity"
	"github.com/go-i2p/go-overlay/lib/transport"
	"github.com/go-i2p/go-overlay/lib/wire"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

var (
	// ErrUnknownPeer is returned when dialing a hash that never joined.
	ErrUnknownPeer = errors.New("memnet: unknown peer")
	// ErrDialRefused is returned for peers marked with FailDials.
	ErrDialRefused = errors.New("memnet: dial refused")
)

// Acceptor takes ownership of a connection opened by remote.
type Acceptor = transport.Acceptor

// Compile-time check that Endpoint implements transport.Transport.
var _ transport.Transport = (*Endpoint)(nil)

type pair struct{ from, to data.Hash }

type frameKey struct {
	pair
	kind byte
}

// Network is a registry of endpoints plus fault injection and frame
// counters. The zero value is not usable; call NewNetwork.
type Network struct {
	mu        sync.Mutex
	endpoints map[data.Hash]*Endpoint
	delays    map[pair]time.Duration
	refused   map[data.Hash]bool
	frames    map[frameKey]int
	conns     map[pair][]net.Conn
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[data.Hash]*Endpoint),
		delays:    make(map[pair]time.Duration),
		refused:   make(map[data.Hash]bool),
		frames:    make(map[frameKey]int),
		conns:     make(map[pair][]net.Conn),
	}
}

// Endpoint returns the endpoint for self, creating it on first use. An
// endpoint accepts connections only after Attach.
func (n *Network) Endpoint(self data.Hash) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.endpoints[self]; ok {
		return e
	}
	e := &Endpoint{net: n, self: self}
	n.endpoints[self] = e
	return e
}

// SetWriteDelay delays every write from one peer to another by d.
func (n *Network) SetWriteDelay(from, to data.Hash, d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delays[pair{from, to}] = d
}

// FailDials makes every dial to peer fail while refuse is set.
func (n *Network) FailDials(peer data.Hash, refuse bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refused[peer] = refuse
}

// Frames returns how many frames of the given wire kind were handed to the
// connection from one peer to another.
func (n *Network) Frames(from, to data.Hash, kind byte) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.frames[frameKey{pair{from, to}, kind}]
}

// FramesFrom returns how many frames of kind from wrote to anyone.
func (n *Network) FramesFrom(from data.Hash, kind byte) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for k, c := range n.frames {
		if k.from == from && k.kind == kind {
			total += c
		}
	}
	return total
}

// ResetFrames zeroes every frame counter.
func (n *Network) ResetFrames() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.frames = make(map[frameKey]int)
}

// Connect links a and b directly without going through either node's
// dialer, as if a had dialed b.
func (n *Network) Connect(a, b data.Hash) error {
	ea, eb := n.lookup(a), n.lookup(b)
	if ea == nil || eb == nil || ea.acceptor() == nil || eb.acceptor() == nil {
		return oops.Wrapf(ErrUnknownPeer, "connect %s to %s", identity.Short(a), identity.Short(b))
	}
	ca, cb := n.pipe(a, b)
	if err := eb.acceptor().AddConnection(a, cb); err != nil {
		ca.Close()
		return oops.Wrapf(err, "connect %s to %s", identity.Short(a), identity.Short(b))
	}
	if err := ea.acceptor().AddConnection(b, ca); err != nil {
		cb.Close()
		return oops.Wrapf(err, "connect %s to %s", identity.Short(a), identity.Short(b))
	}
	return nil
}

// Disconnect closes every connection between a and b.
func (n *Network) Disconnect(a, b data.Hash) {
	n.mu.Lock()
	conns := append(n.conns[pair{a, b}], n.conns[pair{b, a}]...)
	delete(n.conns, pair{a, b})
	delete(n.conns, pair{b, a})
	n.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (n *Network) lookup(h data.Hash) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[h]
}

// pipe returns the end of a new connection held by a and the end held by b.
func (n *Network) pipe(a, b data.Hash) (net.Conn, net.Conn) {
	pa, pb := net.Pipe()
	ca := &conn{Conn: pa, net: n, dir: pair{a, b}}
	cb := &conn{Conn: pb, net: n, dir: pair{b, a}}
	n.mu.Lock()
	n.conns[pair{a, b}] = append(n.conns[pair{a, b}], ca)
	n.mu.Unlock()
	return ca, cb
}

func (n *Network) delay(p pair) time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delays[p]
}

func (n *Network) count(p pair, b []byte) {
	// frame layout: length(4) | tag | version | kind
	if len(b) < 7 || b[4] != wire.ProtocolTag {
		return
	}
	n.mu.Lock()
	n.frames[frameKey{p, b[6]}]++
	n.mu.Unlock()
}

// Endpoint is one node's attachment to a Network. It implements the
// connection manager's Dialer.
type Endpoint struct {
	net  *Network
	self data.Hash

	mu  sync.RWMutex
	acc Acceptor
}

// Attach sets the acceptor that receives inbound connections.
func (e *Endpoint) Attach(acc Acceptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acc = acc
}

// Detach stops accepting connections.
func (e *Endpoint) Detach() {
	e.Attach(nil)
}

func (e *Endpoint) acceptor() Acceptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.acc
}

// Hash returns the endpoint's peer hash.
func (e *Endpoint) Hash() data.Hash { return e.self }

// Name returns "memnet".
func (e *Endpoint) Name() string { return "memnet" }

// Compatible reports whether peer has joined the network and accepts
// connections.
func (e *Endpoint) Compatible(peer data.Hash) bool {
	remote := e.net.lookup(peer)
	return remote != nil && remote.acceptor() != nil
}

// Close detaches the endpoint.
func (e *Endpoint) Close() error {
	e.Detach()
	return nil
}

// Dial opens a connection to peer and hands the far end to peer's acceptor.
func (e *Endpoint) Dial(ctx context.Context, peer data.Hash) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.net.mu.Lock()
	refused := e.net.refused[peer]
	e.net.mu.Unlock()
	if refused {
		return nil, oops.Wrapf(ErrDialRefused, "dial %s", identity.Short(peer))
	}
	remote := e.net.lookup(peer)
	if remote == nil || remote.acceptor() == nil {
		return nil, oops.Wrapf(ErrUnknownPeer, "dial %s", identity.Short(peer))
	}

	local, far := e.net.pipe(e.self, peer)
	if err := remote.acceptor().AddConnection(e.self, far); err != nil {
		local.Close()
		return nil, oops.Wrapf(err, "dial %s", identity.Short(peer))
	}
	log.WithFields(logger.Fields{
		"at":   "(Endpoint) Dial",
		"from": identity.Short(e.self),
		"to":   identity.Short(peer),
	}).Debug("memnet connection opened")
	return local, nil
}

// conn counts frames and applies the configured write delay.
type conn struct {
	net.Conn
	net *Network
	dir pair
}

func (c *conn) Write(b []byte) (int, error) {
	if d := c.net.delay(c.dir); d > 0 {
		time.Sleep(d)
	}
	// Counted before the write returns so a reader that observes the frame
	// also observes the counter.
	c.net.count(c.dir, b)
	return c.Conn.Write(b)
}
