// Package ws carries overlay links over WebSocket binary messages, for
// peers that sit behind HTTP front ends. Peer hashes travel in an upgrade
// header; authenticating them is the job of an outer layer.
package ws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/identity"
	"github.com/go-i2p/go-overlay/lib/transport"
	"github.com/go-i2p/logger"
	"github.com/gorilla/websocket"
	"github.com/samber/oops"
)

// PeerHeader carries the hex peer hash of each side of the upgrade.
const PeerHeader = "X-Overlay-Peer"

// DefaultHandshakeTimeout bounds the upgrade when Options leaves it unset.
const DefaultHandshakeTimeout = 10 * time.Second

var (
	// ErrUnknownAddress is returned when dialing a peer missing from the
	// address book.
	ErrUnknownAddress = errors.New("ws: no url for peer")
	// ErrHandshake is returned when the far side's peer header is missing
	// or names the wrong peer.
	ErrHandshake = errors.New("ws: handshake failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ws: transport closed")
)

// Compile-time check that Transport implements transport.Transport.
var _ transport.Transport = (*Transport)(nil)

// Options configures a Transport.
type Options struct {
	// HandshakeTimeout bounds the HTTP upgrade.
	HandshakeTimeout time.Duration
	// Book resolves peers to ws:// or wss:// URLs. A new book is created
	// when nil.
	Book *transport.AddressBook
	// CheckOrigin filters inbound upgrades by Origin header. Nil accepts
	// every origin; peers are not browsers.
	CheckOrigin func(r *http.Request) bool
}

// Transport dials WebSocket peers and serves inbound upgrades for one node.
type Transport struct {
	self     data.Hash
	book     *transport.AddressBook
	dialer   websocket.Dialer
	upgrader websocket.Upgrader
	closed   atomic.Bool
}

// New returns a transport for self.
func New(self data.Hash, opts Options) *Transport {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Book == nil {
		opts.Book = transport.NewAddressBook()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Transport{
		self:     self,
		book:     opts.Book,
		dialer:   websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		upgrader: websocket.Upgrader{HandshakeTimeout: opts.HandshakeTimeout, CheckOrigin: checkOrigin},
	}
}

// Book returns the address book used by Dial.
func (t *Transport) Book() *transport.AddressBook { return t.book }

// Name returns "ws".
func (t *Transport) Name() string { return "ws" }

// Compatible reports whether the address book knows peer.
func (t *Transport) Compatible(peer data.Hash) bool {
	_, ok := t.book.Lookup(peer)
	return ok
}

func (t *Transport) header() http.Header {
	h := http.Header{}
	h.Set(PeerHeader, identity.Hex(t.self))
	return h
}

// checkPeer parses the peer header and rejects our own hash and, when
// expect is set, any other peer.
func (t *Transport) checkPeer(h http.Header, expect data.Hash) (data.Hash, error) {
	v := h.Get(PeerHeader)
	if v == "" {
		return data.Hash{}, oops.Wrapf(ErrHandshake, "missing %s header", PeerHeader)
	}
	remote, err := identity.ParseHash(v)
	if err != nil {
		return data.Hash{}, oops.Wrapf(ErrHandshake, "%v", err)
	}
	if remote == t.self {
		return remote, oops.Wrapf(ErrHandshake, "peer claims our own hash")
	}
	if expect != (data.Hash{}) && remote != expect {
		return remote, oops.Wrapf(ErrHandshake, "expected %s, got %s", identity.Short(expect), identity.Short(remote))
	}
	return remote, nil
}

// Handler returns an http.Handler that upgrades inbound peers and hands
// them to acc.
func (t *Transport) Handler(acc transport.Acceptor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.closed.Load() {
			http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
			return
		}
		remote, err := t.checkPeer(r.Header, data.Hash{})
		if err != nil {
			log.WithFields(logger.Fields{
				"at":     "(Transport) Handler",
				"reason": "handshake_failed",
				"remote": r.RemoteAddr,
			}).WithError(err).Warn("refusing upgrade")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ws, err := t.upgrader.Upgrade(w, r, t.header())
		if err != nil {
			// Upgrade already wrote the HTTP error.
			log.WithFields(logger.Fields{
				"at":     "(Transport) Handler",
				"reason": "upgrade_failed",
				"peer":   identity.Short(remote),
			}).WithError(err).Debug("upgrade failed")
			return
		}
		if err := acc.AddConnection(remote, newConn(ws)); err != nil {
			log.WithFields(logger.Fields{
				"at":     "(Transport) Handler",
				"reason": "rejected",
				"peer":   identity.Short(remote),
			}).WithError(err).Debug("inbound connection refused")
		}
	})
}

// Dial connects to the URL recorded for peer and checks that it answers
// with peer's hash.
func (t *Transport) Dial(ctx context.Context, peer data.Hash) (io.ReadWriteCloser, error) {
	url, ok := t.book.Lookup(peer)
	if !ok {
		return nil, oops.Wrapf(ErrUnknownAddress, "peer %s", identity.Short(peer))
	}
	c, _, err := t.dial(ctx, url, peer)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials url and learns the hash of whoever answers. The peer is
// recorded in the address book. The caller owns the returned connection.
func (t *Transport) Connect(ctx context.Context, url string) (data.Hash, io.ReadWriteCloser, error) {
	c, remote, err := t.dial(ctx, url, data.Hash{})
	if err != nil {
		return remote, nil, err
	}
	t.book.Set(remote, url)
	return remote, c, nil
}

func (t *Transport) dial(ctx context.Context, url string, expect data.Hash) (*conn, data.Hash, error) {
	if t.closed.Load() {
		return nil, data.Hash{}, ErrClosed
	}
	ws, resp, err := t.dialer.DialContext(ctx, url, t.header())
	if err != nil {
		if resp != nil {
			return nil, data.Hash{}, oops.Wrapf(err, "dial %s: status %d", url, resp.StatusCode)
		}
		return nil, data.Hash{}, oops.Wrapf(err, "dial %s", url)
	}
	remote, err := t.checkPeer(resp.Header, expect)
	if err != nil {
		ws.Close()
		return nil, remote, err
	}
	log.WithFields(logger.Fields{
		"at":   "(Transport) dial",
		"url":  url,
		"peer": identity.Short(remote),
	}).Debug("connected")
	return newConn(ws), remote, nil
}

// Close refuses further dials and upgrades. Established connections
// belong to their owner.
func (t *Transport) Close() error {
	t.closed.Store(true)
	return nil
}
