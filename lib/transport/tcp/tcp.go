// Package tcp carries overlay links over plain TCP. Each connection starts
// with a hello exchange of peer hashes; authenticating that hash is the job
// of an outer layer.
package tcp

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
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// DefaultHandshakeTimeout bounds the hello exchange when Options leaves it
// unset.
const DefaultHandshakeTimeout = 10 * time.Second

var (
	// ErrUnknownAddress is returned when dialing a peer missing from the
	// address book.
	ErrUnknownAddress = errors.New("tcp: no address for peer")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("tcp: transport closed")
)

// Compile-time check that Transport implements transport.Transport.
var _ transport.Transport = (*Transport)(nil)

// Options configures a Transport.
type Options struct {
	// ListenAddress is the host:port Listen binds.
	ListenAddress string
	// HandshakeTimeout bounds the hello exchange.
	HandshakeTimeout time.Duration
	// Book resolves peers for Dial. A new book is created when nil.
	Book *transport.AddressBook
}

// Transport dials and accepts TCP connections for one node. It implements
// the connection manager's Dialer.
type Transport struct {
	self   data.Hash
	opts   Options
	book   *transport.AddressBook
	dialer net.Dialer

	mu       sync.Mutex
	listener net.Listener

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New returns a transport for self. Nothing is bound until Listen.
func New(self data.Hash, opts Options) *Transport {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Book == nil {
		opts.Book = transport.NewAddressBook()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		self:   self,
		opts:   opts,
		book:   opts.Book,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Book returns the address book used by Dial.
func (t *Transport) Book() *transport.AddressBook { return t.book }

// Name returns "tcp".
func (t *Transport) Name() string { return "tcp" }

// Compatible reports whether the address book knows peer.
func (t *Transport) Compatible(peer data.Hash) bool {
	_, ok := t.book.Lookup(peer)
	return ok
}

// Listen binds the listen address and hands every connection that
// completes the hello exchange to acc.
func (t *Transport) Listen(acc transport.Acceptor) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	l, err := net.Listen("tcp", t.opts.ListenAddress)
	if err != nil {
		return oops.Wrapf(err, "listen on %q", t.opts.ListenAddress)
	}
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":   "(Transport) Listen",
		"addr": l.Addr().String(),
		"self": identity.Short(t.self),
	}).Info("listening")

	t.wg.Add(1)
	go t.acceptLoop(l, acc)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Transport) acceptLoop(l net.Listener, acc transport.Acceptor) {
	defer t.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithFields(logger.Fields{
				"at":     "(Transport) acceptLoop",
				"reason": "accept_failed",
			}).WithError(err).Warn("accept error")
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.serve(conn, acc)
		}()
	}
}

func (t *Transport) serve(conn net.Conn, acc transport.Acceptor) {
	remote, err := hello(conn, t.self, data.Hash{}, t.opts.HandshakeTimeout)
	if err != nil {
		conn.Close()
		log.WithFields(logger.Fields{
			"at":     "(Transport) serve",
			"reason": "handshake_failed",
			"remote": conn.RemoteAddr().String(),
		}).WithError(err).Warn("dropping inbound connection")
		return
	}
	if err := acc.AddConnection(remote, conn); err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Transport) serve",
			"reason": "rejected",
			"peer":   identity.Short(remote),
		}).WithError(err).Debug("inbound connection refused")
	}
}

// Dial connects to the address recorded for peer and checks that it
// answers with peer's hash.
func (t *Transport) Dial(ctx context.Context, peer data.Hash) (io.ReadWriteCloser, error) {
	addr, ok := t.book.Lookup(peer)
	if !ok {
		return nil, oops.Wrapf(ErrUnknownAddress, "peer %s", identity.Short(peer))
	}
	conn, _, err := t.dial(ctx, addr, peer)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connect dials addr and learns the hash of whoever answers. The peer is
// recorded in the address book so later Dials find it. The caller owns the
// returned connection.
func (t *Transport) Connect(ctx context.Context, addr string) (data.Hash, io.ReadWriteCloser, error) {
	conn, remote, err := t.dial(ctx, addr, data.Hash{})
	if err != nil {
		return remote, nil, err
	}
	t.book.Set(remote, addr)
	return remote, conn, nil
}

func (t *Transport) dial(ctx context.Context, addr string, expect data.Hash) (net.Conn, data.Hash, error) {
	if t.ctx.Err() != nil {
		return nil, data.Hash{}, ErrClosed
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, data.Hash{}, oops.Wrapf(err, "dial %s", addr)
	}
	remote, err := hello(conn, t.self, expect, t.opts.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, remote, err
	}
	log.WithFields(logger.Fields{
		"at":   "(Transport) dial",
		"addr": addr,
		"peer": identity.Short(remote),
	}).Debug("connected")
	return conn, remote, nil
}

// Close stops accepting and waits for in-flight handshakes. Established
// connections belong to their acceptor and stay open.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		t.mu.Lock()
		l := t.listener
		t.mu.Unlock()
		if l != nil {
			if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = oops.Wrapf(cerr, "close listener")
			}
		}
		t.wg.Wait()
	})
	return err
}
