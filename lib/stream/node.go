// Package stream is the delivery engine of the overlay. A Node turns a set
// of point-to-point links into a loop-free dissemination fabric: it
// deduplicates, relays, discovers routes on demand with Seek, confirms
// delivery with Acknowledge and broadcasts with AnyWhere.
package stream

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/cache"
	"github.com/go-i2p/go-overlay/lib/config"
	"github.com/go-i2p/go-overlay/lib/connmgr"
	"github.com/go-i2p/go-overlay/lib/events"
	"github.com/go-i2p/go-overlay/lib/identity"
	"github.com/go-i2p/go-overlay/lib/routes"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// Option customises a Node.
type Option func(*Node)

// WithVerifier checks the signature of every inbound message against v.
// Messages that fail are dropped.
func WithVerifier(v identity.Verifier) Option {
	return func(n *Node) { n.verifier = v }
}

// Node is one overlay participant.
type Node struct {
	cfg      config.StreamConfig
	id       identity.Identity
	self     data.Hash
	verifier identity.Verifier

	routes  *routes.Table
	seen    *cache.Cache[data.Hash]
	conns   *connmgr.Manager
	events  events.Events
	pending *pendingSet

	canRelay atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	trackMu  sync.Mutex
	stopping bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a node for id. dialer opens connections to peers learned
// through relays and may be nil.
func New(cfg config.StreamConfig, id identity.Identity, dialer connmgr.Dialer, opts ...Option) (*Node, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, oops.Wrapf(err, "stream node")
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:     cfg,
		id:      id,
		self:    id.Hash(),
		routes:  routes.NewTable(),
		seen:    cache.New[data.Hash](cfg.SeenCache.TTL, cfg.SeenCache.Size),
		pending: newPendingSet(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.canRelay.Store(cfg.CanRelay)
	n.conns = connmgr.New(n.self, connmgr.Options{
		ConnectionManagerConfig: cfg.ConnectionManager,
		QueueSize:               cfg.SendQueueSize,
		MaxFrameSize:            cfg.MaxFrameSize,
		Protect:                 n.pending.soleHop,
	}, dialer, linkHandler{n})

	log.WithFields(logger.Fields{
		"at":        "New",
		"self":      identity.Short(n.self),
		"can_relay": cfg.CanRelay,
	}).Debug("stream node created")
	return n, nil
}

// Start launches background work: the pruner loop when enabled.
func (n *Node) Start(ctx context.Context) {
	n.conns.Start(ctx)
}

// Stop closes every link, releases blocked writers and waits for background
// goroutines. Pending sends fail with ErrStopped.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.trackMu.Lock()
		n.stopping = true
		n.trackMu.Unlock()

		n.cancel()
		n.conns.Close()
		n.wg.Wait()
		n.seen.Close()
		log.WithFields(logger.Fields{
			"at":   "(Node) Stop",
			"self": identity.Short(n.self),
		}).Debug("stream node stopped")
	})
}

// Hash returns the local peer hash.
func (n *Node) Hash() data.Hash { return n.self }

// Events exposes the node's notification buses.
func (n *Node) Events() *events.Events { return &n.events }

// Routes exposes the route table for inspection.
func (n *Node) Routes() *routes.Table { return n.routes }

// Connections exposes the connection manager.
func (n *Node) Connections() *connmgr.Manager { return n.conns }

// SetCanRelay toggles forwarding of messages for other nodes.
func (n *Node) SetCanRelay(v bool) { n.canRelay.Store(v) }

// CanRelay reports whether the node forwards messages for other nodes.
func (n *Node) CanRelay() bool { return n.canRelay.Load() }

// AddConnection hands the node an authenticated stream opened by remote.
func (n *Node) AddConnection(remote data.Hash, conn io.ReadWriteCloser) error {
	_, err := n.conns.Accept(remote, conn)
	return err
}

// AddOutbound hands the node a stream it opened to remote itself.
func (n *Node) AddOutbound(remote data.Hash, conn io.ReadWriteCloser) error {
	_, err := n.conns.AddLink(remote, conn, n.self)
	return err
}

// Dial opens a link to peer through the node's dialer.
func (n *Node) Dial(ctx context.Context, peer data.Hash) error {
	_, err := n.conns.Dial(ctx, peer)
	return err
}

// HangUp closes the link to peer.
func (n *Node) HangUp(peer data.Hash) bool {
	return n.conns.HangUp(peer)
}

// IsReachable reports whether dest has a link or a known route.
func (n *Node) IsReachable(dest data.Hash) bool {
	return n.routes.IsReachable(n.self, dest)
}

// goTracked runs fn on a goroutine Stop waits for, unless the node is
// already stopping.
func (n *Node) goTracked(fn func()) {
	n.trackMu.Lock()
	if n.stopping {
		n.trackMu.Unlock()
		return
	}
	n.wg.Add(1)
	n.trackMu.Unlock()

	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// linkHandler adapts link traffic to the node without exporting the
// callbacks on Node itself.
type linkHandler struct{ n *Node }

func (h linkHandler) HandleFrame(from data.Hash, body []byte) { h.n.handleFrame(from, body) }

func (h linkHandler) LinkUp(peer data.Hash) {
	n := h.n
	was := n.routes.IsReachable(n.self, peer)
	n.routes.Add(n.self, peer, peer, 1, n.routes.NextSession())
	if !was {
		n.events.Reachable.Emit(peer)
	}
}

func (h linkHandler) LinkDown(peer data.Hash) {
	n := h.n
	for _, p := range n.routes.Invalidate(peer) {
		if p.Origin == n.self {
			n.events.Unreachable.Emit(p.Destination)
		}
	}
}
