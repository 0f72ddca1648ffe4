// Package connmgr owns the set of open links. It admits inbound and
// outbound connections, dials peers that are reachable only through
// relays, and prunes the least valuable links under bandwidth or buffer
// pressure.
package connmgr

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/cache"
	"github.com/go-i2p/go-overlay/lib/config"
	"github.com/go-i2p/go-overlay/lib/identity"
	"github.com/go-i2p/go-overlay/lib/link"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/time/rate"
)

// Dialer opens an authenticated byte stream to a peer.
type Dialer interface {
	Dial(ctx context.Context, peer data.Hash) (io.ReadWriteCloser, error)
}

// Handler receives link traffic and lifecycle changes. LinkUp is called
// before the link starts reading; LinkDown after it has fully closed.
type Handler interface {
	HandleFrame(from data.Hash, body []byte)
	LinkUp(peer data.Hash)
	LinkDown(peer data.Hash)
}

// Options configures a Manager.
type Options struct {
	config.ConnectionManagerConfig

	// QueueSize and MaxFrameSize are passed to every link.
	QueueSize    int
	MaxFrameSize int

	// Protect reports whether a peer must not be pruned right now, for
	// example because it is the only first hop of an in-flight request.
	Protect func(peer data.Hash) bool
}

type managedLink struct {
	*link.Link
	initiator data.Hash
}

// peerRecordSize bounds the pruned-peer and recent-dial records.
const peerRecordSize = 4096

// Manager is safe for concurrent use.
type Manager struct {
	self    data.Hash
	opts    Options
	dialer  Dialer
	handler Handler

	mu     sync.RWMutex
	links  map[data.Hash]*managedLink
	closed bool

	pruned      *cache.Cache[data.Hash]
	recentDials *cache.Cache[data.Hash]
	limiter     *rate.Limiter
	dials       *dialTracker

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager for the local node self. dialer may be nil, in
// which case Dial always fails with ErrDialDisabled.
func New(self data.Hash, opts Options, dialer Dialer, handler Handler) *Manager {
	limit := rate.Inf
	if opts.Dialer.Rate > 0 {
		limit = rate.Limit(opts.Dialer.Rate)
	}
	burst := opts.Dialer.Burst
	if burst < 1 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		self:        self,
		opts:        opts,
		dialer:      dialer,
		handler:     handler,
		links:       make(map[data.Hash]*managedLink),
		pruned:      cache.New[data.Hash](opts.Pruner.Cooldown, peerRecordSize),
		recentDials: cache.New[data.Hash](opts.Dialer.RetryDelay, peerRecordSize),
		limiter:     rate.NewLimiter(limit, burst),
		dials:       newDialTracker(),
		kick:        make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Accept admits a connection opened by remote.
func (m *Manager) Accept(remote data.Hash, conn io.ReadWriteCloser) (*link.Link, error) {
	return m.AddLink(remote, conn, remote)
}

// AddLink admits conn as the link to remote. initiator names the side that
// opened the connection. When two connections to the same peer race, both
// ends keep the one initiated by the lower hash and close the other.
func (m *Manager) AddLink(remote data.Hash, conn io.ReadWriteCloser, initiator data.Hash) (*link.Link, error) {
	if remote == m.self {
		conn.Close()
		return nil, ErrSelfLink
	}
	if m.pruned.Has(remote) {
		conn.Close()
		log.WithFields(logger.Fields{
			"at":     "(Manager) AddLink",
			"reason": "pruned_peer",
			"peer":   identity.Short(remote),
		}).Debug("refusing connection")
		return nil, oops.Wrapf(ErrPrunedPeer, "peer %s", identity.Short(remote))
	}

	ml := &managedLink{initiator: initiator}
	ml.Link = link.New(remote, conn, link.Options{
		QueueSize:    m.opts.QueueSize,
		MaxFrameSize: m.opts.MaxFrameSize,
		OnFrame: func(l *link.Link, body []byte) {
			if m.handler != nil {
				m.handler.HandleFrame(l.Remote(), body)
			}
		},
		OnClose: func(*link.Link) { m.linkClosed(ml) },
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return nil, ErrManagerClosed
	}
	var replaced *managedLink
	if existing, ok := m.links[remote]; ok {
		if !m.prefer(remote, ml, existing) {
			m.mu.Unlock()
			conn.Close()
			return existing.Link, nil
		}
		replaced = existing
	}
	m.links[remote] = ml
	m.mu.Unlock()

	if replaced != nil {
		replaced.Close()
	} else if m.handler != nil {
		m.handler.LinkUp(remote)
	}
	ml.Start()

	log.WithFields(logger.Fields{
		"at":       "(Manager) AddLink",
		"peer":     identity.Short(remote),
		"outbound": initiator == m.self,
		"replaced": replaced != nil,
	}).Debug("link added")
	m.Kick()
	return ml.Link, nil
}

// prefer reports whether candidate should replace existing.
func (m *Manager) prefer(remote data.Hash, candidate, existing *managedLink) bool {
	lower := m.self
	if bytes.Compare(remote[:], m.self[:]) < 0 {
		lower = remote
	}
	return candidate.initiator == lower && existing.initiator != lower
}

func (m *Manager) linkClosed(ml *managedLink) {
	remote := ml.Remote()
	m.mu.Lock()
	current, ok := m.links[remote]
	removed := ok && current == ml
	if removed {
		delete(m.links, remote)
	}
	m.mu.Unlock()

	if removed && m.handler != nil {
		m.handler.LinkDown(remote)
	}
}

// Link returns the open link to peer.
func (m *Manager) Link(peer data.Hash) (*link.Link, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ml, ok := m.links[peer]
	if !ok {
		return nil, false
	}
	return ml.Link, true
}

// Neighbors returns the hashes of every linked peer.
func (m *Manager) Neighbors() []data.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]data.Hash, 0, len(m.links))
	for h := range m.links {
		out = append(out, h)
	}
	return out
}

// Len returns the number of links.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links)
}

// HangUp closes the link to peer. It reports whether a link existed.
func (m *Manager) HangUp(peer data.Hash) bool {
	l, ok := m.Link(peer)
	if !ok {
		return false
	}
	l.Close()
	return true
}

// IsPruned reports whether peer is in its prune cooldown.
func (m *Manager) IsPruned(peer data.Hash) bool {
	return m.pruned.Has(peer)
}

// ClearPruned forgets every pruned peer so they may reconnect at once.
func (m *Manager) ClearPruned() {
	m.pruned.Clear()
}

// DialStats returns the dial counters for peer.
func (m *Manager) DialStats(peer data.Hash) (DialStats, bool) {
	return m.dials.snapshot(peer)
}

// Close stops the pruner, closes every link and waits for them to shut
// down. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	links := make([]*managedLink, 0, len(m.links))
	for _, ml := range m.links {
		links = append(links, ml)
	}
	m.mu.Unlock()

	m.cancel()
	for _, ml := range links {
		ml.Close()
	}
	for _, ml := range links {
		<-ml.Done()
	}
	m.wg.Wait()
	m.pruned.Close()
	m.recentDials.Close()
	return nil
}
