package connmgr

import (
	"context"
	"errors"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/identity"
	"github.com/go-i2p/go-overlay/lib/link"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// Dial opens a link to peer, or returns the existing one. A peer dialed
// within the retry delay fails with ErrDialBackoff and a pruned peer with
// ErrPrunedPeer. A zero retry delay disables the backoff. Dials across all peers are also held to the configured
// rate.
func (m *Manager) Dial(ctx context.Context, peer data.Hash) (*link.Link, error) {
	if !m.opts.Dialer.Enabled || m.dialer == nil {
		return nil, ErrDialDisabled
	}
	if peer == m.self {
		return nil, ErrSelfLink
	}
	if l, ok := m.Link(peer); ok {
		return l, nil
	}
	if m.pruned.Has(peer) {
		return nil, oops.Wrapf(ErrPrunedPeer, "dial %s", identity.Short(peer))
	}
	if m.opts.Dialer.RetryDelay > 0 && m.recentDials.Seen(peer) {
		return nil, oops.Wrapf(ErrDialBackoff, "dial %s", identity.Short(peer))
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, oops.Wrapf(err, "dial %s: rate limit wait", identity.Short(peer))
	}

	m.dials.attempt(peer)
	conn, err := m.dialer.Dial(ctx, peer)
	if err != nil {
		m.dials.failure(peer)
		return nil, oops.Wrapf(err, "dial %s", identity.Short(peer))
	}
	l, err := m.AddLink(peer, conn, m.self)
	if err != nil {
		m.dials.failure(peer)
		return nil, err
	}
	m.dials.success(peer)
	return l, nil
}

// MaybeDial dials peer in the background. Failures are logged and leave
// relay-based delivery untouched.
func (m *Manager) MaybeDial(peer data.Hash) {
	if !m.opts.Dialer.Enabled || m.dialer == nil || peer == m.self {
		return
	}
	if _, ok := m.Link(peer); ok {
		return
	}
	m.mu.RLock()
	closed := m.closed
	if !closed {
		m.wg.Add(1)
	}
	m.mu.RUnlock()
	if closed {
		return
	}

	go func() {
		defer m.wg.Done()
		if _, err := m.Dial(m.ctx, peer); err != nil {
			fields := logger.Fields{
				"at":   "(Manager) MaybeDial",
				"peer": identity.Short(peer),
			}
			if errors.Is(err, ErrDialBackoff) || errors.Is(err, ErrPrunedPeer) {
				fields["reason"] = "throttled"
				log.WithFields(fields).Debug("skipped dial")
				return
			}
			fields["reason"] = "dial_failed"
			log.WithFields(fields).WithError(err).Debug("background dial failed")
		}
	}()
}
