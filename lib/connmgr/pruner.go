package connmgr

import (
	"context"
	"time"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/identity"
	"github.com/go-i2p/logger"
)

// Start launches the pruner loop when pruning is enabled. The loop stops
// when ctx ends or the manager is closed.
func (m *Manager) Start(ctx context.Context) {
	if !m.opts.Pruner.Enabled || m.opts.Pruner.Interval <= 0 {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

func (m *Manager) run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Pruner.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(true)
		case <-m.kick:
			m.Evaluate(false)
		}
	}
}

// Kick asks the pruner loop to evaluate buffer pressure without waiting for
// the next tick.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

type linkValue struct {
	peer    data.Hash
	value   uint64
	queued  int64
	opened  time.Time
	managed *managedLink
}

// Evaluate closes at most one link and returns its peer. Links whose queued
// bytes exceed MaxBuffer are candidates first; otherwise, when the bytes
// written across all links in the current window exceed Bandwidth, every
// link is a candidate. The candidate with the fewest bytes written in the
// window is pruned. Protected peers are never pruned and the link count
// never drops below MinConnections. When endWindow is set, or a link was
// pruned, the bandwidth window restarts.
func (m *Manager) Evaluate(endWindow bool) (data.Hash, bool) {
	cfg := m.opts.Pruner

	m.mu.RLock()
	values := make([]linkValue, 0, len(m.links))
	for h, ml := range m.links {
		values = append(values, linkValue{
			peer:    h,
			value:   ml.WindowBytes(),
			queued:  ml.QueuedBytes(),
			opened:  ml.Opened(),
			managed: ml,
		})
	}
	m.mu.RUnlock()

	var total uint64
	for _, v := range values {
		total += v.value
	}

	var victim *linkValue
	if len(values) > m.opts.MinConnections {
		var candidates []linkValue
		reason := "max_buffer"
		if cfg.MaxBuffer > 0 {
			for _, v := range values {
				if v.queued > cfg.MaxBuffer {
					candidates = append(candidates, v)
				}
			}
		}
		if len(candidates) == 0 && cfg.Bandwidth > 0 && total > cfg.Bandwidth {
			candidates = values
			reason = "bandwidth"
		}
		victim = m.pickVictim(candidates)
		if victim != nil {
			log.WithFields(logger.Fields{
				"at":     "(Manager) Evaluate",
				"reason": reason,
				"peer":   identity.Short(victim.peer),
				"value":  victim.value,
				"queued": victim.queued,
				"total":  total,
			}).Debug("pruning link")
			if m.opts.Pruner.Cooldown > 0 {
				m.pruned.Add(victim.peer)
			}
			victim.managed.Close()
		}
	}

	if endWindow || victim != nil {
		for _, v := range values {
			v.managed.ResetWindow()
		}
	}
	if victim == nil {
		return data.Hash{}, false
	}
	return victim.peer, true
}

func (m *Manager) pickVictim(candidates []linkValue) *linkValue {
	var victim *linkValue
	for i := range candidates {
		c := &candidates[i]
		if m.opts.Protect != nil && m.opts.Protect(c.peer) {
			continue
		}
		if victim == nil || c.value < victim.value ||
			(c.value == victim.value && c.opened.After(victim.opened)) {
			victim = c
		}
	}
	return victim
}
