package stream

import (
	"context"
	"errors"
	"time"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/identity"
	"github.com/go-i2p/go-overlay/lib/link"
	"github.com/go-i2p/go-overlay/lib/routes"
	"github.com/go-i2p/go-overlay/lib/wire"
	"github.com/go-i2p/logger"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"
)

// PublishOptions selects receivers and delivery mode for Publish.
type PublishOptions struct {
	// To lists the target peers. Empty means everyone.
	To []data.Hash
	// Mode forces a delivery mode. The zero value picks Silent when every
	// target has a fresh route, Seek when some do not and AnyWhere when
	// there are no targets.
	Mode wire.Mode
	// Redundancy is the number of independent paths per target. Zero uses
	// the configured default.
	Redundancy int
}

// Publish originates a message and returns its identifier. For Seek and
// Acknowledge it blocks until the targets confirm or the seek timeout
// passes; for the other modes it returns once every first hop accepted its
// copy.
func (n *Node) Publish(ctx context.Context, payload []byte, opts PublishOptions) (data.Hash, error) {
	if n.ctx.Err() != nil {
		return data.Hash{}, ErrStopped
	}
	redundancy := opts.Redundancy
	if redundancy == 0 {
		redundancy = n.cfg.DefaultRedundancy
	}
	if redundancy < 1 || redundancy > 255 {
		return data.Hash{}, oops.Errorf("redundancy %d out of range", redundancy)
	}

	to := n.receivers(opts.To)
	if len(opts.To) > 0 && len(to) == 0 {
		return data.Hash{}, ErrNoValidReceivers
	}
	mode := opts.Mode
	if mode == 0 {
		mode = n.chooseMode(to)
	} else if !mode.Valid() {
		return data.Hash{}, oops.Errorf("unknown delivery mode %d", uint8(mode))
	}

	d := &wire.Data{
		Header: wire.Header{
			Origin:     n.self,
			Timestamp:  time.Now().UnixMilli(),
			Session:    n.routes.NextSession(),
			Mode:       mode,
			Redundancy: uint8(redundancy),
			To:         to,
		},
		Payload: payload,
	}
	// ULID nonces sort by creation time.
	d.Nonce = [wire.NonceSize]byte(ulid.Make())
	if mode.Traced() {
		d.Trace = []data.Hash{n.self}
	}
	sig, err := n.id.Sign(d.Core())
	if err != nil {
		return data.Hash{}, oops.Wrapf(err, "signing message")
	}
	d.Signature = sig
	if _, err := wire.Encode(d); err != nil {
		return data.Hash{}, err
	}
	id := d.ID()
	n.seen.Touch(id)

	log.WithFields(logger.Fields{
		"at":         "(Node) Publish",
		"id":         identity.Short(id),
		"mode":       mode.String(),
		"targets":    len(to),
		"redundancy": redundancy,
	}).Debug("publishing")

	switch mode {
	case wire.ModeAnyWhere:
		return id, n.broadcast(ctx, d)
	case wire.ModeSilent:
		return id, n.sendSilent(ctx, d, redundancy)
	default:
		return id, n.sendTraced(ctx, d, id, redundancy)
	}
}

// receivers drops duplicates and the local node from to.
func (n *Node) receivers(to []data.Hash) []data.Hash {
	if len(to) == 0 {
		return nil
	}
	seen := make(map[data.Hash]struct{}, len(to))
	var out []data.Hash
	for _, t := range to {
		if t == n.self {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func (n *Node) chooseMode(to []data.Hash) wire.Mode {
	if len(to) == 0 {
		return wire.ModeAnyWhere
	}
	for _, t := range to {
		if _, ok := n.conns.Link(t); ok {
			continue
		}
		updated, ok := n.routes.Updated(n.self, t)
		if !ok || time.Since(updated) > n.cfg.RouteSeekInterval {
			return wire.ModeSeek
		}
	}
	return wire.ModeSilent
}

// writeAll writes body to every hop in parallel and reports the error of
// each, index aligned with hops.
func (n *Node) writeAll(ctx context.Context, hops []data.Hash, bodies func(data.Hash) ([]byte, error)) []error {
	errs := make([]error, len(hops))
	var g errgroup.Group
	for i, hop := range hops {
		g.Go(func() error {
			body, err := bodies(hop)
			if err == nil {
				err = n.writeTo(ctx, hop, body)
			}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (n *Node) writeTo(ctx context.Context, hop data.Hash, body []byte) error {
	l, ok := n.conns.Link(hop)
	if !ok {
		return oops.Wrapf(link.ErrLinkClosed, "no link to %s", identity.Short(hop))
	}
	return l.Write(ctx, body)
}

// broadcast writes d to every neighbour. It fails only when no copy could be
// handed to a link.
func (n *Node) broadcast(ctx context.Context, d *wire.Data) error {
	hops := n.conns.Neighbors()
	if len(hops) == 0 {
		return ErrNoValidReceivers
	}
	body, err := wire.Encode(d)
	if err != nil {
		return err
	}
	errs := n.writeAll(ctx, hops, func(data.Hash) ([]byte, error) { return body, nil })
	var failed error
	for _, err := range errs {
		if err == nil {
			return nil
		}
		failed = err
	}
	return oops.Wrapf(failed, "broadcast to %d neighbours", len(hops))
}

// sendSilent writes d along known routes. A hop whose link closes during the
// write is excluded and its destinations are re-planned through the
// remaining routes; the failure only surfaces when none is left.
func (n *Node) sendSilent(ctx context.Context, d *wire.Data, redundancy int) error {
	groups, missing := n.plan(n.self, d.To, redundancy, nil)
	if len(missing) > 0 {
		return oops.Wrapf(ErrNoRoute, "%d of %d targets, first %s", len(missing), len(d.To), identity.Short(missing[0]))
	}

	failed := make(map[data.Hash]struct{})
	for len(groups) > 0 {
		hops := make([]data.Hash, 0, len(groups))
		for hop := range groups {
			hops = append(hops, hop)
		}
		errs := n.writeAll(ctx, hops, func(hop data.Hash) ([]byte, error) {
			cp := *d
			cp.Forward = groups[hop]
			return wire.Encode(&cp)
		})

		delivered := make(map[data.Hash]struct{})
		var retry []data.Hash
		var lastErr error
		for i, hop := range hops {
			if errs[i] == nil {
				for _, dest := range groups[hop] {
					delivered[dest] = struct{}{}
				}
				continue
			}
			if !errors.Is(errs[i], link.ErrLinkClosed) {
				return errs[i]
			}
			lastErr = errs[i]
			failed[hop] = struct{}{}
			retry = append(retry, groups[hop]...)
		}
		if len(retry) == 0 {
			return nil
		}

		var pendingDests []data.Hash
		for _, dest := range retry {
			if _, ok := delivered[dest]; !ok {
				delivered[dest] = struct{}{}
				pendingDests = append(pendingDests, dest)
			}
		}
		if len(pendingDests) == 0 {
			return nil
		}
		log.WithFields(logger.Fields{
			"at":      "(Node) sendSilent",
			"targets": len(pendingDests),
			"reason":  "link_closed",
		}).Debug("re-planning through alternative hops")

		groups, missing = n.plan(n.self, pendingDests, 1, failed)
		if len(missing) > 0 {
			return oops.Wrapf(lastErr, "%d targets left without an alternative hop", len(missing))
		}
	}
	return nil
}

// sendTraced writes d for Seek or Acknowledge and waits for the
// acknowledgements that decide the outcome.
func (n *Node) sendTraced(ctx context.Context, d *wire.Data, id data.Hash, redundancy int) error {
	flood := d.Mode == wire.ModeSeek || len(d.To) == 0
	var groups map[data.Hash][]data.Hash
	if !flood {
		var missing []data.Hash
		groups, missing = n.plan(n.self, d.To, redundancy, nil)
		flood = len(missing) > 0
	}
	var hops []data.Hash
	if flood {
		groups = nil
		hops = n.conns.Neighbors()
	} else {
		for hop := range groups {
			hops = append(hops, hop)
		}
	}
	if len(hops) == 0 {
		return ErrNoValidReceivers
	}

	req := newRequest(id, d.Mode, d.Session, d.To, hops, redundancy)
	n.pending.add(req)
	defer n.pending.remove(id)

	wctx, cancel := context.WithTimeout(ctx, n.cfg.SeekTimeout)
	defer cancel()

	var encoded []byte
	if flood {
		body, err := wire.Encode(d)
		if err != nil {
			return err
		}
		encoded = body
	}
	for _, hop := range hops {
		n.goTracked(func() {
			body := encoded
			if body == nil {
				cp := *d
				cp.Forward = groups[hop]
				var err error
				if body, err = wire.Encode(&cp); err != nil {
					return
				}
			}
			if err := n.writeTo(wctx, hop, body); err != nil {
				log.WithFields(logger.Fields{
					"at":     "(Node) sendTraced",
					"to":     identity.Short(hop),
					"reason": "write_failed",
				}).WithError(err).Debug("copy not sent")
			}
		})
	}

	select {
	case <-req.satisfied:
	case <-wctx.Done():
	case <-n.ctx.Done():
		req.finish()
		return ErrStopped
	}
	hits := req.finish()
	confirmed := n.conclude(req, hits)

	if len(d.To) == 0 {
		if len(hits) > 0 {
			return nil
		}
	} else if confirmed == len(d.To) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return oops.Wrapf(ErrTimeout, "%s %s: %d of %d targets confirmed",
		d.Mode, identity.Short(id), confirmed, len(d.To))
}

// conclude commits the gathered hits to the route table, reports
// reachability changes and asks the connection manager for direct links to
// targets that only answered through relays. It returns how many targets
// are confirmed under the request's mode.
func (n *Node) conclude(req *request, hits map[data.Hash][]routes.Hit) int {
	dests := req.targets
	if len(dests) == 0 {
		for t := range hits {
			dests = append(dests, t)
		}
	}

	confirmed := 0
	for _, t := range dests {
		h := hits[t]
		if len(h) == 0 {
			if _, linked := n.conns.Link(t); !linked && n.routes.Remove(n.self, t) {
				n.events.Unreachable.Emit(t)
			}
			continue
		}
		if req.mode == wire.ModeSeek || len(h) >= req.required {
			confirmed++
		}

		was := n.routes.IsReachable(n.self, t)
		n.routes.Commit(n.self, t, req.session, h)
		if !was && n.routes.IsReachable(n.self, t) {
			n.events.Reachable.Emit(t)
		}
		if _, linked := n.conns.Link(t); !linked {
			n.conns.MaybeDial(t)
		}
	}
	return confirmed
}
