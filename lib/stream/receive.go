package stream

import (
	"errors"
	"slices"
	"time"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/events"
	"github.com/go-i2p/go-overlay/lib/identity"
	"github.com/go-i2p/go-overlay/lib/wire"
	"github.com/go-i2p/logger"
)

// handleFrame is called on the receive goroutine of the link to from.
// It must not block on other links, so every outbound write it causes is
// handed to a tracked goroutine.
func (n *Node) handleFrame(from data.Hash, body []byte) {
	msg, err := wire.Decode(body)
	if err != nil {
		fields := logger.Fields{
			"at":   "(Node) handleFrame",
			"from": identity.Short(from),
			"size": len(body),
		}
		if errors.Is(err, wire.ErrUnknownFrame) {
			fields["reason"] = "unknown_frame"
			log.WithFields(fields).Debug("dropping frame")
			return
		}
		fields["reason"] = "malformed_frame"
		log.WithFields(fields).WithError(err).Warn("dropping frame")
		return
	}
	signed, err := wire.Signed(body)
	if err != nil {
		return
	}
	id := data.HashData(signed)

	n.events.Message.Emit(events.Message{From: from, ID: id, Kind: msg.Kind(), Body: body})

	switch m := msg.(type) {
	case *wire.Data:
		n.handleData(from, id, signed, m)
	case *wire.Ack:
		n.handleAck(from, signed, m)
	}
}

func (n *Node) verify(signer data.Hash, signed, sig []byte) error {
	if n.verifier == nil {
		return nil
	}
	return n.verifier.Verify(signer, signed, sig)
}

func (n *Node) handleData(from, id data.Hash, signed []byte, d *wire.Data) {
	if d.Origin == n.self {
		return
	}
	if err := n.verify(d.Origin, signed, d.Signature); err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Node) handleData",
			"from":   identity.Short(from),
			"origin": identity.Short(d.Origin),
			"reason": "bad_signature",
		}).WithError(err).Warn("dropping data")
		return
	}

	count := n.seen.Touch(id)
	target := d.HasTarget(n.self)

	// A target answers every copy up to the redundancy so the origin can
	// measure several independent paths.
	if d.Mode.Traced() && (target || len(d.To) == 0) && count < int(d.Redundancy) {
		n.sendAck(id, count, d)
	}
	if count > 0 {
		return
	}

	if len(d.To) == 0 || target {
		n.events.Data.Emit(events.Data{ID: id, Origin: d.Origin, From: from, Payload: d.Payload})
	}
	if n.CanRelay() {
		n.relay(from, d)
	}
}

// relay forwards d for other nodes. Flooding modes go to every neighbour not
// known to have the message already; routed modes go to the hops covering
// the remaining targets, flooding only those without a route.
func (n *Node) relay(from data.Hash, d *wire.Data) {
	exclude := map[data.Hash]struct{}{from: {}, d.Origin: {}}
	for _, h := range d.Trace {
		exclude[h] = struct{}{}
	}

	responsible := d.Forward
	if len(responsible) == 0 {
		responsible = d.To
	}
	var remaining []data.Hash
	for _, t := range responsible {
		if _, done := exclude[t]; !done && t != n.self {
			remaining = append(remaining, t)
		}
	}
	if len(d.To) > 0 && len(remaining) == 0 {
		return
	}

	fwd := *d
	if d.Mode.Traced() {
		fwd.Trace = append(slices.Clone(d.Trace), n.self)
	}

	if d.Mode == wire.ModeAnyWhere || d.Mode == wire.ModeSeek || len(d.To) == 0 {
		fwd.Forward = nil
		n.sendEach(n.flood(exclude), &fwd, "(Node) relay")
		return
	}

	groups, missing := n.plan(d.Origin, remaining, int(d.Redundancy), exclude)
	n.sendGroups(groups, &fwd, "(Node) relay")
	if len(missing) > 0 {
		fwd.Forward = missing
		n.sendEach(n.flood(exclude), &fwd, "(Node) relay")
	}
}

// plan groups targets by the next hop that should carry them. Linked
// targets go direct; the rest use routes recorded for origin and then routes
// of our own. Hops in exclude are never used.
func (n *Node) plan(origin data.Hash, targets []data.Hash, redundancy int, exclude map[data.Hash]struct{}) (map[data.Hash][]data.Hash, []data.Hash) {
	groups := make(map[data.Hash][]data.Hash)
	var rest []data.Hash
	for _, t := range targets {
		if _, skip := exclude[t]; !skip {
			if _, ok := n.conns.Link(t); ok {
				groups[t] = append(groups[t], t)
				continue
			}
		}
		rest = append(rest, t)
	}
	merge := func(g map[data.Hash][]data.Hash) {
		for hop, dests := range g {
			groups[hop] = append(groups[hop], dests...)
		}
	}
	if len(rest) > 0 && origin != n.self {
		g, missing := n.routes.Fanout(origin, rest, redundancy, exclude)
		merge(g)
		rest = missing
	}
	if len(rest) > 0 {
		g, missing := n.routes.Fanout(n.self, rest, redundancy, exclude)
		merge(g)
		rest = missing
	}
	return groups, rest
}

// flood lists every neighbour outside exclude.
func (n *Node) flood(exclude map[data.Hash]struct{}) []data.Hash {
	var hops []data.Hash
	for _, h := range n.conns.Neighbors() {
		if _, skip := exclude[h]; !skip {
			hops = append(hops, h)
		}
	}
	return hops
}

// sendGroups writes d to every hop with Forward narrowed to that hop's
// destinations.
func (n *Node) sendGroups(groups map[data.Hash][]data.Hash, d *wire.Data, at string) {
	for hop, dests := range groups {
		cp := *d
		cp.Forward = dests
		body, err := wire.Encode(&cp)
		if err != nil {
			n.logEncode(at, err)
			return
		}
		n.writeAsync(hop, body, at)
	}
}

// sendEach writes the same encoding of d to every hop.
func (n *Node) sendEach(hops []data.Hash, d *wire.Data, at string) {
	if len(hops) == 0 {
		return
	}
	body, err := wire.Encode(d)
	if err != nil {
		n.logEncode(at, err)
		return
	}
	for _, hop := range hops {
		n.writeAsync(hop, body, at)
	}
}

func (n *Node) logEncode(at string, err error) {
	log.WithFields(logger.Fields{
		"at":     at,
		"reason": "encode_failed",
	}).WithError(err).Debug("not forwarding")
}

// writeAsync queues body on the link to hop without blocking the caller.
func (n *Node) writeAsync(hop data.Hash, body []byte, at string) {
	n.goTracked(func() {
		l, ok := n.conns.Link(hop)
		if !ok {
			return
		}
		if err := l.Write(n.ctx, body); err != nil {
			log.WithFields(logger.Fields{
				"at":     at,
				"to":     identity.Short(hop),
				"reason": "write_failed",
			}).WithError(err).Debug("dropping copy")
		}
	})
}

// sendAck answers a traced message along the reverse of its trace.
func (n *Node) sendAck(id data.Hash, count int, d *wire.Data) {
	if count > 255 {
		count = 255
	}
	ack := &wire.Ack{
		MessageID:   id,
		Origin:      d.Origin,
		Target:      n.self,
		SeenCounter: uint8(count),
		Session:     d.Session,
		Timestamp:   time.Now().UnixMilli(),
		Hops:        1,
		Path:        slices.Clone(d.Trace),
	}
	next, ok := ack.NextHop()
	if !ok {
		return
	}
	sig, err := n.id.Sign(ack.Core())
	if err != nil {
		log.WithFields(logger.Fields{
			"at":     "(Node) sendAck",
			"reason": "sign_failed",
		}).WithError(err).Warn("not acknowledging")
		return
	}
	ack.Signature = sig
	body, err := wire.Encode(ack)
	if err != nil {
		n.logEncode("(Node) sendAck", err)
		return
	}
	n.writeAsync(next, body, "(Node) sendAck")
}

// handleAck pops the local node off the return path. At the origin the hit
// is credited to the pending request; elsewhere the route towards the
// target is recorded for the origin and the ack moves on.
func (n *Node) handleAck(from data.Hash, signed []byte, a *wire.Ack) {
	fields := logger.Fields{
		"at":     "(Node) handleAck",
		"from":   identity.Short(from),
		"target": identity.Short(a.Target),
	}
	if err := n.verify(a.Target, signed, a.Signature); err != nil {
		fields["reason"] = "bad_signature"
		log.WithFields(fields).WithError(err).Warn("dropping ack")
		return
	}
	next, ok := a.NextHop()
	if !ok || next != n.self {
		fields["reason"] = "not_on_path"
		log.WithFields(fields).Debug("dropping ack")
		return
	}
	path := a.Path[:len(a.Path)-1]

	if len(path) == 0 {
		if a.Origin != n.self {
			fields["reason"] = "foreign_origin"
			log.WithFields(fields).Debug("dropping ack")
			return
		}
		if r, ok := n.pending.get(a.MessageID); ok {
			r.hit(a.Target, from, int(a.Hops))
		}
		return
	}

	n.routes.Add(a.Origin, from, a.Target, int(a.Hops), a.Session)

	fwd := *a
	fwd.Path = slices.Clone(path)
	if fwd.Hops < 255 {
		fwd.Hops++
	}
	body, err := wire.Encode(&fwd)
	if err != nil {
		n.logEncode("(Node) handleAck", err)
		return
	}
	n.writeAsync(path[len(path)-1], body, "(Node) handleAck")
}
