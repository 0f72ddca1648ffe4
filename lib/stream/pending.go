package stream

import (
	"sync"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/routes"
	"github.com/go-i2p/go-overlay/lib/wire"
)

// request tracks one outbound Seek or Acknowledge send until its window
// closes. Hits are buffered here and only reach the route table when the
// request finishes.
type request struct {
	id        data.Hash
	mode      wire.Mode
	session   uint64
	targets   []data.Hash
	firstHops map[data.Hash]struct{}
	required  int

	mu        sync.Mutex
	hits      map[data.Hash][]routes.Hit // target -> measured hops
	satisfied chan struct{}
	closed    bool
}

func newRequest(id data.Hash, mode wire.Mode, session uint64, targets []data.Hash, firstHops []data.Hash, redundancy int) *request {
	hops := make(map[data.Hash]struct{}, len(firstHops))
	for _, h := range firstHops {
		hops[h] = struct{}{}
	}
	required := redundancy
	if len(hops) < required {
		required = len(hops)
	}
	if required < 1 {
		required = 1
	}
	return &request{
		id:        id,
		mode:      mode,
		session:   session,
		targets:   targets,
		firstHops: hops,
		required:  required,
		hits:      make(map[data.Hash][]routes.Hit),
		satisfied: make(chan struct{}),
	}
}

// hit records an acknowledgement from target that arrived through via.
// Repeated hits through the same neighbour keep the cheapest cost.
func (r *request) hit(target, via data.Hash, cost int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	hits := r.hits[target]
	for i := range hits {
		if hits[i].Via == via {
			if cost < hits[i].Cost {
				hits[i].Cost = cost
			}
			return
		}
	}
	r.hits[target] = append(hits, routes.Hit{Via: via, Cost: cost})
	if len(r.targets) > 0 && r.complete() {
		r.closed = true
		close(r.satisfied)
	}
}

// complete reports whether every target has the required number of
// distinct first hops acknowledged. Must be called with mu held.
func (r *request) complete() bool {
	for _, t := range r.targets {
		if len(r.hits[t]) < r.required {
			return false
		}
	}
	return true
}

// finish stops accepting hits and returns what was gathered.
func (r *request) finish() map[data.Hash][]routes.Hit {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.satisfied)
	}
	return r.hits
}

// soleHop reports whether peer is the only first hop of this request.
func (r *request) soleHop(peer data.Hash) bool {
	if len(r.firstHops) != 1 {
		return false
	}
	_, ok := r.firstHops[peer]
	return ok
}

// pendingSet indexes in-flight requests by message id.
type pendingSet struct {
	mu   sync.RWMutex
	reqs map[data.Hash]*request
}

func newPendingSet() *pendingSet {
	return &pendingSet{reqs: make(map[data.Hash]*request)}
}

func (p *pendingSet) add(r *request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs[r.id] = r
}

func (p *pendingSet) remove(id data.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reqs, id)
}

func (p *pendingSet) get(id data.Hash) (*request, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.reqs[id]
	return r, ok
}

func (p *pendingSet) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.reqs)
}

// soleHop reports whether any in-flight request depends on peer alone.
func (p *pendingSet) soleHop(peer data.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, r := range p.reqs {
		if r.soleHop(peer) {
			return true
		}
	}
	return false
}
