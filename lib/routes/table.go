// Package routes records, for each (origin, destination) pair, the
// neighbours through which the destination was last seen and at what cost.
//
// All mutation happens through Table methods so ordering and session rules
// hold everywhere: candidates stay sorted by ascending cost with ties kept
// in recording order, an entry carries the newest session that touched it,
// and an entry whose candidate list empties is removed.
package routes

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/identity"
	"github.com/go-i2p/logger"
)

const shardCount = 32

// Candidate is one next hop towards a destination.
type Candidate struct {
	Hash     data.Hash
	Cost     int
	Session  uint64
	Recorded time.Time
}

// Hit is a measured next hop gathered during a seek cycle and applied with
// Commit.
type Hit struct {
	Via  data.Hash
	Cost int
}

// Pair identifies a route entry.
type Pair struct {
	Origin      data.Hash
	Destination data.Hash
}

type entry struct {
	session    uint64
	updated    time.Time
	candidates []Candidate
}

type shard struct {
	mu      sync.RWMutex
	entries map[Pair]*entry
}

// Table is safe for concurrent use. Entries are spread over shards so
// unrelated pairs never contend on one lock.
type Table struct {
	shards  [shardCount]shard
	session atomic.Uint64
}

// NewTable returns an empty table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i].entries = make(map[Pair]*entry)
	}
	return t
}

func (t *Table) shardFor(p Pair) *shard {
	return &t.shards[(int(p.Origin[31])+int(p.Destination[31])*7)%shardCount]
}

// NextSession returns a session number greater than every number it has
// returned before. Sessions start at the current unix time in nanoseconds so
// they keep increasing across restarts.
func (t *Table) NextSession() uint64 {
	for {
		prev := t.session.Load()
		next := uint64(time.Now().UnixNano())
		if next <= prev {
			next = prev + 1
		}
		if t.session.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Add records via as a next hop from origin towards dest. It returns false
// when session is older than the entry's session. A newer session retires
// relayed candidates recorded under older sessions; a direct candidate
// (via == dest) is only removed by Invalidate or Remove.
func (t *Table) Add(origin, via, dest data.Hash, cost int, session uint64) bool {
	p := Pair{Origin: origin, Destination: dest}
	s := t.shardFor(p)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, ok := s.entries[p]
	if !ok {
		s.entries[p] = &entry{
			session:    session,
			updated:    now,
			candidates: []Candidate{{Hash: via, Cost: cost, Session: session, Recorded: now}},
		}
		return true
	}
	if session < e.session {
		log.WithFields(logger.Fields{
			"at":      "(Table) Add",
			"reason":  "stale_session",
			"dest":    identity.Short(dest),
			"session": session,
			"current": e.session,
		}).Debug("rejected route")
		return false
	}
	if session > e.session {
		e.session = session
		e.candidates = slices.DeleteFunc(e.candidates, func(c Candidate) bool {
			return c.Session < session && c.Hash != dest
		})
	}

	if i := indexOf(e.candidates, via); i >= 0 {
		c := &e.candidates[i]
		if c.Session < session || cost < c.Cost {
			c.Cost = cost
		}
		c.Session = session
	} else {
		e.candidates = append(e.candidates, Candidate{Hash: via, Cost: cost, Session: session, Recorded: now})
	}
	sortCandidates(e.candidates)
	e.updated = now
	return true
}

// Commit replaces the relayed candidates of (origin, dest) with hits in one
// step. Direct candidates are kept. It returns false when session is older
// than the entry's. If the resulting list is empty the entry is removed.
func (t *Table) Commit(origin, dest data.Hash, session uint64, hits []Hit) bool {
	p := Pair{Origin: origin, Destination: dest}
	s := t.shardFor(p)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, ok := s.entries[p]
	if ok && session < e.session {
		return false
	}
	var next []Candidate
	if ok {
		for _, c := range e.candidates {
			if c.Hash == dest {
				next = append(next, c)
			}
		}
	}
	for _, h := range hits {
		if i := indexOf(next, h.Via); i >= 0 {
			if h.Cost < next[i].Cost {
				next[i].Cost = h.Cost
			}
			next[i].Session = session
			continue
		}
		next = append(next, Candidate{Hash: h.Via, Cost: h.Cost, Session: session, Recorded: now})
	}
	if len(next) == 0 {
		delete(s.entries, p)
		return true
	}
	sortCandidates(next)
	s.entries[p] = &entry{session: session, updated: now, candidates: next}
	return true
}

// FindNeighbor returns a copy of the candidates from origin towards dest,
// cheapest first.
func (t *Table) FindNeighbor(origin, dest data.Hash) ([]Candidate, bool) {
	p := Pair{Origin: origin, Destination: dest}
	s := t.shardFor(p)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[p]
	if !ok {
		return nil, false
	}
	return slices.Clone(e.candidates), true
}

// IsReachable reports whether any candidate exists from origin towards dest.
func (t *Table) IsReachable(origin, dest data.Hash) bool {
	_, ok := t.FindNeighbor(origin, dest)
	return ok
}

// Updated returns when the entry for (origin, dest) last changed.
func (t *Table) Updated(origin, dest data.Hash) (time.Time, bool) {
	p := Pair{Origin: origin, Destination: dest}
	s := t.shardFor(p)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[p]
	if !ok {
		return time.Time{}, false
	}
	return e.updated, true
}

// Fanout picks up to redundancy next hops per destination and groups the
// destinations by next hop, so destinations sharing a hop cost one send.
// Among equally cheap candidates a hop already chosen for another
// destination is preferred. Hops in exclude are never chosen. Destinations
// with no usable candidate are returned in missing.
func (t *Table) Fanout(origin data.Hash, dests []data.Hash, redundancy int, exclude map[data.Hash]struct{}) (map[data.Hash][]data.Hash, []data.Hash) {
	if redundancy < 1 {
		redundancy = 1
	}
	groups := make(map[data.Hash][]data.Hash)
	var missing []data.Hash

	for _, dest := range dests {
		cands, _ := t.FindNeighbor(origin, dest)
		avail := cands[:0]
		for _, c := range cands {
			if _, skip := exclude[c.Hash]; !skip {
				avail = append(avail, c)
			}
		}
		if len(avail) == 0 {
			missing = append(missing, dest)
			continue
		}
		for picked := 0; picked < redundancy && len(avail) > 0; picked++ {
			choice := 0
			for i, c := range avail {
				if c.Cost > avail[0].Cost {
					break
				}
				if _, used := groups[c.Hash]; used {
					choice = i
					break
				}
			}
			hop := avail[choice].Hash
			groups[hop] = append(groups[hop], dest)
			avail = slices.Delete(avail, choice, choice+1)
		}
	}
	return groups, missing
}

// Invalidate removes neighbor from every candidate list and drops every
// entry whose destination is neighbor, relayed candidates included. It
// returns the pairs that became unreachable as a result.
func (t *Table) Invalidate(neighbor data.Hash) []Pair {
	var emptied []Pair
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for p, e := range s.entries {
			if p.Destination == neighbor {
				delete(s.entries, p)
				emptied = append(emptied, p)
				continue
			}
			n := len(e.candidates)
			e.candidates = slices.DeleteFunc(e.candidates, func(c Candidate) bool { return c.Hash == neighbor })
			if len(e.candidates) == n {
				continue
			}
			if len(e.candidates) == 0 {
				delete(s.entries, p)
				emptied = append(emptied, p)
			}
		}
		s.mu.Unlock()
	}
	if len(emptied) > 0 {
		log.WithFields(logger.Fields{
			"at":       "(Table) Invalidate",
			"neighbor": identity.Short(neighbor),
			"emptied":  len(emptied),
		}).Debug("invalidated routes")
	}
	return emptied
}

// Remove deletes the entry for (origin, dest). It reports whether one existed.
func (t *Table) Remove(origin, dest data.Hash) bool {
	p := Pair{Origin: origin, Destination: dest}
	s := t.shardFor(p)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[p]
	delete(s.entries, p)
	return ok
}

// Destinations returns every destination reachable from origin.
func (t *Table) Destinations(origin data.Hash) []data.Hash {
	var out []data.Hash
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for p := range s.entries {
			if p.Origin == origin {
				out = append(out, p.Destination)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Count returns the number of (origin, destination) pairs.
func (t *Table) Count() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// CountAll returns the number of candidates across all pairs.
func (t *Table) CountAll() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, e := range s.entries {
			n += len(e.candidates)
		}
		s.mu.RUnlock()
	}
	return n
}

func indexOf(cands []Candidate, h data.Hash) int {
	return slices.IndexFunc(cands, func(c Candidate) bool { return c.Hash == h })
}

func sortCandidates(cands []Candidate) {
	slices.SortStableFunc(cands, func(a, b Candidate) int { return a.Cost - b.Cost })
}
