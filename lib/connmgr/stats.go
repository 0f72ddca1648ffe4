package connmgr

import (
	"sync"
	"time"

	"github.com/go-i2p/common/data"
)

// DialStats counts dial outcomes for one peer.
type DialStats struct {
	Hash             data.Hash
	Attempts         int
	Successes        int
	Failures         int
	ConsecutiveFails int
	LastAttempt      time.Time
	LastSuccess      time.Time
	LastFailure      time.Time
}

type dialTracker struct {
	mu    sync.Mutex
	stats map[data.Hash]*DialStats
}

func newDialTracker() *dialTracker {
	return &dialTracker{stats: make(map[data.Hash]*DialStats)}
}

// Must be called with mu held.
func (t *dialTracker) get(h data.Hash) *DialStats {
	s, ok := t.stats[h]
	if !ok {
		s = &DialStats{Hash: h}
		t.stats[h] = s
	}
	return s
}

func (t *dialTracker) attempt(h data.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(h)
	s.Attempts++
	s.LastAttempt = time.Now()
}

func (t *dialTracker) success(h data.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(h)
	s.Successes++
	s.ConsecutiveFails = 0
	s.LastSuccess = time.Now()
}

func (t *dialTracker) failure(h data.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.get(h)
	s.Failures++
	s.ConsecutiveFails++
	s.LastFailure = time.Now()
}

func (t *dialTracker) snapshot(h data.Hash) (DialStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.stats[h]
	if !ok {
		return DialStats{}, false
	}
	return *s, true
}
