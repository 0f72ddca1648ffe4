package util

import (
	"io"
	"sync"
)

// Closers closes a set of resources in reverse registration order, once.
type Closers struct {
	mu      sync.Mutex
	closers []io.Closer
	closed  bool
}

// Add registers c. If the set is already closed c is closed immediately.
func (s *Closers) Add(c io.Closer) {
	s.mu.Lock()
	if !s.closed {
		s.closers = append(s.closers, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	closeOne(c)
}

// Close closes every registered resource, newest first. Errors are logged.
func (s *Closers) Close() error {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.closed = true
	s.mu.Unlock()

	log.WithField("count", len(closers)).Debug("closing registered resources")
	for i := len(closers) - 1; i >= 0; i-- {
		closeOne(closers[i])
	}
	return nil
}

func closeOne(c io.Closer) {
	if err := c.Close(); err != nil {
		log.WithError(err).Warn("error closing resource")
	}
}
