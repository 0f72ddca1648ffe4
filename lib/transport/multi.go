package transport

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/identity"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

// DefaultMaxConnections is the default maximum number of connections a
// Muxer keeps open at once.
const DefaultMaxConnections = 1024

// Compile-time check that Muxer implements Transport.
var _ Transport = (*Muxer)(nil)

// Muxer combines several transports into one, trying them in order.
type Muxer struct {
	trans []Transport

	// MaxConnections bounds the connections opened through the muxer that
	// are still open. 0 means DefaultMaxConnections.
	MaxConnections int

	active atomic.Int32
}

// Mux combines t, most preferred first.
func Mux(t ...Transport) *Muxer {
	log.WithFields(logger.Fields{
		"at":              "Mux",
		"transport_count": len(t),
	}).Debug("creating transport muxer")
	return &Muxer{trans: append([]Transport(nil), t...)}
}

// MuxWithLimit is Mux with a connection limit.
func MuxWithLimit(maxConnections int, t ...Transport) *Muxer {
	m := Mux(t...)
	m.MaxConnections = maxConnections
	return m
}

// Name lists the muxed transports.
func (m *Muxer) Name() string {
	names := make([]string, 0, len(m.trans))
	for _, t := range m.trans {
		names = append(names, t.Name())
	}
	return "mux(" + strings.Join(names, ", ") + ")"
}

// Compatible reports whether any muxed transport can reach peer.
func (m *Muxer) Compatible(peer data.Hash) bool {
	for _, t := range m.trans {
		if t.Compatible(peer) {
			return true
		}
	}
	return false
}

// Active returns the number of connections opened by the muxer that are
// still open.
func (m *Muxer) Active() int { return int(m.active.Load()) }

func (m *Muxer) limit() int {
	if m.MaxConnections > 0 {
		return m.MaxConnections
	}
	return DefaultMaxConnections
}

// Dial tries every compatible transport in order and returns the first
// stream opened. Closing the stream frees its slot in the pool.
func (m *Muxer) Dial(ctx context.Context, peer data.Hash) (io.ReadWriteCloser, error) {
	if int(m.active.Load()) >= m.limit() {
		log.WithFields(logger.Fields{
			"at":     "(Muxer) Dial",
			"reason": "pool_full",
			"active": m.active.Load(),
			"limit":  m.limit(),
		}).Warn("refusing dial")
		return nil, ErrConnectionPoolFull
	}

	var lastErr error
	for i, t := range m.trans {
		if !t.Compatible(peer) {
			continue
		}
		conn, err := t.Dial(ctx, peer)
		if err != nil {
			log.WithFields(logger.Fields{
				"at":              "(Muxer) Dial",
				"reason":          "dial_failed",
				"transport":       t.Name(),
				"transport_index": i,
				"peer":            identity.Short(peer),
			}).WithError(err).Debug("dial failed, trying next transport")
			lastErr = err
			continue
		}
		m.active.Add(1)
		return &tracked{ReadWriteCloser: conn, release: m.release}, nil
	}

	if lastErr != nil {
		return nil, oops.Wrapf(lastErr, "every transport failed for %s", identity.Short(peer))
	}
	return nil, oops.Wrapf(ErrNoTransportAvailable, "peer %s", identity.Short(peer))
}

func (m *Muxer) release() {
	if m.active.Add(-1) < 0 {
		m.active.Store(0)
	}
}

// Close closes every muxed transport and returns the last error.
func (m *Muxer) Close() error {
	var err error
	for i, t := range m.trans {
		if cerr := t.Close(); cerr != nil {
			log.WithFields(logger.Fields{
				"at":              "(Muxer) Close",
				"reason":          "transport_close_failed",
				"transport_index": i,
			}).WithError(cerr).Warn("error closing transport")
			err = cerr
		}
	}
	return err
}

// tracked releases its pool slot on the first Close.
type tracked struct {
	io.ReadWriteCloser
	once    sync.Once
	release func()
}

func (t *tracked) Close() error {
	err := t.ReadWriteCloser.Close()
	t.once.Do(t.release)
	return err
}
