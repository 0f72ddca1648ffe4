package transport

import (
	"context"
	"io"

	"github.com/go-i2p/common/data"
)

// Transport opens streams to peers.
type Transport interface {
	// Name identifies the transport in logs.
	Name() string
	// Compatible reports whether the transport knows how to reach peer.
	Compatible(peer data.Hash) bool
	// Dial opens a stream to peer.
	Dial(ctx context.Context, peer data.Hash) (io.ReadWriteCloser, error)
	// Close stops accepting and dialing.
	Close() error
}

// Acceptor takes ownership of a connection opened by remote.
type Acceptor interface {
	AddConnection(remote data.Hash, conn io.ReadWriteCloser) error
}
