package transport

import "errors"

var (
	// ErrNoTransportAvailable is returned when no muxed transport knows how
	// to reach a peer.
	ErrNoTransportAvailable = errors.New("no transports available")
	// ErrConnectionPoolFull is returned when the muxer has opened its
	// maximum number of connections.
	ErrConnectionPoolFull = errors.New("connection pool full")
)
