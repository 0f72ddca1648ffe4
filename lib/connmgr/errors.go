package connmgr

import "errors"

var (
	// ErrPrunedPeer is returned for a peer still in its prune cooldown.
	ErrPrunedPeer = errors.New("peer was pruned recently")
	// ErrDialBackoff is returned when the peer was dialed within the retry delay.
	ErrDialBackoff = errors.New("peer dialed recently")
	// ErrDialDisabled is returned by Dial when dialing is switched off.
	ErrDialDisabled = errors.New("dialing disabled")
	// ErrSelfLink is returned when asked to link to the local node.
	ErrSelfLink = errors.New("cannot link to self")
	// ErrManagerClosed is returned once Close has been called.
	ErrManagerClosed = errors.New("connection manager closed")
)
