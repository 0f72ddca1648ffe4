package stream

import "errors"

var (
	// ErrNoValidReceivers is returned when a send has nobody to go to: every
	// target was the local node, or the node has no links at all.
	ErrNoValidReceivers = errors.New("no valid receivers")
	// ErrNoRoute is returned by a silent send when a target has neither a
	// link nor a known route.
	ErrNoRoute = errors.New("no route to target")
	// ErrTimeout is returned when a seek or acknowledged send is not
	// confirmed within the seek timeout. Copies already written stay
	// delivered.
	ErrTimeout = errors.New("delivery not confirmed before timeout")
	// ErrStopped is returned for sends issued or pending when the node stops.
	ErrStopped = errors.New("node stopped")
)
