// Package wire implements the binary framing of the overlay's two message
// kinds, Data and Ack.
//
// # Frame layout
//
// Every frame on a link is a big-endian uint32 length followed by a body:
//
//	tag(1) | version(1) | kind(1) | coreLen(4) | core(coreLen) | tail
//
// The core holds the immutable fields of a message and is what the message
// identifier hashes. The tail holds fields that change hop by hop (the
// traversed path of a Data message, the return path of an Ack) and the
// signature, so relays can append to the path or narrow the forward set
// without changing the id.
//
// Decode reports ErrUnknownFrame for bodies that do not carry this
// protocol's tag or carry an unknown kind, and ErrMalformedFrame for bodies
// whose kind is known but whose contents do not parse. Callers multiplexing
// several protocols on one stream drop the former silently.
package wire
