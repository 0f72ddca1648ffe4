package wire

import (
	"github.com/go-i2p/common/data"
)

const (
	// ProtocolTag is the first byte of every body produced by this package.
	ProtocolTag byte = 0xD5
	// Version is the current body layout version.
	Version byte = 1

	// KindData tags a Data message.
	KindData byte = 0x01
	// KindAck tags an Ack message.
	KindAck byte = 0x02

	// NonceSize is the length of the random nonce in a Data header.
	NonceSize = 16

	prefixSize = 3 + 4
	hashSize   = 32

	// MaxTargets bounds the target list of a Data header.
	MaxTargets = 1<<16 - 1
	// MaxPath bounds traversed and return paths.
	MaxPath = 255
)

// Message is implemented by *Data and *Ack.
type Message interface {
	Kind() byte
	appendCore(b []byte) []byte
	appendTail(b []byte) []byte
}

// Header is the immutable part of a Data message that drives delivery.
type Header struct {
	Nonce      [NonceSize]byte
	Origin     data.Hash
	Timestamp  int64
	Session    uint64
	Mode       Mode
	Redundancy uint8
	To         []data.Hash
}

// Data carries an opaque payload. Trace lists the nodes the message has
// traversed for traced modes, starting at the origin. Forward narrows the
// targets the receiving hop is responsible for; it is rewritten per hop and
// an empty Forward means every target in To.
type Data struct {
	Header
	Payload   []byte
	Signature []byte
	Trace     []data.Hash
	Forward   []data.Hash
}

// Kind implements Message.
func (d *Data) Kind() byte { return KindData }

// Core returns the bytes covered by the signature and the identifier.
func (d *Data) Core() []byte {
	return appendPrefix(nil, d)
}

// ID returns the content identifier of d.
func (d *Data) ID() data.Hash {
	return data.HashData(d.Core())
}

// HasTarget reports whether h is in the target set.
func (d *Data) HasTarget(h data.Hash) bool {
	for _, t := range d.To {
		if t == h {
			return true
		}
	}
	return false
}

// Ack confirms receipt of a traced Data message by Target. It travels back
// along Path, each relay popping itself off the end.
type Ack struct {
	MessageID   data.Hash
	Origin      data.Hash
	Target      data.Hash
	SeenCounter uint8
	Session     uint64
	Timestamp   int64

	Signature []byte
	// Hops is the distance from the current holder back to Target.
	Hops uint8
	Path []data.Hash
}

// Kind implements Message.
func (a *Ack) Kind() byte { return KindAck }

// Core returns the bytes covered by the signature and the identifier.
func (a *Ack) Core() []byte {
	return appendPrefix(nil, a)
}

// ID returns the content identifier of a.
func (a *Ack) ID() data.Hash {
	return data.HashData(a.Core())
}

// NextHop returns the last element of the return path.
func (a *Ack) NextHop() (data.Hash, bool) {
	if len(a.Path) == 0 {
		return data.Hash{}, false
	}
	return a.Path[len(a.Path)-1], true
}
