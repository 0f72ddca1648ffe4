package wire

import (
	"encoding/binary"
	"math"

	"github.com/go-i2p/common/data"
	"github.com/samber/oops"
)

// Encode serialises m into a frame body.
func Encode(m Message) ([]byte, error) {
	if err := validate(m); err != nil {
		return nil, err
	}
	b := appendPrefix(nil, m)
	return m.appendTail(b), nil
}

// Decode parses a frame body produced by Encode.
func Decode(body []byte) (Message, error) {
	kind, core, tail, err := split(body)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindData:
		d := &Data{}
		if err := d.decode(core, tail); err != nil {
			return nil, err
		}
		return d, nil
	case KindAck:
		a := &Ack{}
		if err := a.decode(core, tail); err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, ErrUnknownFrame
}

// Signed returns the prefix and core of an encoded body: the bytes a
// signature covers and the identifier hashes. It aliases body.
func Signed(body []byte) ([]byte, error) {
	if _, _, _, err := split(body); err != nil {
		return nil, err
	}
	coreLen := binary.BigEndian.Uint32(body[3:prefixSize])
	return body[:prefixSize+int(coreLen)], nil
}

// split checks the prefix and returns the kind with the core and tail slices.
func split(body []byte) (byte, []byte, []byte, error) {
	if len(body) < 3 || body[0] != ProtocolTag || body[1] != Version {
		return 0, nil, nil, ErrUnknownFrame
	}
	kind := body[2]
	if kind != KindData && kind != KindAck {
		return 0, nil, nil, ErrUnknownFrame
	}
	if len(body) < prefixSize {
		return 0, nil, nil, oops.Wrapf(ErrMalformedFrame, "body of %d bytes is shorter than prefix", len(body))
	}
	coreLen := binary.BigEndian.Uint32(body[3:prefixSize])
	if uint64(coreLen) > uint64(len(body)-prefixSize) {
		return 0, nil, nil, oops.Wrapf(ErrMalformedFrame, "core length %d exceeds body", coreLen)
	}
	end := prefixSize + int(coreLen)
	return kind, body[prefixSize:end], body[end:], nil
}

func appendPrefix(b []byte, m Message) []byte {
	b = append(b, ProtocolTag, Version, m.Kind(), 0, 0, 0, 0)
	start := len(b)
	b = m.appendCore(b)
	binary.BigEndian.PutUint32(b[start-4:start], uint32(len(b)-start))
	return b
}

func validate(m Message) error {
	switch msg := m.(type) {
	case *Data:
		if !msg.Mode.Valid() {
			return oops.Wrapf(ErrMalformedFrame, "invalid delivery %s", msg.Mode)
		}
		if msg.Redundancy == 0 {
			return oops.Wrapf(ErrMalformedFrame, "redundancy must be at least 1")
		}
		if len(msg.To) > MaxTargets || len(msg.Forward) > MaxTargets || len(msg.Trace) > MaxPath {
			return oops.Wrapf(ErrMalformedFrame, "%d targets, %d trace entries", len(msg.To), len(msg.Trace))
		}
		if uint64(len(msg.Payload)) > math.MaxUint32 || len(msg.Signature) > math.MaxUint16 {
			return oops.Wrapf(ErrMalformedFrame, "payload or signature too large")
		}
	case *Ack:
		if len(msg.Path) > MaxPath || len(msg.Signature) > math.MaxUint16 {
			return oops.Wrapf(ErrMalformedFrame, "%d path entries", len(msg.Path))
		}
	default:
		return oops.Errorf("unsupported message type %T", m)
	}
	return nil
}

func (d *Data) appendCore(b []byte) []byte {
	b = append(b, d.Nonce[:]...)
	b = append(b, d.Origin[:]...)
	b = binary.BigEndian.AppendUint64(b, uint64(d.Timestamp))
	b = binary.BigEndian.AppendUint64(b, d.Session)
	b = append(b, byte(d.Mode), d.Redundancy)
	b = binary.BigEndian.AppendUint16(b, uint16(len(d.To)))
	for _, h := range d.To {
		b = append(b, h[:]...)
	}
	b = binary.BigEndian.AppendUint32(b, uint32(len(d.Payload)))
	return append(b, d.Payload...)
}

func (d *Data) appendTail(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(d.Signature)))
	b = append(b, d.Signature...)
	b = append(b, byte(len(d.Trace)))
	for _, h := range d.Trace {
		b = append(b, h[:]...)
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(d.Forward)))
	for _, h := range d.Forward {
		b = append(b, h[:]...)
	}
	return b
}

func (d *Data) decode(core, tail []byte) error {
	r := &reader{b: core}
	copy(d.Nonce[:], r.take(NonceSize))
	d.Origin = r.hash()
	d.Timestamp = int64(r.u64())
	d.Session = r.u64()
	d.Mode = Mode(r.u8())
	d.Redundancy = r.u8()
	d.To = r.hashes(int(r.u16()))
	d.Payload = r.bytes(int(r.u32()))
	if err := r.finish("data core"); err != nil {
		return err
	}
	if !d.Mode.Valid() || d.Redundancy == 0 {
		return oops.Wrapf(ErrMalformedFrame, "data header mode %s redundancy %d", d.Mode, d.Redundancy)
	}

	r = &reader{b: tail}
	d.Signature = r.bytes(int(r.u16()))
	d.Trace = r.hashes(int(r.u8()))
	d.Forward = r.hashes(int(r.u16()))
	return r.finish("data tail")
}

func (a *Ack) appendCore(b []byte) []byte {
	b = append(b, a.MessageID[:]...)
	b = append(b, a.Origin[:]...)
	b = append(b, a.Target[:]...)
	b = append(b, a.SeenCounter)
	b = binary.BigEndian.AppendUint64(b, a.Session)
	return binary.BigEndian.AppendUint64(b, uint64(a.Timestamp))
}

func (a *Ack) appendTail(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(a.Signature)))
	b = append(b, a.Signature...)
	b = append(b, a.Hops, byte(len(a.Path)))
	for _, h := range a.Path {
		b = append(b, h[:]...)
	}
	return b
}

func (a *Ack) decode(core, tail []byte) error {
	r := &reader{b: core}
	a.MessageID = r.hash()
	a.Origin = r.hash()
	a.Target = r.hash()
	a.SeenCounter = r.u8()
	a.Session = r.u64()
	a.Timestamp = int64(r.u64())
	if err := r.finish("ack core"); err != nil {
		return err
	}

	r = &reader{b: tail}
	a.Signature = r.bytes(int(r.u16()))
	a.Hops = r.u8()
	a.Path = r.hashes(int(r.u8()))
	return r.finish("ack tail")
}

// reader consumes a byte slice and remembers the first short read.
type reader struct {
	b     []byte
	short bool
}

func (r *reader) take(n int) []byte {
	if r.short || n > len(r.b) {
		r.short = true
		return make([]byte, n)
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() uint8   { return r.take(1)[0] }
func (r *reader) u16() uint16 { return binary.BigEndian.Uint16(r.take(2)) }
func (r *reader) u32() uint32 { return binary.BigEndian.Uint32(r.take(4)) }
func (r *reader) u64() uint64 { return binary.BigEndian.Uint64(r.take(8)) }

func (r *reader) hash() data.Hash {
	var h data.Hash
	copy(h[:], r.take(hashSize))
	return h
}

func (r *reader) hashes(n int) []data.Hash {
	if n == 0 || r.short {
		return nil
	}
	if n*hashSize > len(r.b) {
		r.short = true
		return nil
	}
	out := make([]data.Hash, n)
	for i := range out {
		out[i] = r.hash()
	}
	return out
}

func (r *reader) bytes(n int) []byte {
	if n == 0 || r.short {
		return nil
	}
	if n > len(r.b) {
		r.short = true
		return nil
	}
	out := make([]byte, n)
	copy(out, r.take(n))
	return out
}

func (r *reader) finish(section string) error {
	if r.short {
		return oops.Wrapf(ErrMalformedFrame, "%s truncated", section)
	}
	if len(r.b) != 0 {
		return oops.Wrapf(ErrMalformedFrame, "%s has %d trailing bytes", section, len(r.b))
	}
	return nil
}
