package wire

import (
	"encoding/binary"
	"io"

	"github.com/samber/oops"
)

// frameHeaderSize is the length prefix written before every body.
const frameHeaderSize = 4

// AppendFrame appends the length-prefixed form of body to b.
func AppendFrame(b, body []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(body)))
	return append(b, body...)
}

// WriteFrame writes body to w behind a 4-byte big-endian length in a single
// Write call.
func WriteFrame(w io.Writer, body []byte) error {
	frame := AppendFrame(make([]byte, 0, frameHeaderSize+len(body)), body)
	if _, err := w.Write(frame); err != nil {
		return oops.Wrapf(err, "write frame of %d bytes", len(body))
	}
	return nil
}

// ReadFrame reads one length-prefixed body from r. A length above max
// returns ErrFrameTooLarge without consuming the body; the stream is
// unusable afterwards. A max of zero disables the check.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if max > 0 && uint64(n) > uint64(max) {
		return nil, oops.Wrapf(ErrFrameTooLarge, "length %d over limit %d", n, max)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, oops.Wrapf(err, "read frame body of %d bytes", n)
	}
	return body, nil
}
