package tcp

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/identity"
	"github.com/samber/oops"
)

// ErrHandshake is returned when the far side does not speak the hello
// exchange or presents an unexpected hash.
var ErrHandshake = errors.New("tcp: handshake failed")

var magic = [4]byte{'G', 'O', 'V', 'L'}

const (
	helloVersion = 1
	helloSize    = len(magic) + 1 + 32
)

// hello exchanges peer hashes over conn. Both sides write first, so the
// exchange costs one round trip. When expect is non-zero the remote must
// present it. The deadline is cleared on success.
func hello(conn net.Conn, self, expect data.Hash, timeout time.Duration) (data.Hash, error) {
	var remote data.Hash
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return remote, oops.Wrapf(err, "set handshake deadline")
		}
	}

	out := make([]byte, 0, helloSize)
	out = append(out, magic[:]...)
	out = append(out, helloVersion)
	out = append(out, self[:]...)

	werr := make(chan error, 1)
	go func() {
		_, err := conn.Write(out)
		werr <- err
	}()

	in := make([]byte, helloSize)
	if _, err := io.ReadFull(conn, in); err != nil {
		return remote, oops.Wrapf(ErrHandshake, "read hello from %s: %s", conn.RemoteAddr(), err)
	}
	if err := <-werr; err != nil {
		return remote, oops.Wrapf(ErrHandshake, "write hello to %s: %s", conn.RemoteAddr(), err)
	}
	if [4]byte(in[:4]) != magic || in[4] != helloVersion {
		return remote, oops.Wrapf(ErrHandshake, "bad hello from %s", conn.RemoteAddr())
	}
	copy(remote[:], in[5:])
	if remote == self {
		return remote, oops.Wrapf(ErrHandshake, "%s presented our own hash", conn.RemoteAddr())
	}
	var zero data.Hash
	if expect != zero && remote != expect {
		return remote, oops.Wrapf(ErrHandshake, "%s is %s, want %s",
			conn.RemoteAddr(), identity.Short(remote), identity.Short(expect))
	}

	if timeout > 0 {
		if err := conn.SetDeadline(time.Time{}); err != nil {
			return remote, oops.Wrapf(err, "clear handshake deadline")
		}
	}
	return remote, nil
}
