// Package identity provides the peer identity used as the key space of every
// routing structure, plus the signing hooks the delivery engine calls into.
//
// Identity and signature schemes are owned by a separate layer. The engine
// only needs a stable hash per peer and an optional Signer/Verifier pair.
package identity

import (
	"encoding/hex"
	"errors"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/crypto/ed25519"
	"github.com/go-i2p/crypto/types"
	"github.com/samber/oops"
)

// Hash is a stable public-key-derived peer identifier.
type Hash = data.Hash

// ErrInvalidSignature is returned by Verifier implementations when a
// signature does not match the signed bytes.
var ErrInvalidSignature = errors.New("invalid signature")

// Signer produces a signature over the identified core of a message.
type Signer interface {
	Sign(core []byte) ([]byte, error)
}

// Verifier checks a signature made by origin over core.
type Verifier interface {
	Verify(origin Hash, core, signature []byte) error
}

// Identity is the local node's view of itself.
type Identity interface {
	Hash() Hash
	Signer
}

// PrivateKeySize is the length of a marshalled KeyPair.
const PrivateKeySize = 64

// KeyPair is an ed25519 identity. The peer hash is the SHA-256 of the
// public key.
type KeyPair struct {
	Public  types.SigningPublicKey
	signer  types.Signer
	private []byte
	hash    Hash
}

// NewKeyPair generates a fresh ed25519 identity.
func NewKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateEd25519KeyPair()
	if err != nil {
		return nil, oops.Wrapf(err, "generating ed25519 key")
	}
	signer, err := priv.NewSigner()
	if err != nil {
		return nil, oops.Wrapf(err, "creating ed25519 signer")
	}
	return newKeyPair(pub, signer, priv.Bytes()), nil
}

// UnmarshalKeyPair restores a KeyPair from the output of MarshalBinary.
func UnmarshalKeyPair(b []byte) (*KeyPair, error) {
	if len(b) != PrivateKeySize {
		return nil, oops.Errorf("ed25519 private key has %d bytes, want %d", len(b), PrivateKeySize)
	}
	priv, err := ed25519.NewEd25519PrivateKey(b)
	if err != nil {
		return nil, oops.Wrapf(err, "parsing ed25519 private key")
	}
	pub, err := priv.Public()
	if err != nil {
		return nil, oops.Wrapf(err, "deriving ed25519 public key")
	}
	signer, err := priv.NewSigner()
	if err != nil {
		return nil, oops.Wrapf(err, "creating ed25519 signer")
	}
	return newKeyPair(pub, signer, b), nil
}

func newKeyPair(pub types.SigningPublicKey, signer types.Signer, private []byte) *KeyPair {
	return &KeyPair{
		Public:  pub,
		signer:  signer,
		private: append([]byte(nil), private...),
		hash:    data.HashData(pub.Bytes()),
	}
}

// MarshalBinary returns the private key. Store it with owner-only
// permissions.
func (k *KeyPair) MarshalBinary() ([]byte, error) {
	return append([]byte(nil), k.private...), nil
}

// Hash returns the peer hash of this key pair.
func (k *KeyPair) Hash() Hash {
	return k.hash
}

// Sign signs core with the private key.
func (k *KeyPair) Sign(core []byte) ([]byte, error) {
	return k.signer.Sign(core)
}

// Short renders the first 8 bytes of h as hex for log output.
func Short(h Hash) string {
	return hex.EncodeToString(h[:8])
}

// Hex renders the full hash as lowercase hex.
func Hex(h Hash) string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes a 64 character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, oops.Wrapf(err, "decoding peer hash %q", s)
	}
	if len(b) != len(h) {
		return h, oops.Errorf("peer hash %q has %d bytes, want %d", s, len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}
