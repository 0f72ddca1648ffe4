package identity

import (
	"sync"

	"github.com/go-i2p/crypto/types"
	"github.com/samber/oops"
)

// Keyring is a Verifier backed by a table of known ed25519 public keys.
// Unknown origins are rejected.
type Keyring struct {
	mu   sync.RWMutex
	keys map[Hash]types.Verifier
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[Hash]types.Verifier)}
}

// Add registers the public key of kp under its peer hash.
func (r *Keyring) Add(kp *KeyPair) error {
	v, err := kp.Public.NewVerifier()
	if err != nil {
		return oops.Wrapf(err, "verifier for %s", Short(kp.Hash()))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[kp.Hash()] = v
	return nil
}

// Len returns the number of known keys.
func (r *Keyring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// Verify implements Verifier.
func (r *Keyring) Verify(origin Hash, core, signature []byte) error {
	r.mu.RLock()
	v, ok := r.keys[origin]
	r.mu.RUnlock()
	if !ok {
		return oops.Wrapf(ErrInvalidSignature, "unknown origin %s", Short(origin))
	}
	if err := v.Verify(core, signature); err != nil {
		return oops.Wrapf(ErrInvalidSignature, "origin %s: %v", Short(origin), err)
	}
	return nil
}
