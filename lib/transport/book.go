package transport

import (
	"sync"

	"github.com/go-i2p/common/data"
)

// AddressBook maps peer hashes to transport-specific addresses.
type AddressBook struct {
	mu    sync.RWMutex
	addrs map[data.Hash]string
}

// NewAddressBook returns an empty book.
func NewAddressBook() *AddressBook {
	return &AddressBook{addrs: make(map[data.Hash]string)}
}

// Set records addr for peer, replacing any previous entry.
func (b *AddressBook) Set(peer data.Hash, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[peer] = addr
}

// Lookup returns the address recorded for peer.
func (b *AddressBook) Lookup(peer data.Hash) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.addrs[peer]
	return addr, ok
}

// Remove forgets peer.
func (b *AddressBook) Remove(peer data.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.addrs, peer)
}

// Len returns the number of known peers.
func (b *AddressBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.addrs)
}
