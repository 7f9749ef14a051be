// Package dedup records which (identity, link, action) triples have
// already been admitted, so a member cannot submit or amplify the same
// link twice. The ledger is a flat key-to-marker store, durable and
// openable independently of the trie's node store.
package dedup

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uplog/uplog/pkg/keyValStore"
)

// Key builds the composite ledger key from a checksummed identity
// address, an already-normalized href, and the action type.
func Key(identity common.Address, normalizedHref string, action string) []byte {
	return []byte(identity.Hex() + "|" + normalizedHref + "|" + action)
}

type Ledger struct {
	kv *keyValStore.KeyValStore
	mu sync.Mutex
}

func NewLedger(kv *keyValStore.KeyValStore) *Ledger {
	return &Ledger{kv: kv}
}

// Passes performs the atomic read-then-set: it returns true the first
// time a key is seen and false on every later call with the same key.
func (l *Ledger) Passes(key []byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen, err := l.kv.Has(key)
	if err != nil {
		return false, fmt.Errorf("error checking dedup key %s: %w", key, err)
	}
	if seen {
		return false, nil
	}
	if err := l.kv.Write(key, []byte{1}); err != nil {
		return false, fmt.Errorf("error marking dedup key %s: %w", key, err)
	}
	return true, nil
}

// Remove deletes a marker. Used as best-effort compensation when the
// trie write after a successful Passes fails.
func (l *Ledger) Remove(key []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.kv.Delete(key); err != nil {
		return fmt.Errorf("error removing dedup key %s: %w", key, err)
	}
	return nil
}
