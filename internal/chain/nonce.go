package chain

import (
	"context"
	"sync"
)

// NonceSequencer serializes nonce allocation for a single signing key. The
// whole sign-and-submit step runs under the lock so concurrent executions
// never race on the same nonce.
type NonceSequencer struct {
	mu     sync.Mutex
	next   uint64
	synced bool
	fetch  func(ctx context.Context) (uint64, error)
}

func NewNonceSequencer(fetch func(ctx context.Context) (uint64, error)) *NonceSequencer {
	return &NonceSequencer{fetch: fetch}
}

// Do hands fn the next nonce. The nonce is consumed only when fn succeeds; on
// failure the sequencer resyncs from the node before the next call, since a
// failed submission may or may not have reached the mempool.
func (n *NonceSequencer) Do(ctx context.Context, fn func(nonce uint64) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.synced {
		nonce, err := n.fetch(ctx)
		if err != nil {
			return err
		}
		n.next = nonce
		n.synced = true
	}
	if err := fn(n.next); err != nil {
		n.synced = false
		return err
	}
	n.next++
	return nil
}

func (n *NonceSequencer) Reset() {
	n.mu.Lock()
	n.synced = false
	n.mu.Unlock()
}
