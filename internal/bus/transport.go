package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Transport performs one full-duplex bus transaction. The returned buffer has
// the same length as tx. A transaction cannot be aborted once started.
type Transport interface {
	Transfer(tx []byte) ([]byte, error)
}

// Throttle serializes transactions and keeps a minimum idle gap on the bus
// between the end of one transaction and the start of the next.
type Throttle struct {
	transport Transport
	gap       time.Duration
	clock     clock.Clock

	mu           sync.Mutex
	last         time.Time
	transactions uint64
}

func NewThrottle(transport Transport, gap time.Duration, clk clock.Clock) *Throttle {
	if clk == nil {
		clk = clock.New()
	}
	return &Throttle{
		transport: transport,
		gap:       gap,
		clock:     clk,
	}
}

// Transfer waits out the rest of the gap, then runs the transaction.
func (t *Throttle) Transfer(tx []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.last.IsZero() {
		if wait := t.gap - t.clock.Since(t.last); wait > 0 {
			t.clock.Sleep(wait)
		}
	}

	rx, err := t.transport.Transfer(tx)
	t.last = t.clock.Now()
	t.transactions++
	if err != nil {
		return nil, fmt.Errorf("transfer failed: %w", err)
	}
	if len(rx) != len(tx) {
		return nil, fmt.Errorf("transfer returned %d bytes, expected %d", len(rx), len(tx))
	}
	return rx, nil
}

// Transactions returns the number of transactions run so far.
func (t *Throttle) Transactions() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transactions
}
