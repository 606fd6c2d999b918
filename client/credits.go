package client

import (
	"context"
	"sync"
)

// CreditCharge returns the number of credits a request moving payload bytes
// costs: one per started 64 KiB, at least one.
func CreditCharge(payload int) uint16 {
	if payload <= creditUnit {
		return 1
	}
	return uint16((payload-1)/creditUnit + 1)
}

// CreditStats is a snapshot of a connection's credit accounting.
type CreditStats struct {
	// Balance is what may still be sent.
	Balance int `json:"balance"`
	// Outstanding is what is charged to requests still waiting for their
	// final response.
	Outstanding int `json:"outstanding"`
	// Granted and Charged are running totals. Balance always equals the
	// initial balance plus Granted minus Charged.
	Granted uint64 `json:"granted"`
	Charged uint64 `json:"charged"`
}

// creditPool tracks the credits of one connection. A reservation moves
// credits from the balance to the outstanding set; every response adds its
// grant to the balance, and the final one releases the charge from the
// outstanding set.
type creditPool struct {
	mu          sync.Mutex
	balance     int
	outstanding int
	extra       int // requested beyond the charge and not yet answered
	granted     uint64
	charged     uint64
	target      int
	nonBlocking bool
	overdraft   bool
	wake        chan struct{}
	err         error
}

func newCreditPool(initial, target int, nonBlocking, overdraft bool) *creditPool {
	return &creditPool{
		balance:     initial,
		target:      target,
		nonBlocking: nonBlocking,
		overdraft:   overdraft,
		wake:        make(chan struct{}),
	}
}

// reserve takes n credits from the balance, waiting for grants if needed.
func (p *creditPool) reserve(ctx context.Context, n int) error {
	for {
		p.mu.Lock()
		if p.err != nil {
			p.mu.Unlock()
			return p.err
		}

		if n <= p.balance || p.overdraft {
			p.balance -= n
			p.outstanding += n
			p.charged += uint64(n)
			p.mu.Unlock()
			return nil
		}

		if n > p.balance+p.outstanding {
			p.mu.Unlock()
			return ErrCreditLimit
		}

		if p.nonBlocking {
			p.mu.Unlock()
			return ErrInsufficientCredit
		}

		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// refund undoes a reservation whose messages never reached the wire.
func (p *creditPool) refund(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance += n
	p.outstanding -= n
	p.charged -= uint64(n)
	p.signal()
}

// request returns the CreditRequest for a message costing charge, asking
// for enough extra credits to climb back to the target balance.
func (p *creditPool) request(charge int) (creditRequest, extra int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	deficit := p.target - p.balance - p.outstanding - p.extra
	if deficit < 0 {
		deficit = 0
	}
	if charge+deficit > 0xffff {
		deficit = 0xffff - charge
	}
	p.extra += deficit
	return charge + deficit, deficit
}

// settle accounts a response. granted is its CreditResponse; charge and
// extra are released only with the final response.
func (p *creditPool) settle(granted, charge, extra int, final bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.balance += granted
	p.granted += uint64(granted)
	if final {
		p.outstanding -= charge
		p.extra -= extra
	}
	p.signal()
}

func (p *creditPool) signal() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// close fails current and future reservations with err.
func (p *creditPool) close(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
		p.signal()
	}
}

func (p *creditPool) stats() CreditStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return CreditStats{
		Balance:     p.balance,
		Outstanding: p.outstanding,
		Granted:     p.granted,
		Charged:     p.charged,
	}
}
