package mining

import (
	"context"
	"sync"
	"time"
)

// Credit is the single logical write performed when a cycle is settled.
type Credit struct {
	Amount         float64
	MinedAt        time.Time
	CycleStartedAt time.Time
	CycleReadyAt   time.Time
}

// Ledger is the durable balance owner. Credit must apply the coin increment,
// lastMined and the cleared cycle record atomically, returning the new balance.
type Ledger interface {
	Credit(ctx context.Context, c Credit) (float64, error)
}

// SettleResult is delivered once a settlement finishes, successfully or not.
type SettleResult struct {
	Amount      float64   `json:"amount"`
	Balance     float64   `json:"balance"`
	SettledAt   time.Time `json:"settled_at"`
	NextReadyAt time.Time `json:"next_ready_at"`
	Err         error     `json:"-"`
}

// Settler credits completed cycles exactly once and re-arms the gate.
type Settler struct {
	mu      sync.Mutex
	gate    *Gate
	clock   *Clock
	ledger  Ledger
	notify  Observer
	stateMu sync.Mutex
	rate    float64
	balance float64
}

func NewSettler(gate *Gate, clock *Clock, ledger Ledger, rate, balance float64, notify Observer) *Settler {
	return &Settler{gate: gate, clock: clock, ledger: ledger, rate: rate, balance: balance, notify: notify}
}

func (s *Settler) Rate() float64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.rate
}

func (s *Settler) SetRate(rate float64) {
	s.stateMu.Lock()
	s.rate = rate
	s.stateMu.Unlock()
}

// Balance is the last durably confirmed balance.
func (s *Settler) Balance() float64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.balance
}

func (s *Settler) setBalance(balance float64) {
	s.stateMu.Lock()
	s.balance = balance
	s.stateMu.Unlock()
}

// Refresh replaces the mirror with a value read back from the ledger after an
// external debit or credit. The read runs under the settlement lock, so it always
// observes any credit that started before it.
func (s *Settler) Refresh(ctx context.Context, read func(context.Context) (float64, error)) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, err := read(ctx)
	if err != nil {
		return s.Balance(), err
	}
	s.setBalance(balance)
	return balance, nil
}

// Settle credits the ledger for a Complete cycle. The local credit is only applied
// after the ledger confirms the write; on failure the cycle stays Complete and the
// balance is unchanged. Settlements are serialized so a second call observes Idle.
func (s *Settler) Settle(ctx context.Context, now time.Time) (SettleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cycle := s.clock.State()
	if cycle.Phase != PhaseComplete {
		return SettleResult{Err: ErrNotComplete}, ErrNotComplete
	}
	amount := s.Rate()
	balance, err := s.ledger.Credit(ctx, Credit{
		Amount:         amount,
		MinedAt:        now,
		CycleStartedAt: cycle.StartedAt,
		CycleReadyAt:   cycle.ReadyAt,
	})
	if err != nil {
		perr := &PersistenceFailedError{Op: "settle", Err: err}
		s.notify.emit(Event{Kind: EventSettleFailed, Cycle: cycle, Amount: amount, Balance: s.Balance(), Err: perr})
		return SettleResult{Amount: amount, Balance: s.Balance(), Err: perr}, perr
	}

	s.setBalance(balance)
	idle, _ := s.clock.release()
	gate := s.gate.Reset()
	res := SettleResult{
		Amount:      amount,
		Balance:     balance,
		SettledAt:   now,
		NextReadyAt: now.Add(s.clock.Duration()),
	}
	s.notify.emit(Event{Kind: EventSettled, Gate: gate, Cycle: idle, Amount: amount, Balance: balance})
	return res, nil
}
