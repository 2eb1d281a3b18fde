package mining

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CycleStore persists the durable mirror of the cycle outside of settlement.
type CycleStore interface {
	// SaveReadyAt records the next-ready instant; nil clears it.
	SaveReadyAt(ctx context.Context, readyAt *time.Time) error
	// SaveEngagements records the gate counter when gate persistence is enabled.
	SaveEngagements(ctx context.Context, completed int) error
}

// Options configure a Machine. Ledger is required.
type Options struct {
	UserID       string
	Rate         float64
	Balance      float64
	ReadyAt      *time.Time
	Engagements  int
	PersistGate  bool
	TickInterval time.Duration
	Ledger       Ledger
	Cycles       CycleStore
	Now          func() time.Time
	Logger       zerolog.Logger
}

// Snapshot is a consistent read of the whole machine for rendering.
type Snapshot struct {
	UserID           string     `json:"user_id"`
	Gate             GateState  `json:"gate"`
	Cycle            CycleState `json:"cycle"`
	CanStart         bool       `json:"can_start"`
	Progress         float64    `json:"progress_percent"`
	RemainingSeconds int64      `json:"remaining_seconds"`
	Balance          float64    `json:"balance"`
	Rate             float64    `json:"mining_rate"`
	Collecting       bool       `json:"collecting"`
}

// Machine owns one user's Gate, Clock and Settler. Commands are serialized;
// ticks and the durable settlement write never wait on each other.
type Machine struct {
	userID       string
	gate         *Gate
	clock        *Clock
	settler      *Settler
	cycles       CycleStore
	persistGate  bool
	tickInterval time.Duration
	now          func() time.Time
	log          zerolog.Logger

	cmdMu sync.Mutex

	mu        sync.Mutex
	observers map[int]Observer
	nextObs   int
	inflight  *Future
}

// NewMachine builds a machine and restores the cycle from opts.ReadyAt.
func NewMachine(opts Options) (*Machine, error) {
	if opts.UserID == "" {
		return nil, ErrNoPrincipal
	}
	m := &Machine{
		userID:       opts.UserID,
		cycles:       opts.Cycles,
		persistGate:  opts.PersistGate,
		tickInterval: opts.TickInterval,
		now:          opts.Now,
		log:          opts.Logger.With().Str("user_id", opts.UserID).Logger(),
		observers:    map[int]Observer{},
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.tickInterval <= 0 {
		m.tickInterval = time.Second
	}
	rate := opts.Rate
	if rate <= 0 {
		rate = DefaultMiningRate
	}
	engagements := 0
	if opts.PersistGate {
		engagements = opts.Engagements
	}
	m.gate = NewGate(RequiredEngagements, engagements, m.dispatch)
	m.clock = NewClock(m.gate, m.dispatch)
	m.settler = NewSettler(m.gate, m.clock, opts.Ledger, rate, opts.Balance, m.dispatch)
	m.clock.Restore(opts.ReadyAt, m.now())
	return m, nil
}

func (m *Machine) UserID() string { return m.userID }

// Subscribe registers an observer and returns a function that removes it.
func (m *Machine) Subscribe(o Observer) func() {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = o
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

func (m *Machine) dispatch(evt Event) {
	if evt.At.IsZero() {
		evt.At = m.now()
	}
	m.mu.Lock()
	obs := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		obs = append(obs, o)
	}
	m.mu.Unlock()
	for _, o := range obs {
		o(evt)
	}
}

// Snapshot returns the state as of the machine clock, ticking first.
func (m *Machine) Snapshot() Snapshot {
	now := m.now()
	cycle := m.clock.Tick(now)
	gate := m.gate.State()
	m.mu.Lock()
	collecting := m.inflight != nil
	m.mu.Unlock()
	return Snapshot{
		UserID:           m.userID,
		Gate:             gate,
		Cycle:            cycle,
		CanStart:         gate.Satisfied() && cycle.Phase == PhaseIdle,
		Progress:         cycle.Progress(now),
		RemainingSeconds: cycle.RemainingSeconds(now),
		Balance:          m.settler.Balance(),
		Rate:             m.settler.Rate(),
		Collecting:       collecting,
	}
}

// Tick advances the clock to the current time.
func (m *Machine) Tick() CycleState {
	return m.clock.Tick(m.now())
}

// Run drives Tick at the configured cadence until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	t := time.NewTicker(m.tickInterval)
	defer t.Stop()
	m.Tick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.Tick()
		}
	}
}

// RecordEngagement counts one ad view. With gate persistence enabled the counter
// is stored best-effort; a failed write is logged, not returned.
func (m *Machine) RecordEngagement(ctx context.Context) GateState {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	before := m.gate.State()
	after := m.gate.RecordEngagement()
	if m.persistGate && m.cycles != nil && after.Completed != before.Completed {
		if err := m.cycles.SaveEngagements(ctx, after.Completed); err != nil {
			m.log.Warn().Err(err).Int("completed", after.Completed).Msg("persist engagements")
		}
	}
	return after
}

// Start begins a cycle. The ReadyAt record is written before the in-memory
// transition so a failed write leaves the machine Idle.
func (m *Machine) Start(ctx context.Context) (CycleState, error) {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	now := m.now()
	m.clock.Tick(now)
	if err := m.clock.CheckStart(); err != nil {
		m.reportStartError(err)
		return m.clock.State(), err
	}
	readyAt := now.Add(m.clock.Duration())
	if m.cycles != nil {
		if err := m.cycles.SaveReadyAt(ctx, &readyAt); err != nil {
			perr := &PersistenceFailedError{Op: "start", Err: err}
			m.dispatch(Event{Kind: EventStartFailed, Gate: m.gate.State(), Cycle: m.clock.State(), Err: perr})
			return m.clock.State(), perr
		}
	}
	st, err := m.clock.Start(now)
	if err != nil {
		m.reportStartError(err)
		return st, err
	}
	return st, nil
}

func (m *Machine) reportStartError(err error) {
	kind := EventGateNotSatisfied
	if errors.Is(err, ErrAlreadyRunning) {
		kind = EventAlreadyRunning
	}
	m.dispatch(Event{Kind: kind, Gate: m.gate.State(), Cycle: m.clock.State(), Err: err})
}

// Stop cancels a Running cycle without credit and clears the durable ReadyAt.
func (m *Machine) Stop(ctx context.Context) (CycleState, error) {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	cycle := m.clock.Tick(m.now())
	if cycle.Phase != PhaseRunning {
		return cycle, ErrNotRunning
	}
	if m.cycles != nil {
		if err := m.cycles.SaveReadyAt(ctx, nil); err != nil {
			return cycle, &PersistenceFailedError{Op: "stop", Err: err}
		}
	}
	st, err := m.clock.Cancel()
	if err != nil {
		// The cycle completed between the write and the cancel; put the record back.
		if m.cycles != nil {
			readyAt := cycle.ReadyAt
			if rerr := m.cycles.SaveReadyAt(ctx, &readyAt); rerr != nil {
				m.log.Error().Err(rerr).Msg("restore ready_at after late completion")
			}
		}
		return st, err
	}
	return st, nil
}

// Collect settles a Complete cycle asynchronously. Concurrent calls while a
// settlement is in flight share the same Future.
func (m *Machine) Collect(ctx context.Context) *Future {
	m.clock.Tick(m.now())
	m.mu.Lock()
	if m.inflight != nil {
		f := m.inflight
		m.mu.Unlock()
		return f
	}
	if m.clock.State().Phase != PhaseComplete {
		m.mu.Unlock()
		return resolvedFuture(SettleResult{Err: ErrNotComplete, Balance: m.settler.Balance()})
	}
	f := newFuture()
	m.inflight = f
	m.mu.Unlock()

	writeCtx := context.WithoutCancel(ctx)
	go func() {
		res, err := m.settler.Settle(writeCtx, m.now())
		if err != nil {
			res.Err = err
			m.log.Warn().Err(err).Msg("settlement failed")
		}
		m.mu.Lock()
		m.inflight = nil
		m.mu.Unlock()
		f.resolve(res)
	}()
	return f
}

// SetRate changes the amount credited by future settlements.
func (m *Machine) SetRate(rate float64) {
	if rate > 0 {
		m.settler.SetRate(rate)
	}
}

// RefreshBalance reloads the balance mirror after an external ledger change.
func (m *Machine) RefreshBalance(ctx context.Context, read func(context.Context) (float64, error)) (float64, error) {
	return m.settler.Refresh(ctx, read)
}

// Future carries the result of an asynchronous settlement.
type Future struct {
	done chan struct{}
	res  SettleResult
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func resolvedFuture(res SettleResult) *Future {
	f := newFuture()
	f.resolve(res)
	return f
}

func (f *Future) resolve(res SettleResult) {
	f.res = res
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the settlement result; valid only after Done is closed.
func (f *Future) Result() SettleResult { return f.res }

// Wait blocks until the settlement finishes or ctx is done. A cancelled wait does
// not cancel the durable write.
func (f *Future) Wait(ctx context.Context) (SettleResult, error) {
	select {
	case <-f.done:
		return f.res, f.res.Err
	case <-ctx.Done():
		return SettleResult{}, ctx.Err()
	}
}
