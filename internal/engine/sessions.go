package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cointap/internal/events"
	"cointap/internal/mining"
	"cointap/internal/repo"
)

type session struct {
	ready   chan struct{}
	machine *mining.Machine
	err     error
	cancel  context.CancelFunc
}

type eventRecord struct {
	userID  string
	kind    string
	payload events.EventPayload
	flushed chan struct{}
}

// registry owns one Machine per loaded user plus the goroutine that persists
// their events.
type registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	sinkOnce  sync.Once
	closeOnce sync.Once
	sendMu    sync.RWMutex
	closed    bool
	sink      chan eventRecord
	sinkDone  chan struct{}
}

func newRegistry() *registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &registry{
		sessions: map[string]*session{},
		ctx:      ctx,
		cancel:   cancel,
		sink:     make(chan eventRecord, 256),
		sinkDone: make(chan struct{}),
	}
}

func (r *registry) loaded(userID string) *mining.Machine {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if !ok {
		return nil
	}
	select {
	case <-s.ready:
		return s.machine
	default:
		return nil
	}
}

func (r *registry) evict(userID string) {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()
	if ok && s.cancel != nil {
		s.cancel()
	}
}

func (r *registry) close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.wg.Wait()
		r.mu.Lock()
		r.sessions = map[string]*session{}
		r.mu.Unlock()

		r.sendMu.Lock()
		r.closed = true
		r.sendMu.Unlock()
		started := true
		r.sinkOnce.Do(func() { started = false })
		if started {
			close(r.sink)
			<-r.sinkDone
		}
	})
}

// trySend queues rec for the sink without blocking.
func (r *registry) trySend(rec eventRecord) bool {
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.sink <- rec:
		return true
	default:
		return false
	}
}

func (r *registry) sendWait(ctx context.Context, rec eventRecord) bool {
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.sink <- rec:
		return true
	case <-ctx.Done():
		return false
	}
}

// Session returns the live machine for userID, loading it from the store on first
// use. Concurrent first calls share one load.
func (e Engine) Session(ctx context.Context, userID string) (*mining.Machine, error) {
	if userID == "" {
		return nil, mining.ErrNoPrincipal
	}
	r := e.sessions
	r.mu.Lock()
	if s, ok := r.sessions[userID]; ok {
		r.mu.Unlock()
		select {
		case <-s.ready:
			return s.machine, s.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return nil, errors.New("engine closed")
	}
	s := &session{ready: make(chan struct{})}
	r.sessions[userID] = s
	r.mu.Unlock()

	s.machine, s.err = e.loadMachine(ctx, userID)
	if s.err != nil {
		r.mu.Lock()
		delete(r.sessions, userID)
		r.mu.Unlock()
		close(s.ready)
		return nil, s.err
	}
	runCtx, cancel := context.WithCancel(r.ctx)
	s.cancel = cancel
	e.startSink()
	s.machine.Subscribe(e.recordEvent(userID))
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = s.machine.Run(runCtx)
	}()
	close(s.ready)
	return s.machine, nil
}

func (e Engine) loadMachine(ctx context.Context, userID string) (*mining.Machine, error) {
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var readyAt *time.Time
	if u.ReadyAt != nil {
		t, err := repo.ParseTime(*u.ReadyAt)
		if err != nil {
			return nil, err
		}
		readyAt = &t
	}
	port := storePort{repo: e.Repo, userID: u.ID, now: e.now}
	return mining.NewMachine(mining.Options{
		UserID:       u.ID,
		Rate:         u.MiningRate,
		Balance:      u.Coins,
		ReadyAt:      readyAt,
		Engagements:  u.AdsWatched,
		PersistGate:  e.PersistGate || e.Config.Mining.PersistGate,
		TickInterval: e.Config.Mining.TickInterval.Std(),
		Ledger:       port,
		Cycles:       port,
		Now:          e.now,
		Logger:       e.Log,
	})
}

// storePort adapts the document store to the machine's Ledger and CycleStore.
type storePort struct {
	repo   repo.Repo
	userID string
	now    func() time.Time
}

func (p storePort) Credit(ctx context.Context, c mining.Credit) (float64, error) {
	return p.repo.CreditMining(ctx, repo.MiningCredit{
		UserID:        p.userID,
		TransactionID: uuid.NewString(),
		Amount:        c.Amount,
		MinedAt:       c.MinedAt,
		ReadyAt:       c.CycleReadyAt,
	})
}

func (p storePort) SaveReadyAt(ctx context.Context, readyAt *time.Time) error {
	return p.repo.SetReadyAt(ctx, p.userID, readyAt, p.now())
}

func (p storePort) SaveEngagements(ctx context.Context, completed int) error {
	return p.repo.SetAdsWatched(ctx, p.userID, completed, p.now())
}

var eventTypes = map[mining.EventKind]string{
	mining.EventEngagementRecorded: "mining.engagement_recorded",
	mining.EventGateSatisfied:      "mining.gate_satisfied",
	mining.EventGateNotSatisfied:   "mining.gate_not_satisfied",
	mining.EventAlreadyRunning:     "mining.already_running",
	mining.EventCycleStarted:       "mining.cycle_started",
	mining.EventCycleComplete:      "mining.cycle_complete",
	mining.EventCycleStopped:       "mining.cycle_stopped",
	mining.EventStartFailed:        "mining.start_failed",
	mining.EventSettled:            "mining.settled",
	mining.EventSettleFailed:       "mining.settle_failed",
}

// EventType returns the stored event name for a machine event kind.
func EventType(kind mining.EventKind) string {
	if t, ok := eventTypes[kind]; ok {
		return t
	}
	return "mining." + string(kind)
}

// EventPayload renders a machine event for the event log and webhooks.
func EventPayload(evt mining.Event) events.EventPayload {
	p := events.EventPayload{
		"gate":  map[string]int{"required": evt.Gate.Required, "completed": evt.Gate.Completed},
		"phase": string(evt.Cycle.Phase),
	}
	if !evt.Cycle.ReadyAt.IsZero() {
		p["ready_at"] = repo.FormatTime(evt.Cycle.ReadyAt)
	}
	switch evt.Kind {
	case mining.EventSettled, mining.EventSettleFailed:
		p["amount"] = evt.Amount
		p["balance"] = evt.Balance
	}
	if evt.Err != nil {
		p["error"] = evt.Err.Error()
	}
	return p
}

func (e Engine) recordEvent(userID string) mining.Observer {
	r := e.sessions
	log := e.Log
	return func(evt mining.Event) {
		rec := eventRecord{userID: userID, kind: EventType(evt.Kind), payload: EventPayload(evt)}
		if !r.trySend(rec) {
			log.Warn().Str("user_id", userID).Str("event", rec.kind).Msg("event log unavailable; dropping event")
		}
	}
}

func (e Engine) startSink() {
	r := e.sessions
	r.sinkOnce.Do(func() {
		go runSink(r.sink, r.sinkDone, e.DB, e.Events, e.Log)
	})
}

func runSink(in <-chan eventRecord, done chan<- struct{}, db events.Execer, w events.Writer, log zerolog.Logger) {
	defer close(done)
	for rec := range in {
		if rec.flushed != nil {
			close(rec.flushed)
			continue
		}
		if err := w.Append(context.Background(), db, rec.kind, rec.userID, rec.payload); err != nil {
			log.Error().Err(err).Str("user_id", rec.userID).Str("event", rec.kind).Msg("append event")
		}
	}
}

// FlushEvents blocks until every machine event emitted so far is stored.
func (e Engine) FlushEvents(ctx context.Context) error {
	r := e.sessions
	e.startSink()
	marker := eventRecord{flushed: make(chan struct{})}
	if !r.sendWait(ctx, marker) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("engine closed")
	}
	select {
	case <-marker.flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
