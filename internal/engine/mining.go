package engine

import (
	"context"
	"errors"
	"sync"

	"cointap/internal/mining"
	"cointap/internal/repo"
)

// MiningStatus returns the user's current machine snapshot.
func (e Engine) MiningStatus(ctx context.Context, userID string) (mining.Snapshot, error) {
	m, err := e.Session(ctx, userID)
	if err != nil {
		return mining.Snapshot{}, err
	}
	return m.Snapshot(), nil
}

// RecordEngagement counts one completed ad view toward the gate.
func (e Engine) RecordEngagement(ctx context.Context, userID string) (mining.Snapshot, error) {
	m, err := e.Session(ctx, userID)
	if err != nil {
		return mining.Snapshot{}, err
	}
	m.RecordEngagement(ctx)
	return m.Snapshot(), nil
}

// StartMining begins a cycle. The snapshot is returned on error too so callers
// can render the unchanged state.
func (e Engine) StartMining(ctx context.Context, userID string) (mining.Snapshot, error) {
	m, err := e.Session(ctx, userID)
	if err != nil {
		return mining.Snapshot{}, err
	}
	_, err = m.Start(ctx)
	return m.Snapshot(), err
}

// StopMining abandons a running cycle without credit.
func (e Engine) StopMining(ctx context.Context, userID string) (mining.Snapshot, error) {
	m, err := e.Session(ctx, userID)
	if err != nil {
		return mining.Snapshot{}, err
	}
	_, err = m.Stop(ctx)
	return m.Snapshot(), err
}

// Collect settles a complete cycle and waits for the durable write. If the stored
// cycle record no longer matches, the session is dropped so the next call reloads
// it from the store.
func (e Engine) Collect(ctx context.Context, userID string) (mining.SettleResult, error) {
	m, err := e.Session(ctx, userID)
	if err != nil {
		return mining.SettleResult{}, err
	}
	res, err := m.Collect(ctx).Wait(ctx)
	if errors.Is(err, repo.ErrStaleCycle) {
		e.Log.Warn().Str("user_id", userID).Msg("cycle record changed underneath session; reloading")
		e.sessions.evict(userID)
	}
	return res, err
}

// Subscribe streams the user's machine events to o until the returned function is
// called or ctx ends.
func (e Engine) Subscribe(ctx context.Context, userID string, o mining.Observer) (func(), error) {
	m, err := e.Session(ctx, userID)
	if err != nil {
		return nil, err
	}
	cancel := m.Subscribe(o)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			close(stop)
		})
	}, nil
}
