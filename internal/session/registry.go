package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/callwise-ai/voice-pipeline/internal/billing"
	"github.com/callwise-ai/voice-pipeline/internal/config"
	"github.com/callwise-ai/voice-pipeline/internal/observability"
)

// ErrCapacity is returned by Create when the registry is at its hard
// concurrent-call bound. Callers reject the call; a live call cannot queue.
var ErrCapacity = errors.New("session registry at capacity")

// Registry owns every live session, indexed by call ID and by stream ID. It
// enforces the capacity bound, sweeps stale sessions, and hands the final
// call record to the billing collaborator exactly once per call.
type Registry struct {
	cfg       *config.Config
	providers Providers
	billing   billing.Collaborator
	rates     billing.Rates
	logger    zerolog.Logger

	mu       sync.RWMutex
	byCall   map[string]*Session
	byStream map[string]*Session
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry creates a registry and starts its background sweeper.
func NewRegistry(cfg *config.Config, providers Providers, collaborator billing.Collaborator) *Registry {
	r := &Registry{
		cfg:       cfg,
		providers: providers,
		billing:   collaborator,
		rates:     billing.RatesFromConfig(cfg),
		logger:    observability.GetLogger().With().Str("component", "registry").Logger(),
		byCall:    make(map[string]*Session),
		byStream:  make(map[string]*Session),
		done:      make(chan struct{}),
	}

	if cfg.SessionSweepInterval > 0 {
		r.wg.Add(1)
		go r.sweepLoop(
			time.Duration(cfg.SessionSweepInterval)*time.Minute,
			time.Duration(cfg.SessionMaxIdle)*time.Minute,
		)
	}
	return r
}

// Create admits a new call and registers its session. At capacity it fails
// fast without mutating any state.
func (r *Registry) Create(callID, streamID string, params map[string]string, sender Sender) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("registry is closed")
	}
	if _, exists := r.byCall[callID]; exists {
		return nil, fmt.Errorf("call %s is already registered", callID)
	}
	if len(r.byCall) >= r.cfg.MaxSessions {
		observability.RecordCallRejected()
		r.logger.Warn().Str("call_id", callID).Int("max_sessions", r.cfg.MaxSessions).Msg("Registry at capacity")
		return nil, ErrCapacity
	}

	session := NewSession(r.cfg, callID, streamID, params, sender, r.providers)
	r.byCall[callID] = session
	r.byStream[streamID] = session
	return session, nil
}

// Get returns the session for a call ID.
func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.byCall[callID]
	return session, ok
}

// GetByStream returns the session for a stream ID. A miss during call setup
// means "not yet ready", not an error; callers drop the event quietly.
func (r *Registry) GetByStream(streamID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.byStream[streamID]
	return session, ok
}

// Remove ends a call and deregisters its session. Idempotent; only the first
// removal stops the session and submits the billing record. Delivery runs in
// a detached goroutine so billing can never block cleanup.
func (r *Registry) Remove(callID, reason string) {
	r.mu.Lock()
	session, ok := r.byCall[callID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byCall, callID)
	delete(r.byStream, session.StreamID())
	r.mu.Unlock()

	session.Stop(reason)
	record := session.Snapshot(r.rates)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.cfg.BillingTimeout)*time.Second)
		defer cancel()
		// Delivery failures are logged by the collaborator.
		_ = r.billing.Submit(ctx, record)
	}()
}

// SweepStale removes every session idle longer than maxAge and returns how
// many were evicted. Eviction is an implicit call end.
func (r *Registry) SweepStale(maxAge time.Duration) int {
	r.mu.RLock()
	var stale []string
	now := time.Now()
	for callID, session := range r.byCall {
		if now.Sub(session.LastActivity()) > maxAge {
			stale = append(stale, callID)
		}
	}
	r.mu.RUnlock()

	for _, callID := range stale {
		observability.RecordSessionEvicted()
		r.logger.Warn().Str("call_id", callID).Msg("Evicting stale session")
		r.Remove(callID, "stale")
	}
	return len(stale)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCall)
}

// Close stops the sweeper and ends every remaining session. Further Create
// calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	remaining := make([]string, 0, len(r.byCall))
	for callID := range r.byCall {
		remaining = append(remaining, callID)
	}
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()

	for _, callID := range remaining {
		r.Remove(callID, "shutdown")
	}
}

func (r *Registry) sweepLoop(interval, maxAge time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if evicted := r.SweepStale(maxAge); evicted > 0 {
				r.logger.Info().Int("evicted", evicted).Msg("Stale session sweep complete")
			}
		case <-r.done:
			return
		}
	}
}
