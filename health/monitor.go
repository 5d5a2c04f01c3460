package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Store persists health records. Save must be atomic per source; the monitor
// never interleaves saves for the same source.
type Store interface {
	Load(ctx context.Context) (map[string]Record, error)
	Save(ctx context.Context, sourceID string, rec Record) error
}

// Monitor tracks reliability per source and applies the circuit-breaker
// rules. Thread-safe: records are keyed by source and mutated under a
// per-source lock, so concurrent pipelines on different sources never
// contend.
type Monitor struct {
	cfg    Config
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex // guards the entries map, not the records
	entries map[string]*entry
}

type entry struct {
	mu  sync.Mutex
	rec Record
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithConfig overrides the circuit-breaking thresholds.
func WithConfig(cfg Config) Option {
	return func(m *Monitor) { m.cfg = cfg }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(m *Monitor) { m.now = fn }
}

// NewMonitor creates a Monitor and loads persisted records from the store.
// A nil store keeps records in memory only.
func NewMonitor(ctx context.Context, store Store, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		cfg:     DefaultConfig(),
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(m)
	}
	m.cfg.defaults()

	if store != nil {
		recs, err := store.Load(ctx)
		if err != nil {
			return nil, err
		}
		for id, rec := range recs {
			m.entries[id] = &entry{rec: rec}
		}
	}
	return m, nil
}

func (m *Monitor) entry(sourceID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sourceID]
	if !ok {
		e = &entry{}
		m.entries[sourceID] = e
	}
	return e
}

// RecordOutcome updates the rolling window, the consecutive-failure counter,
// and the circuit state, then persists the record. A success requires both a
// successful fetch and a non-zero item count: an empty result on a live
// source usually means extraction broke, so it counts as a failure for
// circuit-breaking purposes. Never returns an error; persistence failures
// are logged.
func (m *Monitor) RecordOutcome(ctx context.Context, sourceID string, fetched bool, itemCount int, fingerprint string) {
	e := m.entry(sourceID)
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := &e.rec
	now := m.now()
	ok := fetched && itemCount > 0

	rec.fold(m.cfg.MaxSamples)
	if ok {
		rec.WindowSuccesses++
		rec.ConsecutiveFailures = 0
		rec.LastSuccess = now
		if rec.State != Closed {
			m.logger.Info("health: circuit closed", "source", sourceID)
		}
		rec.State = Closed
	} else {
		rec.WindowFailures++
		rec.ConsecutiveFailures++
		rec.LastFailure = now
		switch rec.State {
		case HalfOpen:
			// The probe failed; restart the backoff clock.
			rec.State = Open
		case Closed:
			tripped := rec.ConsecutiveFailures >= m.cfg.FailureThreshold ||
				(rec.SampleCount() >= float64(m.cfg.MinSamples) && rec.SuccessRate() < m.cfg.RateFloor)
			if tripped {
				rec.State = Open
				m.logger.Warn("health: circuit opened",
					"source", sourceID,
					"consecutive_failures", rec.ConsecutiveFailures,
					"success_rate", rec.SuccessRate())
			}
		}
	}
	if fingerprint != "" {
		rec.LastFingerprint = fingerprint
	}

	m.persist(ctx, sourceID, *rec)
}

// ShouldAttempt reports whether the source is currently worth attempting.
// Closed → true. Open → true only once the backoff has elapsed, in which
// case the state advances to HalfOpen as a side effect (the probe attempt).
// HalfOpen → true. Sources with no history are fail-open.
func (m *Monitor) ShouldAttempt(sourceID string) bool {
	e := m.entry(sourceID)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.rec.State {
	case Open:
		wait := m.cfg.Backoff(e.rec.ConsecutiveFailures)
		if m.now().Sub(e.rec.LastFailure) < wait {
			return false
		}
		e.rec.State = HalfOpen
		m.logger.Info("health: circuit half-open, allowing probe", "source", sourceID)
		m.persist(context.Background(), sourceID, e.rec)
		return true
	default:
		return true
	}
}

// State returns the current circuit state for a source, without mutating it.
func (m *Monitor) State(sourceID string) CircuitState {
	e := m.entry(sourceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.State
}

// Record returns a copy of the source's record.
func (m *Monitor) Record(sourceID string) Record {
	e := m.entry(sourceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec
}

// Reset clears a source's record back to a fresh Closed state and persists
// the reset. Records are never deleted, only reset.
func (m *Monitor) Reset(ctx context.Context, sourceID string) {
	e := m.entry(sourceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec = Record{}
	m.persist(ctx, sourceID, e.rec)
}

// DisabledSources returns the IDs of sources whose circuit is Open and whose
// backoff has not yet elapsed, sorted for stable output.
func (m *Monitor) DisabledSources() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	now := m.now()
	var disabled []string
	for _, id := range ids {
		e := m.entry(id)
		e.mu.Lock()
		if e.rec.State == Open && now.Sub(e.rec.LastFailure) < m.cfg.Backoff(e.rec.ConsecutiveFailures) {
			disabled = append(disabled, id)
		}
		e.mu.Unlock()
	}
	sort.Strings(disabled)
	return disabled
}

// Snapshot returns a copy of every record, keyed by source ID.
func (m *Monitor) Snapshot() map[string]Record {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make(map[string]Record, len(ids))
	for _, id := range ids {
		out[id] = m.Record(id)
	}
	return out
}

func (m *Monitor) persist(ctx context.Context, sourceID string, rec Record) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, sourceID, rec); err != nil {
		m.logger.Error("health: save record failed", "source", sourceID, "error", err)
	}
}
