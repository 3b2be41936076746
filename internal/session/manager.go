// Package session keeps active testing sessions in memory and serialises the
// operations applied to each one.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/qualitrace/internal/observability"
	"github.com/pitabwire/qualitrace/internal/workflow"
	"github.com/pitabwire/qualitrace/model"
)

// Starter opens workflow sessions.
type Starter interface {
	Start(ctx context.Context, batchID, testerID, testerName string) (*workflow.Session, error)
}

// Manager owns the active sessions, keyed by an opaque session id.
type Manager struct {
	starter     Starter
	idleTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
	metrics     *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*entry
}

type entry struct {
	lock     chan struct{} // one slot, held for the duration of each operation
	sess     *workflow.Session
	lastUsed atomic.Int64 // unix nanos
	closed   atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock overrides the time source used for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager. A zero idleTimeout disables expiry.
func NewManager(starter Starter, idleTimeout time.Duration, opts ...Option) *Manager {
	m := &Manager{
		starter:     starter,
		idleTimeout: idleTimeout,
		now:         time.Now,
		logger:      zap.NewNop(),
		sessions:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Login starts a workflow session and registers it under a new id.
func (m *Manager) Login(ctx context.Context, batchID, testerID, testerName string) (string, model.WorkflowView, error) {
	sess, err := m.starter.Start(ctx, batchID, testerID, testerName)
	if err != nil {
		return "", model.WorkflowView{}, err
	}

	id := uuid.NewString()
	e := &entry{lock: make(chan struct{}, 1), sess: sess}
	e.lastUsed.Store(m.now().UnixNano())

	m.mu.Lock()
	m.sessions[id] = e
	n := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetActiveSessions(n)
	m.logger.Info("session registered",
		append(observability.SessionFields(sess.Info()), zap.String("session_id", id))...,
	)
	return id, sess.View(), nil
}

// Do runs fn with exclusive access to the session. It returns
// SESSION_NOT_FOUND if the session does not exist or has been closed, and
// the context error if ctx ends while waiting for another operation.
func (m *Manager) Do(ctx context.Context, id string, fn func(*workflow.Session) error) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return model.NewSessionNotFoundError(id)
	}

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("wait for session %s: %w", id, ctx.Err())
	}
	defer func() { <-e.lock }()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("wait for session %s: %w", id, err)
	}
	if e.closed.Load() {
		return model.NewSessionNotFoundError(id)
	}
	e.lastUsed.Store(m.now().UnixNano())
	return fn(e.sess)
}

// Logout discards the session. Persisted progress is unaffected.
func (m *Manager) Logout(id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return model.NewSessionNotFoundError(id)
	}
	e.closed.Store(true)
	m.metrics.SetActiveSessions(n)
	m.logger.Info("session closed", zap.String("session_id", id))
	return nil
}

// Sweep closes sessions idle for longer than the idle timeout and returns how
// many were closed.
func (m *Manager) Sweep(now time.Time) int {
	if m.idleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-m.idleTimeout).UnixNano()

	m.mu.Lock()
	var expired []string
	for id, e := range m.sessions {
		if e.lastUsed.Load() < cutoff {
			e.closed.Store(true)
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if len(expired) > 0 {
		m.metrics.RecordSessionsExpired(len(expired))
		m.metrics.SetActiveSessions(n)
		m.logger.Info("idle sessions expired", zap.Int("count", len(expired)), zap.Int("remaining", n))
	}
	return len(expired)
}

// Run sweeps idle sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
