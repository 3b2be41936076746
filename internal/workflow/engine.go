package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/qualitrace/internal/observability"
	"github.com/pitabwire/qualitrace/model"
)

// Defaults for newly created steps.
const (
	DefaultStepDescription = "Add your testing procedures and results"
	stepIDPrefix           = "step"
	stepTitleFormat        = "Testing Step %d"
)

// BatchDirectory reports which batches may be tested.
type BatchDirectory interface {
	IsEligible(batchID string) bool
}

// LocationProvider supplies the tester's current position.
type LocationProvider interface {
	CurrentLocation(ctx context.Context) (model.Coordinate, error)
}

// Engine starts testing sessions against eligible batches and persists their
// progress through a SnapshotStore.
type Engine struct {
	directory   BatchDirectory
	store       SnapshotStore
	storeDriver string
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source used for login and completion stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithStoreDriver names the snapshot store driver on trace spans.
func WithStoreDriver(name string) Option {
	return func(e *Engine) { e.storeDriver = name }
}

// NewEngine creates a new testing workflow engine.
func NewEngine(directory BatchDirectory, store SnapshotStore, opts ...Option) *Engine {
	e := &Engine{
		directory:   directory,
		store:       store,
		storeDriver: "memory",
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start logs a tester into a batch. If a snapshot exists for the batch the
// session resumes it, otherwise it begins with a single default step.
func (e *Engine) Start(ctx context.Context, batchID, testerID, testerName string) (sess *Session, err error) {
	batchID = strings.TrimSpace(batchID)
	testerID = strings.TrimSpace(testerID)
	testerName = strings.TrimSpace(testerName)

	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrBatchID.String(batchID),
		observability.AttrTesterID.String(testerID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Validate login fields.
	var missing []string
	if batchID == "" {
		missing = append(missing, "batch_id")
	}
	if testerID == "" {
		missing = append(missing, "tester_id")
	}
	if testerName == "" {
		missing = append(missing, "tester_name")
	}
	if len(missing) > 0 {
		e.metrics.RecordRejection("start", model.ErrEmptyInput)
		return nil, model.NewEmptyInputError(missing...)
	}

	// 2. Check eligibility.
	if !e.directory.IsEligible(batchID) {
		e.metrics.RecordRejection("start", model.ErrBatchNotEligible)
		e.logger.Warn("login rejected", zap.String("batch_id", batchID), zap.String("tester_id", testerID))
		return nil, model.NewBatchNotEligibleError(batchID)
	}

	// 3. Restore persisted progress.
	snap, found, err := e.store.Load(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	e.metrics.RecordSnapshotLoad(found)
	if found {
		snap = restore(batchID, snap)
	} else {
		snap = freshSnapshot(batchID)
	}
	span.SetAttributes(observability.AttrResumed.Bool(found))

	// 4. Build the session.
	info := model.TestingSession{
		BatchID:        batchID,
		TesterID:       testerID,
		TesterName:     testerName,
		LoginTimestamp: e.now().UTC(),
	}
	sess = &Session{
		engine: e,
		info:   info,
		snap:   snap,
		logger: e.logger.With(observability.SessionFields(info)...),
	}
	sess.pointer = sess.firstOpenIndex()

	e.metrics.RecordSessionStart(found)
	sess.logger.Info("testing session started",
		zap.Bool("resumed", found),
		zap.Int("steps", len(snap.Steps)),
		zap.Int("completed", len(snap.CompletedStepIDs)),
	)
	return sess, nil
}

// save persists snap and records store metrics.
func (e *Engine) save(ctx context.Context, snap model.WorkflowSnapshot) (out model.WorkflowSnapshot, err error) {
	ctx, span := observability.StartSpan(ctx, "snapshot.save",
		observability.AttrBatchID.String(snap.BatchID),
		observability.AttrStoreDriver.String(e.storeDriver),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	start := time.Now()
	out, err = e.store.Save(ctx, snap)
	status := "ok"
	switch {
	case model.IsCode(err, model.ErrConflict):
		status = "conflict"
	case err != nil:
		status = "error"
	}
	e.metrics.RecordSnapshotSave(status, time.Since(start))
	return out, err
}

// freshSnapshot is the state of a batch that has never been tested.
func freshSnapshot(batchID string) model.WorkflowSnapshot {
	return model.WorkflowSnapshot{
		BatchID: batchID,
		Steps: []model.Step{{
			ID:          stepIDPrefix + "1",
			Title:       fmt.Sprintf(stepTitleFormat, 1),
			Description: DefaultStepDescription,
		}},
		Results:     make(map[string]map[string]string),
		Completions: make(map[string]model.StepCompletion),
		NextStepSeq: 2,
	}
}

// restore normalises a loaded snapshot so the session invariants hold.
func restore(batchID string, snap model.WorkflowSnapshot) model.WorkflowSnapshot {
	if len(snap.Steps) == 0 {
		fresh := freshSnapshot(batchID)
		fresh.Version = snap.Version
		fresh.UpdatedAt = snap.UpdatedAt
		return fresh
	}
	snap.BatchID = batchID
	if snap.Results == nil {
		snap.Results = make(map[string]map[string]string)
	}
	if snap.Completions == nil {
		snap.Completions = make(map[string]model.StepCompletion)
	}
	// Step ids are never reused, even if the stored counter lags behind.
	for _, st := range snap.Steps {
		if n := stepSeq(st.ID); n >= snap.NextStepSeq {
			snap.NextStepSeq = n + 1
		}
	}
	for _, id := range snap.CompletedStepIDs {
		if n := stepSeq(id); n >= snap.NextStepSeq {
			snap.NextStepSeq = n + 1
		}
	}
	return snap
}

// stepSeq extracts N from a "step<N>" id, or 0.
func stepSeq(id string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(id, stepIDPrefix))
	if err != nil || !strings.HasPrefix(id, stepIDPrefix) {
		return 0
	}
	return n
}
