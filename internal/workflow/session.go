package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/qualitrace/internal/observability"
	"github.com/pitabwire/qualitrace/model"
)

// Session is one tester's active run through a batch's testing steps.
//
// A Session is not safe for concurrent use; callers serialise operations on
// it (see the session manager).
type Session struct {
	engine  *Engine
	info    model.TestingSession
	snap    model.WorkflowSnapshot
	pointer int
	pending *pendingLocation
	logger  *zap.Logger
}

// pendingLocation is a captured position bound to the step that was current
// when it was captured.
type pendingLocation struct {
	stepID string
	coord  model.Coordinate
}

// Info returns the login details of the session.
func (s *Session) Info() model.TestingSession {
	return s.info
}

// AddStep appends a new open step. The current step is unchanged, so a step
// added after every step is complete stays pending for this session and is
// not persisted.
func (s *Session) AddStep() model.Step {
	seq := s.snap.NextStepSeq
	if seq < 1 {
		seq = len(s.snap.Steps) + 1
	}
	step := model.Step{
		ID:    fmt.Sprintf("%s%d", stepIDPrefix, seq),
		Title: fmt.Sprintf(stepTitleFormat, len(s.snap.Steps)+1),
	}
	s.snap.Steps = append(s.snap.Steps, step)
	s.snap.NextStepSeq = seq + 1

	s.engine.metrics.RecordStepAdded()
	s.logger.Debug("step added", zap.String("step_id", step.ID))
	return step
}

// RemoveStep deletes an open step. The sequence never drops below one step
// and completed steps cannot be removed.
func (s *Session) RemoveStep(stepID string) error {
	idx := s.indexOf(stepID)
	if idx < 0 {
		return s.reject("remove_step", model.NewStepNotFoundError(stepID))
	}
	if len(s.snap.Steps) <= 1 {
		return s.reject("remove_step", model.NewLastStepError())
	}
	if s.isCompleted(stepID) {
		return s.reject("remove_step", model.NewStepLockedError(stepID))
	}

	s.snap.Steps = slices.Delete(s.snap.Steps, idx, idx+1)
	delete(s.snap.Results, stepID)
	if s.pending != nil && s.pending.stepID == stepID {
		s.pending = nil
	}

	if s.pointer >= idx && s.pointer > 0 {
		s.pointer--
		// Steps before an open step are always completed, so the decrement
		// can land on a completed step; move on to the first open one.
		if s.isCompleted(s.snap.Steps[s.pointer].ID) {
			s.pointer = s.firstOpenIndex()
		}
	}

	s.engine.metrics.RecordStepRemoved()
	s.logger.Debug("step removed", zap.String("step_id", stepID), zap.Int("current_step_index", s.pointer))
	return nil
}

// UpdateStep changes the title and description of an open step.
func (s *Session) UpdateStep(stepID, title, description string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return s.reject("update_step", model.NewEmptyInputError("title"))
	}
	idx := s.indexOf(stepID)
	if idx < 0 {
		return s.reject("update_step", model.NewStepNotFoundError(stepID))
	}
	if s.isCompleted(stepID) {
		return s.reject("update_step", model.NewStepLockedError(stepID))
	}

	s.snap.Steps[idx].Title = title
	s.snap.Steps[idx].Description = strings.TrimSpace(description)
	s.logger.Debug("step updated", zap.String("step_id", stepID))
	return nil
}

// RecordResult upserts a named result on the current step.
func (s *Session) RecordResult(stepID, name, value string) error {
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	var missing []string
	if name == "" {
		missing = append(missing, "name")
	}
	if value == "" {
		missing = append(missing, "value")
	}
	if len(missing) > 0 {
		return s.reject("record_result", model.NewEmptyInputError(missing...))
	}

	if s.indexOf(stepID) < 0 {
		return s.reject("record_result", model.NewStepNotFoundError(stepID))
	}
	if s.isCompleted(stepID) {
		return s.reject("record_result", model.NewStepLockedError(stepID))
	}
	if stepID != s.currentStep().ID {
		return s.reject("record_result", model.NewStepNotCurrentError(stepID))
	}

	entries := s.snap.Results[stepID]
	if entries == nil {
		entries = make(map[string]string)
		s.snap.Results[stepID] = entries
	}
	entries[name] = value

	s.engine.metrics.RecordResult()
	s.logger.Debug("result recorded", zap.String("step_id", stepID), zap.String("name", name))
	return nil
}

// RemoveResult deletes a named result. Removing from a locked or non-current
// step, or removing an absent name, does nothing.
func (s *Session) RemoveResult(stepID, name string) error {
	if s.indexOf(stepID) < 0 {
		return s.reject("remove_result", model.NewStepNotFoundError(stepID))
	}
	if s.isCompleted(stepID) || stepID != s.currentStep().ID {
		return nil
	}

	entries := s.snap.Results[stepID]
	if _, ok := entries[name]; !ok {
		return nil
	}
	delete(entries, name)
	if len(entries) == 0 {
		delete(s.snap.Results, stepID)
	}
	s.logger.Debug("result removed", zap.String("step_id", stepID), zap.String("name", name))
	return nil
}

// CaptureLocation asks the provider for the current position and, on
// success, records it as the pending location of the current step. On
// failure the session is unchanged.
func (s *Session) CaptureLocation(ctx context.Context, provider LocationProvider) (coord model.Coordinate, err error) {
	step := s.currentStep()
	ctx, span := observability.StartSpan(ctx, "workflow.capture_location",
		observability.AttrBatchID.String(s.info.BatchID),
		observability.AttrStepID.String(step.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if s.isCompleted(step.ID) {
		return model.Coordinate{}, s.reject("capture_location", model.NewStepLockedError(step.ID))
	}

	coord, err = provider.CurrentLocation(ctx)
	if err == nil {
		if verr := coord.Validate(); verr != nil {
			err = verr
		}
	}
	if err != nil {
		s.engine.metrics.RecordLocationCapture(false)
		if !model.IsCode(err, model.ErrLocationUnavailable) {
			err = model.NewLocationUnavailableError(err.Error())
		}
		return model.Coordinate{}, s.reject("capture_location", err)
	}

	s.pending = &pendingLocation{stepID: step.ID, coord: coord}
	s.engine.metrics.RecordLocationCapture(true)
	s.logger.Info("location captured",
		zap.String("step_id", step.ID),
		zap.Float64("lat", coord.Lat),
		zap.Float64("lng", coord.Lng),
	)
	return coord, nil
}

// CompleteCurrentStep locks the current step, persists the snapshot and
// advances to the next step. Either every effect is applied or none is.
func (s *Session) CompleteCurrentStep(ctx context.Context) (result model.StepAdvanceResult, err error) {
	step := s.currentStep()
	ctx, span := observability.StartSpan(ctx, "workflow.complete_step",
		observability.AttrBatchID.String(s.info.BatchID),
		observability.AttrStepID.String(step.ID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Preconditions.
	if s.isCompleted(step.ID) {
		return model.StepAdvanceResult{}, s.reject("complete_step", model.NewStepLockedError(step.ID))
	}
	if s.pending == nil || s.pending.stepID != step.ID {
		return model.StepAdvanceResult{}, s.reject("complete_step", model.NewLocationRequiredError())
	}
	if len(s.snap.Results[step.ID]) == 0 {
		return model.StepAdvanceResult{}, s.reject("complete_step", model.NewNoResultsError())
	}

	// 2. Build the next state on a copy.
	next := s.snap.Clone()
	next.Completions[step.ID] = model.StepCompletion{
		CompletedBy:     s.info.TesterID,
		CompletedByName: s.info.TesterName,
		CompletedAt:     s.engine.now().UTC(),
		Location:        s.pending.coord,
	}
	next.CompletedStepIDs = append(next.CompletedStepIDs, step.ID)

	// 3. Persist. Nothing changes in memory unless this succeeds.
	saved, err := s.engine.save(ctx, next)
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			return model.StepAdvanceResult{}, s.reject("complete_step", err)
		}
		s.logger.Error("snapshot save failed", zap.String("step_id", step.ID), zap.Error(err))
		return model.StepAdvanceResult{}, fmt.Errorf("save snapshot: %w", err)
	}

	// 4. Commit and advance.
	s.snap = saved
	s.pending = nil
	if s.pointer < len(s.snap.Steps)-1 {
		s.pointer++
		result = model.StepAdvanceResult{Advanced: true, NextStepID: s.snap.Steps[s.pointer].ID}
	} else {
		result = model.StepAdvanceResult{AllStepsComplete: true}
	}

	s.engine.metrics.RecordStepCompleted(result.AllStepsComplete)
	s.logger.Info("step completed",
		zap.String("step_id", step.ID),
		zap.Int("version", saved.Version),
		zap.Bool("all_steps_complete", result.AllStepsComplete),
	)
	return result, nil
}

// AllStepsComplete reports whether every step carries a completion.
func (s *Session) AllStepsComplete() bool {
	for _, st := range s.snap.Steps {
		if !s.isCompleted(st.ID) {
			return false
		}
	}
	return true
}

// View projects the session state for presentation.
func (s *Session) View() model.WorkflowView {
	current := s.currentStep()
	view := model.WorkflowView{
		Session:          s.info,
		CurrentStepIndex: s.pointer,
		CurrentStepID:    current.ID,
		Steps:            make([]model.StepView, 0, len(s.snap.Steps)),
		Ledger:           make(map[string]map[string]string, len(s.snap.Results)),
		CompletedStepIDs: append([]string{}, s.snap.CompletedStepIDs...),
		AllStepsComplete: s.AllStepsComplete(),
		Version:          s.snap.Version,
	}

	for i, st := range s.snap.Steps {
		sv := model.StepView{
			Step:    st,
			Index:   i,
			Results: copyEntries(s.snap.Results[st.ID]),
		}
		completion, done := s.snap.Completions[st.ID]
		switch {
		case done:
			sv.Status = model.StepStatusCompleted
			sv.Completion = &completion
		case i == s.pointer:
			sv.Status = model.StepStatusCurrent
		default:
			sv.Status = model.StepStatusPending
		}
		sv.Locked = done || i < s.pointer
		view.Steps = append(view.Steps, sv)
	}

	for stepID, entries := range s.snap.Results {
		view.Ledger[stepID] = copyEntries(entries)
	}

	if s.pending != nil && s.pending.stepID == current.ID {
		coord := s.pending.coord
		view.PendingLocation = &coord
	}
	return view
}

func (s *Session) currentStep() model.Step {
	return s.snap.Steps[s.pointer]
}

func (s *Session) indexOf(stepID string) int {
	return slices.IndexFunc(s.snap.Steps, func(st model.Step) bool { return st.ID == stepID })
}

func (s *Session) isCompleted(stepID string) bool {
	_, ok := s.snap.Completions[stepID]
	return ok
}

// firstOpenIndex returns the index of the first step without a completion,
// or the last index when all are complete.
func (s *Session) firstOpenIndex() int {
	for i, st := range s.snap.Steps {
		if !s.isCompleted(st.ID) {
			return i
		}
	}
	return len(s.snap.Steps) - 1
}

func (s *Session) reject(op string, err error) error {
	code := model.CodeOf(err)
	s.engine.metrics.RecordRejection(op, code)
	s.logger.Warn("workflow operation rejected",
		zap.String("operation", op),
		zap.String("code", code),
		zap.Error(err),
	)
	return err
}

func copyEntries(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
