package model

import (
	"fmt"
	"math"
	"time"
)

// Step display status constants used by the step overview.
const (
	StepStatusCompleted = "completed"
	StepStatusCurrent   = "current"
	StepStatusPending   = "pending"
)

// Coordinate is a latitude/longitude pair in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks that the coordinate is finite and within WGS84 ranges.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", c.Lat)
	}
	if math.IsNaN(c.Lng) || math.IsInf(c.Lng, 0) || c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", c.Lng)
	}
	return nil
}

// Step is one stage of a batch's testing protocol. Position is implied by
// its index in the owning sequence.
type Step struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// StepCompletion is attached to a step when it is completed. Once present
// the step and its results are read-only.
type StepCompletion struct {
	CompletedBy     string     `json:"completed_by"`
	CompletedByName string     `json:"completed_by_name"`
	CompletedAt     time.Time  `json:"completed_at"`
	Location        Coordinate `json:"location"`
}

// TestingSession identifies one tester's login against one batch.
type TestingSession struct {
	BatchID        string    `json:"batch_id"`
	TesterID       string    `json:"tester_id"`
	TesterName     string    `json:"tester_name"`
	LoginTimestamp time.Time `json:"login_timestamp"`
}

// WorkflowSnapshot is the persisted, resumable projection of a batch's
// testing progress. Version is the optimistic concurrency stamp: zero means
// nothing has been stored yet.
type WorkflowSnapshot struct {
	BatchID          string                       `json:"batch_id"`
	Steps            []Step                       `json:"steps"`
	Results          map[string]map[string]string `json:"results"`
	Completions      map[string]StepCompletion    `json:"completions"`
	CompletedStepIDs []string                     `json:"completed_step_ids"`
	NextStepSeq      int                          `json:"next_step_seq"`
	Version          int                          `json:"version"`
	UpdatedAt        time.Time                    `json:"updated_at"`
}

// Clone returns a deep copy of the snapshot.
func (s WorkflowSnapshot) Clone() WorkflowSnapshot {
	out := s
	out.Steps = append([]Step(nil), s.Steps...)
	out.CompletedStepIDs = append([]string(nil), s.CompletedStepIDs...)
	out.Results = make(map[string]map[string]string, len(s.Results))
	for stepID, entries := range s.Results {
		cp := make(map[string]string, len(entries))
		for k, v := range entries {
			cp[k] = v
		}
		out.Results[stepID] = cp
	}
	out.Completions = make(map[string]StepCompletion, len(s.Completions))
	for stepID, c := range s.Completions {
		out.Completions[stepID] = c
	}
	return out
}

// StepAdvanceResult reports the outcome of a successful step completion.
type StepAdvanceResult struct {
	Advanced         bool   `json:"advanced"`
	NextStepID       string `json:"next_step_id,omitempty"`
	AllStepsComplete bool   `json:"all_steps_complete"`
}

// StepView is a step as rendered in the step overview.
type StepView struct {
	Step
	Index      int               `json:"index"`
	Status     string            `json:"status"`
	Locked     bool              `json:"locked"`
	Results    map[string]string `json:"results"`
	Completion *StepCompletion   `json:"completion,omitempty"`
}

// WorkflowView is the full state the presentation layer renders after every
// operation.
type WorkflowView struct {
	Session          TestingSession               `json:"session"`
	CurrentStepIndex int                          `json:"current_step_index"`
	CurrentStepID    string                       `json:"current_step_id"`
	Steps            []StepView                   `json:"steps"`
	Ledger           map[string]map[string]string `json:"ledger"`
	CompletedStepIDs []string                     `json:"completed_step_ids"`
	PendingLocation  *Coordinate                  `json:"pending_location,omitempty"`
	AllStepsComplete bool                         `json:"all_steps_complete"`
	Version          int                          `json:"version"`
}
