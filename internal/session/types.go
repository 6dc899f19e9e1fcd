package session

import (
	"time"
)

// StepState is the lifecycle state of a single step record.
type StepState string

const (
	// StepPending means the step has been rendered but not yet captured.
	StepPending StepState = "PENDING"

	// StepCompleted means the step's output has been captured.
	StepCompleted StepState = "COMPLETED"
)

// StepRecord tracks the captured output of one chain step.
//
// A placeholder record may be overwritten by a real record for the same
// step; a real completed record is terminal.
type StepRecord struct {
	Step          int               `json:"step"`
	State         StepState         `json:"state"`
	IsPlaceholder bool              `json:"is_placeholder"`
	Content       string            `json:"content"`
	CapturedAt    time.Time         `json:"captured_at"`
	NamedOutputs  map[string]string `json:"named_outputs,omitempty"`
}

// Terminal reports whether the record can no longer be replaced.
func (r *StepRecord) Terminal() bool {
	return r.State == StepCompleted && !r.IsPlaceholder
}

// GateReviewRecord tracks the currently blocked step's review.
//
// At most one exists per session at a time. Cleared on PASS, on
// advisory/informational auto-advance, or on explicit skip/abort.
type GateReviewRecord struct {
	Step               int       `json:"step"`
	GateIDs            []string  `json:"gate_ids"`
	AttemptCount       int       `json:"attempt_count"`
	MaxAttempts        int       `json:"max_attempts"`
	RetryLimitExceeded bool      `json:"retry_limit_exceeded"`
	CreatedAt          time.Time `json:"created_at"`
}

// BlueprintStep is one planned step in a session blueprint.
type BlueprintStep struct {
	Number     int      `json:"number"`
	Name       string   `json:"name"`
	Type       string   `json:"type,omitempty"`
	Prompt     string   `json:"prompt,omitempty"`
	GateIDs    []string `json:"gate_ids,omitempty"`
	OutputName string   `json:"output_name,omitempty"`
}

// Blueprint is the persisted snapshot of a session's parsed command and
// execution plan. A resumed session re-renders from the blueprint rather
// than re-deriving requirements from possibly-changed source files, which
// insulates in-flight chains from hot reloads.
type Blueprint struct {
	Command          string            `json:"command"`
	Steps            []BlueprintStep   `json:"steps"`
	GateInstructions map[string]string `json:"gate_instructions,omitempty"`
}

// ChainSession is one durable record per chain run.
//
// CurrentStep is a 1-based cursor and never exceeds TotalSteps+1.
// StepStates entries are append-only and monotonic: a step once marked
// COMPLETED with real content is never reopened.
type ChainSession struct {
	SessionID         string              `json:"session_id"`
	ChainID           string              `json:"chain_id"`
	CurrentStep       int                 `json:"current_step"`
	TotalSteps        int                 `json:"total_steps"`
	StepStates        map[int]*StepRecord `json:"step_states"`
	PendingGateReview *GateReviewRecord   `json:"pending_gate_review,omitempty"`
	RetryCount        int                 `json:"retry_count"`
	Blueprint         *Blueprint          `json:"blueprint,omitempty"`

	// LastInjected maps injection type to the step number content was last
	// injected at. Consulted by first-only and interval frequency modes.
	LastInjected map[string]int `json:"last_injected,omitempty"`

	// InjectionOverrides maps injection type to a runtime "inject" or
	// "skip" override set for the remainder of the session.
	InjectionOverrides map[string]string `json:"injection_overrides,omitempty"`

	Aborted   bool      `json:"aborted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Completed reports whether the cursor has moved past the final step.
func (s *ChainSession) Completed() bool {
	return s.CurrentStep > s.TotalSteps
}

// StepRecordFor returns the record for a step, or nil.
func (s *ChainSession) StepRecordFor(step int) *StepRecord {
	if s.StepStates == nil {
		return nil
	}
	return s.StepStates[step]
}

// StepMeta carries capture metadata for UpdateSessionState.
type StepMeta struct {
	// IsPlaceholder distinguishes synthetic from real capture.
	IsPlaceholder bool

	// OutputName, when set, additionally stores the content under a
	// semantic key for downstream template reference.
	OutputName string
}

// ReviewStatus is the result of recording a gate review outcome.
type ReviewStatus string

const (
	// ReviewCleared means the pending review was removed.
	ReviewCleared ReviewStatus = "cleared"

	// ReviewPending means the review remains open with a refreshed
	// attempt count.
	ReviewPending ReviewStatus = "pending"
)

// ReviewOutcome is the verdict projection recorded against a pending review.
type ReviewOutcome struct {
	Passed    bool
	Rationale string
	Source    string
	Pattern   string
}
