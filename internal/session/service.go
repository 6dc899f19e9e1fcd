package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/chaind/internal/session"

// Errors for store operations.
var (
	ErrStepOutOfRange        = errors.New("step out of range")
	ErrStepTerminal          = errors.New("step record is terminal")
	ErrSessionAborted        = errors.New("session is aborted")
	ErrNoPendingReview       = errors.New("no pending gate review")
	ErrReviewAlreadyPending  = errors.New("gate review already pending")
	ErrRetryLimitNotExceeded = errors.New("retry limit not exceeded")
)

// Service provides chain session store operations.
type Service interface {
	// Get retrieves a session. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*ChainSession, error)

	// Create creates a new session. A zero SessionID is generated.
	Create(ctx context.Context, req *CreateRequest) (*ChainSession, error)

	// AdvanceStep moves the cursor to fromStep+1. No-op (false, nil) when
	// the session is already past fromStep, which protects against
	// double-advance within one request and across retried requests.
	AdvanceStep(ctx context.Context, id string, fromStep int) (bool, error)

	// UpdateSessionState upserts the step record for a step. A real
	// completed record is terminal and cannot be replaced.
	UpdateSessionState(ctx context.Context, id string, step int, content string, meta *StepMeta) error

	// CompleteStep marks a step record COMPLETED. With preservePlaceholder
	// the placeholder flag is retained so a later real response can still
	// overwrite it; without it the record becomes terminal.
	CompleteStep(ctx context.Context, id string, step int, preservePlaceholder bool) error

	// SetPendingGateReview installs the review record for the currently
	// blocked step. At most one review exists per session.
	SetPendingGateReview(ctx context.Context, id string, review *GateReviewRecord) error

	// RecordGateReviewOutcome projects a verdict onto the pending review.
	// PASS clears the review; FAIL refreshes the attempt count and flags
	// retry exhaustion once attempts exceed the maximum.
	RecordGateReviewOutcome(ctx context.Context, id string, outcome *ReviewOutcome) (ReviewStatus, *GateReviewRecord, error)

	// UpdateBlueprint persists the parsed-command/execution-plan snapshot.
	UpdateBlueprint(ctx context.Context, id string, bp *Blueprint) error

	// IsRetryLimitExceeded reports whether the pending review has
	// exhausted its attempts.
	IsRetryLimitExceeded(ctx context.Context, id string) (bool, error)

	// ResetRetryCount resets retry accounting, keeping the review pending.
	ResetRetryCount(ctx context.Context, id string) error

	// ClearPendingGateReview removes the pending review without a verdict.
	ClearPendingGateReview(ctx context.Context, id string) error

	// MarkInjected records that content of the given injection type was
	// injected at the given step.
	MarkInjected(ctx context.Context, id, injectionType string, step int) error

	// SetInjectionOverride installs a runtime "inject" or "skip" override
	// for an injection type, lasting the rest of the session.
	SetInjectionOverride(ctx context.Context, id, injectionType, action string) error

	// Abort marks the session aborted; further step execution halts.
	Abort(ctx context.Context, id string) error

	// Delete removes the session entirely.
	Delete(ctx context.Context, id string) error
}

// CreateRequest configures a new chain session.
type CreateRequest struct {
	SessionID  string
	ChainID    string
	TotalSteps int
	Blueprint  *Blueprint
}

type service struct {
	repo   Repository
	logger *zap.Logger

	meter      metric.Meter
	opsCounter metric.Int64Counter

	// Per-session mutexes: session identity is the sole sharding key, so
	// no cross-session locking is needed.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a session store backed by the given repository.
func NewService(repo Repository, logger *zap.Logger) (Service, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		repo:   repo,
		logger: logger,
		meter:  otel.Meter(instrumentationName),
		locks:  make(map[string]*sync.Mutex),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error
	s.opsCounter, err = s.meter.Int64Counter(
		"chaind.session.ops_total",
		metric.WithDescription("Total number of session store operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		s.logger.Warn("failed to create ops counter", zap.Error(err))
	}
}

func (s *service) recordOp(ctx context.Context, op string) {
	if s.opsCounter != nil {
		s.opsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}

// lockFor returns the mutex guarding one session's read-modify-write cycle.
func (s *service) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// mutate runs fn against the stored session under the per-session lock
// and persists the result when fn succeeds.
func (s *service) mutate(ctx context.Context, id string, fn func(*ChainSession) error) (*ChainSession, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.UpdatedAt = time.Now().UTC()
	if err := s.repo.Put(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *service) Get(ctx context.Context, id string) (*ChainSession, error) {
	s.recordOp(ctx, "get")
	return s.repo.Get(ctx, id)
}

func (s *service) Create(ctx context.Context, req *CreateRequest) (*ChainSession, error) {
	if req == nil {
		return nil, errors.New("create request is required")
	}
	if req.ChainID == "" {
		return nil, errors.New("chain id is required")
	}
	if req.TotalSteps < 1 {
		return nil, fmt.Errorf("total steps must be positive, got %d", req.TotalSteps)
	}

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if _, err := s.repo.Get(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &ChainSession{
		SessionID:   id,
		ChainID:     req.ChainID,
		CurrentStep: 1,
		TotalSteps:  req.TotalSteps,
		StepStates:  make(map[int]*StepRecord),
		Blueprint:   req.Blueprint,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Put(ctx, sess); err != nil {
		return nil, err
	}

	s.recordOp(ctx, "create")
	s.logger.Info("chain session created",
		zap.String("session_id", id),
		zap.String("chain_id", req.ChainID),
		zap.Int("total_steps", req.TotalSteps))
	return sess, nil
}

func (s *service) AdvanceStep(ctx context.Context, id string, fromStep int) (bool, error) {
	s.recordOp(ctx, "advance_step")

	advanced := false
	_, err := s.mutate(ctx, id, func(sess *ChainSession) error {
		if sess.Aborted {
			return ErrSessionAborted
		}
		if sess.CurrentStep != fromStep {
			// Already past fromStep (or not there yet): idempotent no-op.
			return nil
		}
		if fromStep+1 > sess.TotalSteps+1 {
			return fmt.Errorf("%w: advance to %d with %d total steps", ErrStepOutOfRange, fromStep+1, sess.TotalSteps)
		}
		// Refuse to move the cursor onto a step that already holds a
		// terminal real record; a late deferred PASS must not skip it.
		if rec := sess.StepRecordFor(fromStep + 1); rec != nil && rec.Terminal() {
			return fmt.Errorf("%w: step %d", ErrStepTerminal, fromStep+1)
		}
		sess.CurrentStep = fromStep + 1
		advanced = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if advanced {
		s.logger.Debug("step advanced",
			zap.String("session_id", id),
			zap.Int("from_step", fromStep),
			zap.Int("to_step", fromStep+1))
	}
	return advanced, nil
}

func (s *service) UpdateSessionState(ctx context.Context, id string, step int, content string, meta *StepMeta) error {
	s.recordOp(ctx, "update_state")
	if meta == nil {
		meta = &StepMeta{}
	}

	_, err := s.mutate(ctx, id, func(sess *ChainSession) error {
		if step < 1 || step > sess.TotalSteps {
			return fmt.Errorf("%w: step %d of %d", ErrStepOutOfRange, step, sess.TotalSteps)
		}
		if existing := sess.StepRecordFor(step); existing != nil && existing.Terminal() {
			return fmt.Errorf("%w: step %d", ErrStepTerminal, step)
		}

		rec := &StepRecord{
			Step:          step,
			State:         StepPending,
			IsPlaceholder: meta.IsPlaceholder,
			Content:       content,
			CapturedAt:    time.Now().UTC(),
		}
		if meta.OutputName != "" {
			rec.NamedOutputs = map[string]string{meta.OutputName: content}
		}
		if sess.StepStates == nil {
			sess.StepStates = make(map[int]*StepRecord)
		}
		sess.StepStates[step] = rec
		return nil
	})
	return err
}

func (s *service) CompleteStep(ctx context.Context, id string, step int, preservePlaceholder bool) error {
	s.recordOp(ctx, "complete_step")

	_, err := s.mutate(ctx, id, func(sess *ChainSession) error {
		rec := sess.StepRecordFor(step)
		if rec == nil {
			return fmt.Errorf("%w: no record for step %d", ErrStepOutOfRange, step)
		}
		rec.State = StepCompleted
		if !preservePlaceholder {
			rec.IsPlaceholder = false
		}
		return nil
	})
	return err
}

func (s *service) SetPendingGateReview(ctx context.Context, id string, review *GateReviewRecord) error {
	s.recordOp(ctx, "set_review")
	if review == nil {
		return errors.New("review record is required")
	}

	_, err := s.mutate(ctx, id, func(sess *ChainSession) error {
		if sess.PendingGateReview != nil {
			return fmt.Errorf("%w: step %d", ErrReviewAlreadyPending, sess.PendingGateReview.Step)
		}
		if review.CreatedAt.IsZero() {
			review.CreatedAt = time.Now().UTC()
		}
		sess.PendingGateReview = review
		return nil
	})
	return err
}

func (s *service) RecordGateReviewOutcome(ctx context.Context, id string, outcome *ReviewOutcome) (ReviewStatus, *GateReviewRecord, error) {
	s.recordOp(ctx, "record_review_outcome")
	if outcome == nil {
		return "", nil, errors.New("review outcome is required")
	}

	var (
		status ReviewStatus
		record GateReviewRecord
	)
	_, err := s.mutate(ctx, id, func(sess *ChainSession) error {
		if sess.PendingGateReview == nil {
			return ErrNoPendingReview
		}
		if outcome.Passed {
			record = *sess.PendingGateReview
			sess.PendingGateReview = nil
			status = ReviewCleared
			return nil
		}

		sess.PendingGateReview.AttemptCount++
		sess.RetryCount++
		if sess.PendingGateReview.AttemptCount >= sess.PendingGateReview.MaxAttempts {
			sess.PendingGateReview.RetryLimitExceeded = true
		}
		record = *sess.PendingGateReview
		status = ReviewPending
		return nil
	})
	if err != nil {
		return "", nil, err
	}

	s.logger.Debug("gate review outcome recorded",
		zap.String("session_id", id),
		zap.String("status", string(status)),
		zap.Int("attempts", record.AttemptCount),
		zap.String("rationale", outcome.Rationale))
	return status, &record, nil
}

func (s *service) UpdateBlueprint(ctx context.Context, id string, bp *Blueprint) error {
	s.recordOp(ctx, "update_blueprint")
	if bp == nil {
		return errors.New("blueprint is required")
	}

	_, err := s.mutate(ctx, id, func(sess *ChainSession) error {
		sess.Blueprint = bp
		return nil
	})
	return err
}

func (s *service) IsRetryLimitExceeded(ctx context.Context, id string) (bool, error) {
	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return sess.PendingGateReview != nil && sess.PendingGateReview.RetryLimitExceeded, nil
}

func (s *service) ResetRetryCount(ctx context.Context, id string) error {
	s.recordOp(ctx, "reset_retry")

	_, err := s.mutate(ctx, id, func(sess *ChainSession) error {
		sess.RetryCount = 0
		if sess.PendingGateReview != nil {
			sess.PendingGateReview.AttemptCount = 0
			sess.PendingGateReview.RetryLimitExceeded = false
		}
		return nil
	})
	return err
}

func (s *service) ClearPendingGateReview(ctx context.Context, id string) error {
	s.recordOp(ctx, "clear_review")

	_, err := s.mutate(ctx, id, func(sess *ChainSession) error {
		sess.PendingGateReview = nil
		return nil
	})
	return err
}

func (s *service) MarkInjected(ctx context.Context, id, injectionType string, step int) error {
	s.recordOp(ctx, "mark_injected")

	_, err := s.mutate(ctx, id, func(sess *ChainSession) error {
		if sess.LastInjected == nil {
			sess.LastInjected = make(map[string]int)
		}
		sess.LastInjected[injectionType] = step
		return nil
	})
	return err
}

func (s *service) SetInjectionOverride(ctx context.Context, id, injectionType, action string) error {
	s.recordOp(ctx, "set_injection_override")
	if action != "inject" && action != "skip" {
		return fmt.Errorf("invalid injection override %q: must be inject or skip", action)
	}

	_, err := s.mutate(ctx, id, func(sess *ChainSession) error {
		if sess.InjectionOverrides == nil {
			sess.InjectionOverrides = make(map[string]string)
		}
		sess.InjectionOverrides[injectionType] = action
		return nil
	})
	return err
}

func (s *service) Abort(ctx context.Context, id string) error {
	s.recordOp(ctx, "abort")

	_, err := s.mutate(ctx, id, func(sess *ChainSession) error {
		sess.Aborted = true
		sess.PendingGateReview = nil
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("chain session aborted", zap.String("session_id", id))
	return nil
}

func (s *service) Delete(ctx context.Context, id string) error {
	s.recordOp(ctx, "delete")
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}
