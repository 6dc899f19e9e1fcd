package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chaind/internal/hooks"
	"github.com/fyrsmithlabs/chaind/internal/session"
	"github.com/fyrsmithlabs/chaind/internal/verdict"
)

const instrumentationName = "github.com/fyrsmithlabs/chaind/internal/gate"

// Errors for enforcement operations.
var (
	ErrRetryLimitNotExceeded = errors.New("retry limit not exceeded")
	ErrUnknownAction         = errors.New("unknown gate action")
)

// Action is the out-of-band resolution once a blocking gate exhausts its
// attempts.
type Action string

const (
	// ActionRetry resets the attempt counter; the review stays pending.
	ActionRetry Action = "retry"

	// ActionSkip clears the review and unblocks without a passing verdict.
	ActionSkip Action = "skip"

	// ActionAbort marks the session aborted and halts further execution.
	ActionAbort Action = "abort"
)

// ParseAction validates an action string.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionRetry, ActionSkip, ActionAbort:
		return Action(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Disposition classifies what the authority decided for a request.
type Disposition string

const (
	// DispositionNone means no review and no verdict: nothing to enforce.
	DispositionNone Disposition = "none"

	// DispositionCleared means a PASS cleared the review and the step
	// advanced.
	DispositionCleared Disposition = "cleared"

	// DispositionBlocked means a blocking FAIL kept the session on the
	// same step, awaiting another verdict.
	DispositionBlocked Disposition = "blocked"

	// DispositionRetryExhausted means a blocking FAIL pushed attempts
	// past the maximum; an explicit retry/skip/abort is now required.
	DispositionRetryExhausted Disposition = "retry_exhausted"

	// DispositionAdvancedWithWarning means an advisory FAIL was logged
	// and the step advanced anyway.
	DispositionAdvancedWithWarning Disposition = "advanced_with_warning"

	// DispositionAdvancedInformational means an informational FAIL left
	// only an audit trail entry and the step advanced.
	DispositionAdvancedInformational Disposition = "advanced_informational"

	// DispositionRecorded means a deferred FAIL verdict arrived with no
	// pending review and was recorded for audit only.
	DispositionRecorded Disposition = "recorded"
)

// Outcome is the authority's decision for one request.
type Outcome struct {
	Disposition Disposition
	Advanced    bool
	Warning     string
	Review      *session.GateReviewRecord
	DecidedAt   time.Time
}

// Blocking reports whether the outcome leaves the session blocked.
func (o *Outcome) Blocking() bool {
	return o.Disposition == DispositionBlocked || o.Disposition == DispositionRetryExhausted
}

// Authority consumes the verdict parser and the session store and
// implements the enforcement-mode state machine.
type Authority struct {
	sessions session.Service
	policies PolicyProvider
	emitter  *hooks.Emitter
	logger   *zap.Logger

	meter          metric.Meter
	verdictCounter metric.Int64Counter
}

// NewAuthority creates a gate enforcement authority.
func NewAuthority(sessions session.Service, policies PolicyProvider, emitter *hooks.Emitter, logger *zap.Logger) (*Authority, error) {
	if sessions == nil {
		return nil, errors.New("session service is required")
	}
	if policies == nil {
		policies = NewStaticPolicyProvider(DefaultPolicy())
	}
	if emitter == nil {
		emitter = hooks.NewEmitter(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Authority{
		sessions: sessions,
		policies: policies,
		emitter:  emitter,
		logger:   logger,
		meter:    otel.Meter(instrumentationName),
	}
	a.initMetrics()
	return a, nil
}

func (a *Authority) initMetrics() {
	var err error
	a.verdictCounter, err = a.meter.Int64Counter(
		"chaind.gate.verdicts_total",
		metric.WithDescription("Total number of gate verdicts processed"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		a.logger.Warn("failed to create verdict counter", zap.Error(err))
	}
}

func (a *Authority) recordVerdict(ctx context.Context, result verdict.Result, disposition Disposition) {
	if a.verdictCounter != nil {
		a.verdictCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("result", string(result)),
			attribute.String("disposition", string(disposition)),
		))
	}
}

// EnsureReviewForStep installs a pending review when the blueprint names
// gates for the step just executed. No-op when the step has no gates or a
// review already exists.
func (a *Authority) EnsureReviewForStep(ctx context.Context, sess *session.ChainSession, step int) error {
	if sess.PendingGateReview != nil {
		return nil
	}
	if sess.Blueprint == nil {
		return nil
	}

	var gateIDs []string
	for _, bs := range sess.Blueprint.Steps {
		if bs.Number == step {
			gateIDs = bs.GateIDs
			break
		}
	}
	if len(gateIDs) == 0 {
		return nil
	}

	policy := a.policies.PolicyFor("", sess.ChainID, step, gateIDs)
	review := &session.GateReviewRecord{
		Step:        step,
		GateIDs:     gateIDs,
		MaxAttempts: policy.MaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.sessions.SetPendingGateReview(ctx, sess.SessionID, review); err != nil {
		return err
	}
	sess.PendingGateReview = review
	return nil
}

// HandleVerdict runs the enforcement state machine for one request.
//
// The sess argument is the request's snapshot; on advance its CurrentStep
// and PendingGateReview fields are refreshed in place so later pipeline
// stages observe store-consistent state.
func (a *Authority) HandleVerdict(ctx context.Context, sess *session.ChainSession, v *verdict.Verdict) (*Outcome, error) {
	outcome := &Outcome{Disposition: DispositionNone, DecidedAt: time.Now().UTC()}

	if v == nil && sess.PendingGateReview == nil {
		return outcome, nil
	}
	if v == nil {
		// Pending review, no verdict this request: stay blocked, nothing
		// to record.
		outcome.Disposition = DispositionBlocked
		outcome.Review = sess.PendingGateReview
		return outcome, nil
	}

	if sess.PendingGateReview == nil {
		return a.handleDeferredVerdict(ctx, sess, v, outcome)
	}
	return a.handleReviewVerdict(ctx, sess, v, outcome)
}

// handleDeferredVerdict handles a verdict arriving with no pending review.
func (a *Authority) handleDeferredVerdict(ctx context.Context, sess *session.ChainSession, v *verdict.Verdict, outcome *Outcome) (*Outcome, error) {
	if v.Passed() {
		advanced, err := a.sessions.AdvanceStep(ctx, sess.SessionID, sess.CurrentStep)
		if err != nil {
			return nil, fmt.Errorf("deferred pass advance: %w", err)
		}
		if advanced {
			sess.CurrentStep++
		}
		outcome.Disposition = DispositionCleared
		outcome.Advanced = advanced
		a.audit(sess, v, "cleared")
		a.emit(ctx, hooks.EventGatePassed, sess, v, nil)
		a.recordVerdict(ctx, v.Result, outcome.Disposition)
		return outcome, nil
	}

	// FAIL with no review: recorded for audit only.
	outcome.Disposition = DispositionRecorded
	a.audit(sess, v, "recorded")
	a.emit(ctx, hooks.EventGateFailed, sess, v, nil)
	a.recordVerdict(ctx, v.Result, outcome.Disposition)
	return outcome, nil
}

// handleReviewVerdict handles a verdict against the pending review.
func (a *Authority) handleReviewVerdict(ctx context.Context, sess *session.ChainSession, v *verdict.Verdict, outcome *Outcome) (*Outcome, error) {
	review := sess.PendingGateReview
	policy := a.policies.PolicyFor("", sess.ChainID, review.Step, review.GateIDs)

	if v.Passed() {
		status, rec, err := a.sessions.RecordGateReviewOutcome(ctx, sess.SessionID, reviewOutcome(v))
		if err != nil {
			return nil, fmt.Errorf("record pass outcome: %w", err)
		}
		if status != session.ReviewCleared {
			return nil, fmt.Errorf("unexpected review status %q for pass", status)
		}
		advanced, err := a.sessions.AdvanceStep(ctx, sess.SessionID, sess.CurrentStep)
		if err != nil {
			return nil, fmt.Errorf("pass advance: %w", err)
		}
		if advanced {
			sess.CurrentStep++
		}
		sess.PendingGateReview = nil

		outcome.Disposition = DispositionCleared
		outcome.Advanced = advanced
		outcome.Review = rec
		a.audit(sess, v, "cleared")
		a.emit(ctx, hooks.EventGatePassed, sess, v, rec)
		a.recordVerdict(ctx, v.Result, outcome.Disposition)
		return outcome, nil
	}

	switch policy.Mode {
	case ModeAdvisory:
		if err := a.sessions.ClearPendingGateReview(ctx, sess.SessionID); err != nil {
			return nil, fmt.Errorf("advisory clear: %w", err)
		}
		advanced, err := a.sessions.AdvanceStep(ctx, sess.SessionID, sess.CurrentStep)
		if err != nil {
			return nil, fmt.Errorf("advisory advance: %w", err)
		}
		if advanced {
			sess.CurrentStep++
		}
		sess.PendingGateReview = nil

		outcome.Disposition = DispositionAdvancedWithWarning
		outcome.Advanced = advanced
		outcome.Warning = fmt.Sprintf("gate review failed (advisory): %s", v.Rationale)
		a.logger.Warn("advisory gate failed, advancing anyway",
			zap.String("session_id", sess.SessionID),
			zap.Int("step", review.Step),
			zap.String("rationale", v.Rationale))
		a.audit(sess, v, "advanced_with_warning")
		a.emit(ctx, hooks.EventGateFailed, sess, v, review)
		a.recordVerdict(ctx, v.Result, outcome.Disposition)
		return outcome, nil

	case ModeInformational:
		if err := a.sessions.ClearPendingGateReview(ctx, sess.SessionID); err != nil {
			return nil, fmt.Errorf("informational clear: %w", err)
		}
		advanced, err := a.sessions.AdvanceStep(ctx, sess.SessionID, sess.CurrentStep)
		if err != nil {
			return nil, fmt.Errorf("informational advance: %w", err)
		}
		if advanced {
			sess.CurrentStep++
		}
		sess.PendingGateReview = nil

		outcome.Disposition = DispositionAdvancedInformational
		outcome.Advanced = advanced
		a.audit(sess, v, "advanced_informational")
		a.recordVerdict(ctx, v.Result, outcome.Disposition)
		return outcome, nil
	}

	// Blocking: stay on the same step, refresh attempt accounting.
	status, rec, err := a.sessions.RecordGateReviewOutcome(ctx, sess.SessionID, reviewOutcome(v))
	if err != nil {
		return nil, fmt.Errorf("record fail outcome: %w", err)
	}
	if status != session.ReviewPending {
		return nil, fmt.Errorf("unexpected review status %q for blocking fail", status)
	}
	sess.PendingGateReview = rec
	outcome.Review = rec

	if rec.RetryLimitExceeded {
		outcome.Disposition = DispositionRetryExhausted
		a.audit(sess, v, "retry_exhausted")
		a.emit(ctx, hooks.EventRetryExhausted, sess, v, rec)
	} else {
		outcome.Disposition = DispositionBlocked
		a.audit(sess, v, "blocked")
		a.emit(ctx, hooks.EventGateFailed, sess, v, rec)
	}
	if policy.WithholdResponseOnFail {
		a.emit(ctx, hooks.EventResponseBlocked, sess, v, rec)
	}
	a.recordVerdict(ctx, v.Result, outcome.Disposition)
	return outcome, nil
}

// ResolveRetryAction applies an explicit retry/skip/abort once the retry
// limit is exceeded. Applying an action when the limit is not exceeded is
// a rejected policy violation, never a silent success.
func (a *Authority) ResolveRetryAction(ctx context.Context, sess *session.ChainSession, action Action) (*Outcome, error) {
	exceeded, err := a.sessions.IsRetryLimitExceeded(ctx, sess.SessionID)
	if err != nil {
		return nil, err
	}
	if !exceeded {
		return nil, fmt.Errorf("%w: cannot apply %q", ErrRetryLimitNotExceeded, action)
	}

	outcome := &Outcome{DecidedAt: time.Now().UTC()}
	switch action {
	case ActionRetry:
		if err := a.sessions.ResetRetryCount(ctx, sess.SessionID); err != nil {
			return nil, err
		}
		if sess.PendingGateReview != nil {
			sess.PendingGateReview.AttemptCount = 0
			sess.PendingGateReview.RetryLimitExceeded = false
		}
		outcome.Disposition = DispositionBlocked
		outcome.Review = sess.PendingGateReview
		a.logger.Info("gate retry granted",
			zap.String("session_id", sess.SessionID),
			zap.Int("step", sess.CurrentStep))
		return outcome, nil

	case ActionSkip:
		if err := a.sessions.ClearPendingGateReview(ctx, sess.SessionID); err != nil {
			return nil, err
		}
		advanced, err := a.sessions.AdvanceStep(ctx, sess.SessionID, sess.CurrentStep)
		if err != nil {
			return nil, err
		}
		if advanced {
			sess.CurrentStep++
		}
		sess.PendingGateReview = nil
		outcome.Disposition = DispositionCleared
		outcome.Advanced = advanced
		a.logger.Info("gate skipped by explicit action",
			zap.String("session_id", sess.SessionID),
			zap.Int("step", sess.CurrentStep))
		return outcome, nil

	case ActionAbort:
		if err := a.sessions.Abort(ctx, sess.SessionID); err != nil {
			return nil, err
		}
		sess.Aborted = true
		sess.PendingGateReview = nil
		outcome.Disposition = DispositionRecorded
		a.emit(ctx, hooks.EventSessionAborted, sess, nil, nil)
		return outcome, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
}

// AbortSession aborts a session on explicit user request, regardless of
// gate state.
func (a *Authority) AbortSession(ctx context.Context, sess *session.ChainSession) error {
	if err := a.sessions.Abort(ctx, sess.SessionID); err != nil {
		return err
	}
	sess.Aborted = true
	sess.PendingGateReview = nil
	a.emit(ctx, hooks.EventSessionAborted, sess, nil, nil)
	a.logger.Info("session aborted",
		zap.String("session_id", sess.SessionID),
		zap.Int("step", sess.CurrentStep))
	return nil
}

func reviewOutcome(v *verdict.Verdict) *session.ReviewOutcome {
	return &session.ReviewOutcome{
		Passed:    v.Passed(),
		Rationale: v.Rationale,
		Source:    string(v.Source),
		Pattern:   v.DetectedPattern,
	}
}

// audit records verdict metadata in the structured log.
func (a *Authority) audit(sess *session.ChainSession, v *verdict.Verdict, outcome string) {
	a.logger.Info("gate verdict processed",
		zap.String("session_id", sess.SessionID),
		zap.String("chain_id", sess.ChainID),
		zap.Int("step", sess.CurrentStep),
		zap.String("verdict", string(v.Result)),
		zap.String("source", string(v.Source)),
		zap.String("pattern", v.DetectedPattern),
		zap.String("rationale", v.Rationale),
		zap.String("outcome", outcome))
}

// emit sends a gate lifecycle event; failures never abort the pipeline.
func (a *Authority) emit(ctx context.Context, t hooks.EventType, sess *session.ChainSession, v *verdict.Verdict, review *session.GateReviewRecord) {
	ev := hooks.Event{
		Type:      t,
		SessionID: sess.SessionID,
		ChainID:   sess.ChainID,
		Step:      sess.CurrentStep,
	}
	if v != nil {
		ev.Rationale = v.Rationale
	}
	if review != nil {
		ev.GateIDs = review.GateIDs
		ev.Step = review.Step
	}
	a.emitter.Emit(ctx, ev)
}
