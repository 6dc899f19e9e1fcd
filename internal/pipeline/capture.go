package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chaind/internal/gate"
	"github.com/fyrsmithlabs/chaind/internal/session"
	"github.com/fyrsmithlabs/chaind/internal/verdict"
)

const instrumentationName = "github.com/fyrsmithlabs/chaind/internal/pipeline"

// PlaceholderContent stands in for step output the transport cannot
// deliver back to the orchestrator.
const PlaceholderContent = "[output produced on client; not delivered]"

// CaptureStage is the orchestrating pipeline stage for step response
// capture and gate verdict routing.
type CaptureStage struct {
	sessions  session.Service
	authority *gate.Authority
	logger    *zap.Logger

	meter          metric.Meter
	captureCounter metric.Int64Counter
}

// NewCaptureStage creates the capture stage.
func NewCaptureStage(sessions session.Service, authority *gate.Authority, logger *zap.Logger) (*CaptureStage, error) {
	if sessions == nil {
		return nil, errors.New("session service is required")
	}
	if authority == nil {
		return nil, errors.New("gate authority is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &CaptureStage{
		sessions:  sessions,
		authority: authority,
		logger:    logger,
		meter:     otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *CaptureStage) initMetrics() {
	var err error
	s.captureCounter, err = s.meter.Int64Counter(
		"chaind.pipeline.captures_total",
		metric.WithDescription("Total number of step captures"),
		metric.WithUnit("{capture}"),
	)
	if err != nil {
		s.logger.Warn("failed to create capture counter", zap.Error(err))
	}
}

func (s *CaptureStage) recordCapture(ctx context.Context, kind string) {
	if s.captureCounter != nil {
		s.captureCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// Process runs the capture stage for one request.
//
// Store inconsistencies (missing session, step out of range) short-circuit
// with a diagnostic note rather than an error; policy violations (a gate
// action when the retry limit is not exceeded) are returned to the caller.
func (s *CaptureStage) Process(ctx context.Context, rc *Context) error {
	// (1) Not a chain execution: exit without mutation.
	if !rc.IsChainExecution() {
		return nil
	}

	// (2)+(3) Refresh session context from the authoritative store, then
	// snapshot the cursor before any mutation this request might make.
	stored, err := s.sessions.Get(ctx, rc.Session.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			rc.Note(fmt.Sprintf("session %s not found; capture skipped", rc.Session.SessionID))
			return nil
		}
		return fmt.Errorf("refresh session: %w", err)
	}
	rc.Session = stored
	snapshotStep := stored.CurrentStep

	if stored.Aborted {
		rc.Note("session is aborted; capture skipped")
		return nil
	}

	// (4) Fresh or force-restarted session: nothing rendered yet.
	if rc.Lifecycle == LifecycleCreateNew || rc.Lifecycle == LifecycleForceRestart {
		return nil
	}

	// (5) Explicit retry/skip/abort resolution. This path never proceeds
	// to normal capture in the same request.
	if rc.Request.GateAction != "" {
		return s.resolveGateAction(ctx, rc)
	}

	// (6) Route any verdict through the enforcement authority.
	hasResponse := rc.Request.UserResponse != ""
	v := s.parseVerdict(rc)
	if v != nil && v.Source == verdict.SourceFreeText {
		// The free-text response was the verdict, not step output.
		hasResponse = false
	}
	if v != nil || stored.PendingGateReview != nil {
		outcome, err := s.authority.HandleVerdict(ctx, rc.Session, v)
		if err != nil {
			return fmt.Errorf("handle verdict: %w", err)
		}
		rc.Verdict = v
		rc.Outcome = outcome
		if outcome.Advanced {
			rc.AdvancedThisCall = true
		}
		if outcome.Warning != "" {
			rc.Warnings = append(rc.Warnings, outcome.Warning)
		}

		if outcome.Blocking() {
			rc.Note("gate review blocks progress; capture skipped")
			return nil
		}
		if outcome.Disposition != gate.DispositionNone && !hasResponse {
			// Terminal outcome with no accompanying real response.
			return nil
		}
	}

	// (7) Resolve the capture target and write a real record or a
	// placeholder.
	return s.capture(ctx, rc, snapshotStep, hasResponse)
}

// parseVerdict extracts a verdict from the explicit parameter first, then
// from the free-text response. Unparseable text is "no verdict", never an
// error.
func (s *CaptureStage) parseVerdict(rc *Context) *verdict.Verdict {
	if rc.Request.GateVerdict != "" {
		if v := verdict.Parse(rc.Request.GateVerdict, verdict.SourceExplicit); v != nil {
			return v
		}
		rc.Note("gate_verdict parameter present but unparseable; treated as no verdict")
	}
	if rc.Request.UserResponse != "" {
		return verdict.Parse(rc.Request.UserResponse, verdict.SourceFreeText)
	}
	return nil
}

func (s *CaptureStage) resolveGateAction(ctx context.Context, rc *Context) error {
	action, err := gate.ParseAction(rc.Request.GateAction)
	if err != nil {
		return err
	}
	outcome, err := s.authority.ResolveRetryAction(ctx, rc.Session, action)
	if err != nil {
		return err
	}
	rc.Outcome = outcome
	if outcome.Advanced {
		rc.AdvancedThisCall = true
	}
	s.logger.Info("gate action resolved",
		zap.String("session_id", rc.Session.SessionID),
		zap.String("action", string(action)),
		zap.String("disposition", string(outcome.Disposition)))
	return nil
}

func (s *CaptureStage) capture(ctx context.Context, rc *Context, snapshotStep int, hasResponse bool) error {
	sess := rc.Session
	// The target comes from the pre-mutation snapshot: a verdict that
	// advanced the cursor earlier in this request must not redirect the
	// response onto a step that was never rendered.
	target, ok := session.ResolveCaptureTarget(snapshotStep, sess.TotalSteps, hasResponse)
	if !ok {
		rc.Note(fmt.Sprintf("capture target out of range (cursor %d of %d); capture skipped",
			snapshotStep, sess.TotalSteps))
		return nil
	}

	if !hasResponse {
		return s.capturePlaceholder(ctx, rc, target)
	}
	return s.captureResponse(ctx, rc, snapshotStep, target)
}

func (s *CaptureStage) captureResponse(ctx context.Context, rc *Context, snapshotStep, target int) error {
	sess := rc.Session

	meta := &session.StepMeta{}
	if sess.Blueprint != nil {
		for _, bs := range sess.Blueprint.Steps {
			if bs.Number == target {
				meta.OutputName = bs.OutputName
				break
			}
		}
	}

	err := s.sessions.UpdateSessionState(ctx, sess.SessionID, target, rc.Request.UserResponse, meta)
	if err != nil {
		if errors.Is(err, session.ErrStepTerminal) || errors.Is(err, session.ErrStepOutOfRange) {
			rc.Note(fmt.Sprintf("step %d not capturable: %v", target, err))
			return nil
		}
		return fmt.Errorf("capture response: %w", err)
	}
	if err := s.sessions.CompleteStep(ctx, sess.SessionID, target, false); err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	rc.CapturedStep = target
	s.recordCapture(ctx, "response")

	// Gates for the step just captured open a review before any advance.
	if err := s.authority.EnsureReviewForStep(ctx, sess, target); err != nil {
		return fmt.Errorf("ensure review: %w", err)
	}
	if sess.PendingGateReview != nil {
		rc.Note(fmt.Sprintf("step %d awaiting gate review", target))
		return nil
	}

	if !rc.AdvancedThisCall && target == snapshotStep {
		advanced, err := s.sessions.AdvanceStep(ctx, sess.SessionID, snapshotStep)
		if err != nil {
			if errors.Is(err, session.ErrStepTerminal) || errors.Is(err, session.ErrStepOutOfRange) {
				rc.Note(fmt.Sprintf("advance from step %d refused: %v", snapshotStep, err))
				return nil
			}
			return fmt.Errorf("advance after capture: %w", err)
		}
		if advanced {
			sess.CurrentStep = snapshotStep + 1
			rc.AdvancedThisCall = true
		}
	}
	return nil
}

func (s *CaptureStage) capturePlaceholder(ctx context.Context, rc *Context, target int) error {
	sess := rc.Session

	if rec := sess.StepRecordFor(target); rec != nil && rec.State == session.StepCompleted {
		// Already captured, nothing owed.
		return nil
	}

	err := s.sessions.UpdateSessionState(ctx, sess.SessionID, target, PlaceholderContent,
		&session.StepMeta{IsPlaceholder: true})
	if err != nil {
		if errors.Is(err, session.ErrStepTerminal) || errors.Is(err, session.ErrStepOutOfRange) {
			rc.Note(fmt.Sprintf("placeholder for step %d refused: %v", target, err))
			return nil
		}
		return fmt.Errorf("capture placeholder: %w", err)
	}
	// Placeholder stays replaceable: a later real response may still
	// overwrite it.
	if err := s.sessions.CompleteStep(ctx, sess.SessionID, target, true); err != nil {
		return fmt.Errorf("complete placeholder: %w", err)
	}
	rc.CapturedStep = target
	rc.CapturedPlaceholder = true
	s.recordCapture(ctx, "placeholder")
	return nil
}
