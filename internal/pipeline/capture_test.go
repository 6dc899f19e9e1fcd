package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chaind/internal/gate"
	"github.com/fyrsmithlabs/chaind/internal/session"
	"github.com/fyrsmithlabs/chaind/internal/verdict"
)

type stageFixture struct {
	sessions session.Service
	auth     *gate.Authority
	stage    *CaptureStage
}

func newStageFixture(t *testing.T) *stageFixture {
	t.Helper()

	sessions, err := session.NewService(session.NewMemoryRepository(), zap.NewNop())
	require.NoError(t, err)

	policies := gate.NewStaticPolicyProvider(gate.Policy{Mode: gate.ModeBlocking, MaxAttempts: 2})
	auth, err := gate.NewAuthority(sessions, policies, nil, zap.NewNop())
	require.NoError(t, err)

	stage, err := NewCaptureStage(sessions, auth, zap.NewNop())
	require.NoError(t, err)

	return &stageFixture{sessions: sessions, auth: auth, stage: stage}
}

func (f *stageFixture) newSession(t *testing.T, totalSteps int, bp *session.Blueprint) *session.ChainSession {
	t.Helper()
	sess, err := f.sessions.Create(context.Background(), &session.CreateRequest{
		ChainID:    "code-review",
		TotalSteps: totalSteps,
		Blueprint:  bp,
	})
	require.NoError(t, err)
	return sess
}

func (f *stageFixture) reload(t *testing.T, id string) *session.ChainSession {
	t.Helper()
	sess, err := f.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	return sess
}

func TestProcess_NotChainExecution(t *testing.T) {
	f := newStageFixture(t)
	rc := &Context{Request: &Request{UserResponse: "plain response"}, Lifecycle: LifecycleResume}

	require.NoError(t, f.stage.Process(context.Background(), rc))
	assert.Zero(t, rc.CapturedStep)
	assert.Empty(t, rc.Diagnostics)
}

func TestProcess_SessionMissingIsDiagnosticNoop(t *testing.T) {
	f := newStageFixture(t)
	rc := &Context{
		Request:   &Request{UserResponse: "output"},
		Lifecycle: LifecycleResume,
		Session:   &session.ChainSession{SessionID: "gone"},
	}

	require.NoError(t, f.stage.Process(context.Background(), rc))
	assert.Zero(t, rc.CapturedStep)
	require.Len(t, rc.Diagnostics, 1)
	assert.Contains(t, rc.Diagnostics[0], "not found")
}

func TestProcess_CreateNewBypassesCapture(t *testing.T) {
	f := newStageFixture(t)
	sess := f.newSession(t, 5, nil)
	rc := &Context{
		Request:   &Request{UserResponse: "output"},
		Lifecycle: LifecycleCreateNew,
		Session:   sess,
	}

	require.NoError(t, f.stage.Process(context.Background(), rc))
	assert.Zero(t, rc.CapturedStep)

	stored := f.reload(t, sess.SessionID)
	assert.Empty(t, stored.StepStates)
}

func TestProcess_RealResponseCapturesAndAdvances(t *testing.T) {
	f := newStageFixture(t)
	sess := f.newSession(t, 5, nil)
	rc := &Context{
		Request:   &Request{UserResponse: "step one findings"},
		Lifecycle: LifecycleResume,
		Session:   sess,
	}

	require.NoError(t, f.stage.Process(context.Background(), rc))
	assert.Equal(t, 1, rc.CapturedStep)
	assert.False(t, rc.CapturedPlaceholder)
	assert.True(t, rc.AdvancedThisCall)

	stored := f.reload(t, sess.SessionID)
	assert.Equal(t, 2, stored.CurrentStep)
	rec := stored.StepRecordFor(1)
	require.NotNil(t, rec)
	assert.Equal(t, session.StepCompleted, rec.State)
	assert.False(t, rec.IsPlaceholder)
	assert.Equal(t, "step one findings", rec.Content)
}

func TestProcess_NoResponseWritesPlaceholderForPriorStep(t *testing.T) {
	f := newStageFixture(t)
	sess := f.newSession(t, 5, nil)
	_, err := f.sessions.AdvanceStep(context.Background(), sess.SessionID, 1)
	require.NoError(t, err)
	sess = f.reload(t, sess.SessionID)
	require.Equal(t, 2, sess.CurrentStep)

	rc := &Context{Request: &Request{}, Lifecycle: LifecycleResume, Session: sess}
	require.NoError(t, f.stage.Process(context.Background(), rc))

	// The placeholder lands on the step already rendered, not the cursor.
	assert.Equal(t, 1, rc.CapturedStep)
	assert.True(t, rc.CapturedPlaceholder)
	assert.False(t, rc.AdvancedThisCall)

	stored := f.reload(t, sess.SessionID)
	assert.Equal(t, 2, stored.CurrentStep)
	rec := stored.StepRecordFor(1)
	require.NotNil(t, rec)
	assert.True(t, rec.IsPlaceholder)
	assert.Equal(t, session.StepCompleted, rec.State)
	assert.Nil(t, stored.StepRecordFor(2))
}

func TestProcess_NoResponseOnFirstStepSkipsCapture(t *testing.T) {
	f := newStageFixture(t)
	sess := f.newSession(t, 5, nil)

	rc := &Context{Request: &Request{}, Lifecycle: LifecycleResume, Session: sess}
	require.NoError(t, f.stage.Process(context.Background(), rc))

	assert.Zero(t, rc.CapturedStep)
	require.Len(t, rc.Diagnostics, 1)
	assert.Contains(t, rc.Diagnostics[0], "out of range")
}

func TestProcess_PlaceholderReplacedByLaterResponse(t *testing.T) {
	f := newStageFixture(t)
	sess := f.newSession(t, 5, nil)
	_, err := f.sessions.AdvanceStep(context.Background(), sess.SessionID, 1)
	require.NoError(t, err)

	rc := &Context{Request: &Request{}, Lifecycle: LifecycleResume, Session: f.reload(t, sess.SessionID)}
	require.NoError(t, f.stage.Process(context.Background(), rc))
	require.True(t, rc.CapturedPlaceholder)

	// A real response later fills the placeholder at the same target.
	stored := f.reload(t, sess.SessionID)
	require.Equal(t, 2, stored.CurrentStep)
	rc = &Context{Request: &Request{UserResponse: "late output"}, Lifecycle: LifecycleResume, Session: stored}
	require.NoError(t, f.stage.Process(context.Background(), rc))
	assert.Equal(t, 2, rc.CapturedStep)

	stored = f.reload(t, sess.SessionID)
	rec := stored.StepRecordFor(2)
	require.NotNil(t, rec)
	assert.False(t, rec.IsPlaceholder)
	assert.Equal(t, "late output", rec.Content)
}

func TestProcess_GatedStepOpensReviewWithoutAdvancing(t *testing.T) {
	f := newStageFixture(t)
	bp := &session.Blueprint{
		Command: "/code-review",
		Steps: []session.BlueprintStep{
			{Number: 1, Name: "analyze", GateIDs: []string{"tests-pass"}},
			{Number: 2, Name: "summarize"},
		},
	}
	sess := f.newSession(t, 2, bp)

	rc := &Context{Request: &Request{UserResponse: "analysis output"}, Lifecycle: LifecycleResume, Session: sess}
	require.NoError(t, f.stage.Process(context.Background(), rc))

	assert.Equal(t, 1, rc.CapturedStep)
	assert.False(t, rc.AdvancedThisCall)

	stored := f.reload(t, sess.SessionID)
	assert.Equal(t, 1, stored.CurrentStep)
	require.NotNil(t, stored.PendingGateReview)
	assert.Equal(t, []string{"tests-pass"}, stored.PendingGateReview.GateIDs)
}

func TestProcess_ExplicitPassClearsReviewAndAdvances(t *testing.T) {
	f := newStageFixture(t)
	sess := f.newSession(t, 3, nil)
	review := &session.GateReviewRecord{Step: 1, GateIDs: []string{"tests-pass"}, MaxAttempts: 2}
	require.NoError(t, f.sessions.SetPendingGateReview(context.Background(), sess.SessionID, review))

	rc := &Context{
		Request:   &Request{GateVerdict: "GATE_REVIEW: PASS - all tests green"},
		Lifecycle: LifecycleResume,
		Session:   f.reload(t, sess.SessionID),
	}
	require.NoError(t, f.stage.Process(context.Background(), rc))

	require.NotNil(t, rc.Outcome)
	assert.Equal(t, gate.DispositionCleared, rc.Outcome.Disposition)
	assert.True(t, rc.AdvancedThisCall)

	stored := f.reload(t, sess.SessionID)
	assert.Equal(t, 2, stored.CurrentStep)
	assert.Nil(t, stored.PendingGateReview)
}

func TestProcess_FreeTextFailBlocksCapture(t *testing.T) {
	f := newStageFixture(t)
	sess := f.newSession(t, 3, nil)
	_, err := f.sessions.AdvanceStep(context.Background(), sess.SessionID, 1)
	require.NoError(t, err)
	review := &session.GateReviewRecord{Step: 2, GateIDs: []string{"tests-pass"}, MaxAttempts: 2}
	require.NoError(t, f.sessions.SetPendingGateReview(context.Background(), sess.SessionID, review))

	rc := &Context{
		Request:   &Request{UserResponse: "GATE: FAIL - two tests are red"},
		Lifecycle: LifecycleResume,
		Session:   f.reload(t, sess.SessionID),
	}
	require.NoError(t, f.stage.Process(context.Background(), rc))

	require.NotNil(t, rc.Verdict)
	assert.Equal(t, verdict.SourceFreeText, rc.Verdict.Source)
	require.NotNil(t, rc.Outcome)
	assert.Equal(t, gate.DispositionBlocked, rc.Outcome.Disposition)
	assert.Zero(t, rc.CapturedStep)

	stored := f.reload(t, sess.SessionID)
	assert.Equal(t, 2, stored.CurrentStep)
	require.NotNil(t, stored.PendingGateReview)
	assert.Equal(t, 1, stored.PendingGateReview.AttemptCount)
}

func TestProcess_VerdictAndResponseNoDoubleAdvance(t *testing.T) {
	f := newStageFixture(t)
	sess := f.newSession(t, 5, nil)
	_, err := f.sessions.AdvanceStep(context.Background(), sess.SessionID, 1)
	require.NoError(t, err)
	review := &session.GateReviewRecord{Step: 2, GateIDs: []string{"tests-pass"}, MaxAttempts: 2}
	require.NoError(t, f.sessions.SetPendingGateReview(context.Background(), sess.SessionID, review))

	rc := &Context{
		Request: &Request{
			GateVerdict:  "GATE_REVIEW: PASS - verified",
			UserResponse: "step two output",
		},
		Lifecycle: LifecycleResume,
		Session:   f.reload(t, sess.SessionID),
	}
	require.NoError(t, f.stage.Process(context.Background(), rc))

	// The verdict advanced 2 -> 3; the response still targets the step
	// that was rendered (2) and must not advance again this request.
	assert.True(t, rc.AdvancedThisCall)
	assert.Equal(t, 2, rc.CapturedStep)

	stored := f.reload(t, sess.SessionID)
	assert.Equal(t, 3, stored.CurrentStep)
	rec := stored.StepRecordFor(2)
	require.NotNil(t, rec)
	assert.Equal(t, "step two output", rec.Content)
	assert.Nil(t, stored.StepRecordFor(3))
}

func TestProcess_PassWithResentResponseDoesNotStallChain(t *testing.T) {
	f := newStageFixture(t)
	bp := &session.Blueprint{Steps: []session.BlueprintStep{
		{Number: 1, Name: "collect"},
		{Number: 2, Name: "analyze", GateIDs: []string{"tests-pass"}},
		{Number: 3, Name: "report"},
		{Number: 4, Name: "remediate"},
		{Number: 5, Name: "summarize"},
	}}
	sess := f.newSession(t, 5, bp)
	ctx := context.Background()

	step := func(req *Request) *Context {
		rc := &Context{
			Request:   req,
			Lifecycle: LifecycleResume,
			Session:   f.reload(t, sess.SessionID),
		}
		require.NoError(t, f.stage.Process(ctx, rc))
		return rc
	}

	// Step 1 output advances to the gated step; step 2 output is
	// captured as a terminal record and opens the review.
	step(&Request{UserResponse: "step one output"})
	rc := step(&Request{UserResponse: "step two output"})
	assert.Equal(t, 2, rc.CapturedStep)
	require.NotNil(t, f.reload(t, sess.SessionID).PendingGateReview)

	// Clearing the gate while re-sending the step 2 output must not
	// write the old content as step 3's record.
	rc = step(&Request{
		GateVerdict:  "GATE_REVIEW: PASS - looks good",
		UserResponse: "step two output resent",
	})
	assert.True(t, rc.AdvancedThisCall)
	require.NotEmpty(t, rc.Diagnostics)
	assert.Contains(t, rc.Diagnostics[len(rc.Diagnostics)-1], "step 2 not capturable")

	stored := f.reload(t, sess.SessionID)
	assert.Equal(t, 3, stored.CurrentStep)
	assert.Nil(t, stored.PendingGateReview)
	assert.Equal(t, "step two output", stored.StepRecordFor(2).Content)
	assert.Nil(t, stored.StepRecordFor(3))

	// The genuine step 3 output is still capturable afterwards.
	rc = step(&Request{UserResponse: "step three findings"})
	assert.Equal(t, 3, rc.CapturedStep)

	stored = f.reload(t, sess.SessionID)
	assert.Equal(t, 4, stored.CurrentStep)
	assert.Equal(t, "step three findings", stored.StepRecordFor(3).Content)
}

func TestProcess_UnparseableExplicitVerdictNotesAndCaptures(t *testing.T) {
	f := newStageFixture(t)
	sess := f.newSession(t, 5, nil)

	rc := &Context{
		Request:   &Request{GateVerdict: "looks fine to me", UserResponse: "output"},
		Lifecycle: LifecycleResume,
		Session:   sess,
	}
	require.NoError(t, f.stage.Process(context.Background(), rc))

	assert.Nil(t, rc.Verdict)
	assert.Equal(t, 1, rc.CapturedStep)
	require.NotEmpty(t, rc.Diagnostics)
	assert.Contains(t, rc.Diagnostics[0], "unparseable")
}

func TestProcess_GateActionWithoutExhaustionIsError(t *testing.T) {
	f := newStageFixture(t)
	sess := f.newSession(t, 3, nil)
	review := &session.GateReviewRecord{Step: 1, GateIDs: []string{"tests-pass"}, MaxAttempts: 2}
	require.NoError(t, f.sessions.SetPendingGateReview(context.Background(), sess.SessionID, review))

	rc := &Context{
		Request:   &Request{GateAction: "skip"},
		Lifecycle: LifecycleResume,
		Session:   f.reload(t, sess.SessionID),
	}
	err := f.stage.Process(context.Background(), rc)
	require.ErrorIs(t, err, gate.ErrRetryLimitNotExceeded)
}

func TestProcess_GateActionSkipAfterExhaustion(t *testing.T) {
	f := newStageFixture(t)
	sess := f.newSession(t, 3, nil)
	review := &session.GateReviewRecord{Step: 1, GateIDs: []string{"tests-pass"}, MaxAttempts: 1}
	require.NoError(t, f.sessions.SetPendingGateReview(context.Background(), sess.SessionID, review))
	_, _, err := f.sessions.RecordGateReviewOutcome(context.Background(), sess.SessionID, &session.ReviewOutcome{
		Passed: false, Rationale: "tests red",
	})
	require.NoError(t, err)

	rc := &Context{
		Request:   &Request{GateAction: "skip"},
		Lifecycle: LifecycleResume,
		Session:   f.reload(t, sess.SessionID),
	}
	require.NoError(t, f.stage.Process(context.Background(), rc))

	require.NotNil(t, rc.Outcome)
	assert.True(t, rc.Outcome.Advanced)
	assert.True(t, rc.AdvancedThisCall)

	stored := f.reload(t, sess.SessionID)
	assert.Equal(t, 2, stored.CurrentStep)
	assert.Nil(t, stored.PendingGateReview)
}

func TestProcess_InvalidGateAction(t *testing.T) {
	f := newStageFixture(t)
	sess := f.newSession(t, 3, nil)

	rc := &Context{
		Request:   &Request{GateAction: "ignore"},
		Lifecycle: LifecycleResume,
		Session:   sess,
	}
	assert.Error(t, f.stage.Process(context.Background(), rc))
}

func TestProcess_AbortedSessionSkipsCapture(t *testing.T) {
	f := newStageFixture(t)
	sess := f.newSession(t, 3, nil)
	require.NoError(t, f.sessions.Abort(context.Background(), sess.SessionID))

	rc := &Context{
		Request:   &Request{UserResponse: "output"},
		Lifecycle: LifecycleResume,
		Session:   f.reload(t, sess.SessionID),
	}
	require.NoError(t, f.stage.Process(context.Background(), rc))
	assert.Zero(t, rc.CapturedStep)
	require.NotEmpty(t, rc.Diagnostics)
	assert.Contains(t, rc.Diagnostics[0], "aborted")
}

func TestProcess_NamedOutputFromBlueprint(t *testing.T) {
	f := newStageFixture(t)
	bp := &session.Blueprint{
		Command: "/code-review",
		Steps: []session.BlueprintStep{
			{Number: 1, Name: "analyze", OutputName: "analysis"},
			{Number: 2, Name: "summarize"},
		},
	}
	sess := f.newSession(t, 2, bp)

	rc := &Context{Request: &Request{UserResponse: "deep analysis"}, Lifecycle: LifecycleResume, Session: sess}
	require.NoError(t, f.stage.Process(context.Background(), rc))

	stored := f.reload(t, sess.SessionID)
	rec := stored.StepRecordFor(1)
	require.NotNil(t, rec)
	assert.Equal(t, "deep analysis", rec.NamedOutputs["analysis"])
}

func TestModifiers(t *testing.T) {
	r := &Request{
		InjectionForce:    []string{"system-prompt"},
		InjectionSuppress: []string{"style-guidance"},
	}
	m := r.Modifiers()
	assert.True(t, m.Force["system-prompt"])
	assert.True(t, m.Suppress["style-guidance"])
	assert.False(t, m.Force["gate-guidance"])
}
