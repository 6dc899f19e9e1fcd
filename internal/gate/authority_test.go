package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chaind/internal/hooks"
	"github.com/fyrsmithlabs/chaind/internal/session"
	"github.com/fyrsmithlabs/chaind/internal/verdict"
)

type fixture struct {
	sessions session.Service
	emitter  *hooks.Emitter
	events   *[]hooks.Event
	policies *StaticPolicyProvider
	auth     *Authority
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sessions, err := session.NewService(session.NewMemoryRepository(), zap.NewNop())
	require.NoError(t, err)

	emitter := hooks.NewEmitter(zap.NewNop())
	var events []hooks.Event
	record := func(_ context.Context, ev hooks.Event) error {
		events = append(events, ev)
		return nil
	}
	for _, et := range []hooks.EventType{
		hooks.EventGatePassed, hooks.EventGateFailed,
		hooks.EventRetryExhausted, hooks.EventResponseBlocked,
		hooks.EventSessionAborted,
	} {
		emitter.Register(et, record)
	}

	policies := NewStaticPolicyProvider(Policy{Mode: ModeBlocking, MaxAttempts: 2})
	auth, err := NewAuthority(sessions, policies, emitter, zap.NewNop())
	require.NoError(t, err)

	return &fixture{sessions: sessions, emitter: emitter, events: &events, policies: policies, auth: auth}
}

// blockedSession creates a session at step 2/5 with a pending review.
func (f *fixture) blockedSession(t *testing.T, maxAttempts int) *session.ChainSession {
	t.Helper()
	ctx := context.Background()

	sess, err := f.sessions.Create(ctx, &session.CreateRequest{ChainID: "code-review", TotalSteps: 5})
	require.NoError(t, err)
	_, err = f.sessions.AdvanceStep(ctx, sess.SessionID, 1)
	require.NoError(t, err)

	review := &session.GateReviewRecord{Step: 2, GateIDs: []string{"tests-pass"}, MaxAttempts: maxAttempts}
	require.NoError(t, f.sessions.SetPendingGateReview(ctx, sess.SessionID, review))

	sess, err = f.sessions.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	return sess
}

func (f *fixture) eventTypes() []hooks.EventType {
	var types []hooks.EventType
	for _, ev := range *f.events {
		types = append(types, ev.Type)
	}
	return types
}

func TestHandleVerdict_NoReviewNoVerdict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.sessions.Create(ctx, &session.CreateRequest{ChainID: "c", TotalSteps: 3})
	require.NoError(t, err)

	outcome, err := f.auth.HandleVerdict(ctx, sess, nil)
	require.NoError(t, err)
	assert.Equal(t, DispositionNone, outcome.Disposition)
	assert.False(t, outcome.Advanced)
	assert.Empty(t, *f.events)
}

func TestHandleVerdict_DeferredPassAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.sessions.Create(ctx, &session.CreateRequest{ChainID: "c", TotalSteps: 3})
	require.NoError(t, err)

	v := verdict.Parse("GATE_REVIEW: PASS - all good", verdict.SourceExplicit)
	outcome, err := f.auth.HandleVerdict(ctx, sess, v)
	require.NoError(t, err)

	assert.Equal(t, DispositionCleared, outcome.Disposition)
	assert.True(t, outcome.Advanced)
	assert.Equal(t, 2, sess.CurrentStep)
	assert.Equal(t, []hooks.EventType{hooks.EventGatePassed}, f.eventTypes())
}

func TestHandleVerdict_DeferredFailRecordedOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.sessions.Create(ctx, &session.CreateRequest{ChainID: "c", TotalSteps: 3})
	require.NoError(t, err)

	v := verdict.Parse("GATE_REVIEW: FAIL - not ready", verdict.SourceExplicit)
	outcome, err := f.auth.HandleVerdict(ctx, sess, v)
	require.NoError(t, err)

	assert.Equal(t, DispositionRecorded, outcome.Disposition)
	assert.False(t, outcome.Advanced)
	assert.Equal(t, 1, sess.CurrentStep)
	assert.Equal(t, []hooks.EventType{hooks.EventGateFailed}, f.eventTypes())
}

func TestHandleVerdict_PassClearsAndAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.blockedSession(t, 2)

	v := verdict.Parse("GATE_REVIEW: PASS - looks good", verdict.SourceFreeText)
	outcome, err := f.auth.HandleVerdict(ctx, sess, v)
	require.NoError(t, err)

	assert.Equal(t, DispositionCleared, outcome.Disposition)
	assert.True(t, outcome.Advanced)
	assert.Equal(t, 3, sess.CurrentStep)
	assert.Nil(t, sess.PendingGateReview)

	stored, err := f.sessions.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.CurrentStep)
	assert.Nil(t, stored.PendingGateReview)
}

func TestHandleVerdict_BlockingFailStaysOnStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.blockedSession(t, 2)

	v := verdict.Parse("GATE_REVIEW: FAIL - missing tests", verdict.SourceFreeText)
	outcome, err := f.auth.HandleVerdict(ctx, sess, v)
	require.NoError(t, err)

	assert.Equal(t, DispositionBlocked, outcome.Disposition)
	assert.True(t, outcome.Blocking())
	assert.False(t, outcome.Advanced)
	assert.Equal(t, 2, sess.CurrentStep)
	require.NotNil(t, outcome.Review)
	assert.Equal(t, 1, outcome.Review.AttemptCount)
	assert.Equal(t, []hooks.EventType{hooks.EventGateFailed}, f.eventTypes())
}

func TestHandleVerdict_RetryExhaustionScenario(t *testing.T) {
	// Session at step 2/5, blocking gate, maxAttempts=2: two FAILs set
	// retry-limit-exceeded; retry resets the counter, keeps the review
	// pending, and the cursor stays at 2.
	f := newFixture(t)
	ctx := context.Background()
	sess := f.blockedSession(t, 2)

	fail := verdict.Parse("GATE_REVIEW: FAIL - missing tests", verdict.SourceFreeText)

	outcome, err := f.auth.HandleVerdict(ctx, sess, fail)
	require.NoError(t, err)
	assert.Equal(t, DispositionBlocked, outcome.Disposition)

	outcome, err = f.auth.HandleVerdict(ctx, sess, fail)
	require.NoError(t, err)
	assert.Equal(t, DispositionRetryExhausted, outcome.Disposition)
	assert.Contains(t, f.eventTypes(), hooks.EventRetryExhausted)

	exceeded, err := f.sessions.IsRetryLimitExceeded(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.True(t, exceeded)

	// gate_action=retry.
	outcome, err = f.auth.ResolveRetryAction(ctx, sess, ActionRetry)
	require.NoError(t, err)
	assert.Equal(t, DispositionBlocked, outcome.Disposition)

	stored, err := f.sessions.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	require.NotNil(t, stored.PendingGateReview)
	assert.Equal(t, 0, stored.PendingGateReview.AttemptCount)
	assert.False(t, stored.PendingGateReview.RetryLimitExceeded)
	assert.Equal(t, 2, stored.CurrentStep)

	// Then a PASS clears and advances to 3.
	pass := verdict.Parse("GATE_REVIEW: PASS - looks good", verdict.SourceFreeText)
	sess = stored
	outcome, err = f.auth.HandleVerdict(ctx, sess, pass)
	require.NoError(t, err)
	assert.Equal(t, DispositionCleared, outcome.Disposition)

	stored, _ = f.sessions.Get(ctx, sess.SessionID)
	assert.Equal(t, 3, stored.CurrentStep)
	assert.Nil(t, stored.PendingGateReview)
}

func TestHandleVerdict_AdvisoryFailAdvances(t *testing.T) {
	f := newFixture(t)
	f.policies.Default = Policy{Mode: ModeAdvisory, MaxAttempts: 2}
	ctx := context.Background()
	sess := f.blockedSession(t, 2)

	v := verdict.Parse("GATE_REVIEW: FAIL - style issues", verdict.SourceFreeText)
	outcome, err := f.auth.HandleVerdict(ctx, sess, v)
	require.NoError(t, err)

	assert.Equal(t, DispositionAdvancedWithWarning, outcome.Disposition)
	assert.True(t, outcome.Advanced)
	assert.NotEmpty(t, outcome.Warning)
	assert.Equal(t, 3, sess.CurrentStep)
	assert.Nil(t, sess.PendingGateReview)
	assert.Equal(t, []hooks.EventType{hooks.EventGateFailed}, f.eventTypes())
}

func TestHandleVerdict_InformationalFailAdvances(t *testing.T) {
	f := newFixture(t)
	f.policies.Default = Policy{Mode: ModeInformational, MaxAttempts: 2}
	ctx := context.Background()
	sess := f.blockedSession(t, 2)

	v := verdict.Parse("GATE_REVIEW: FAIL - noted", verdict.SourceFreeText)
	outcome, err := f.auth.HandleVerdict(ctx, sess, v)
	require.NoError(t, err)

	assert.Equal(t, DispositionAdvancedInformational, outcome.Disposition)
	assert.True(t, outcome.Advanced)
	assert.Empty(t, outcome.Warning)
	assert.Equal(t, 3, sess.CurrentStep)
	// No user-visible effect beyond the audit trail: no events.
	assert.Empty(t, *f.events)
}

func TestHandleVerdict_ResponseBlockedEvent(t *testing.T) {
	f := newFixture(t)
	f.policies.Default = Policy{Mode: ModeBlocking, MaxAttempts: 2, WithholdResponseOnFail: true}
	ctx := context.Background()
	sess := f.blockedSession(t, 2)

	v := verdict.Parse("GATE_REVIEW: FAIL - secrets leaked", verdict.SourceFreeText)
	_, err := f.auth.HandleVerdict(ctx, sess, v)
	require.NoError(t, err)

	assert.Contains(t, f.eventTypes(), hooks.EventResponseBlocked)
}

func TestResolveRetryAction_RejectedWhenLimitNotExceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.blockedSession(t, 2)

	for _, action := range []Action{ActionRetry, ActionSkip, ActionAbort} {
		_, err := f.auth.ResolveRetryAction(ctx, sess, action)
		assert.ErrorIs(t, err, ErrRetryLimitNotExceeded, "action %q", action)
	}
}

func TestResolveRetryAction_Skip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.blockedSession(t, 1)

	fail := verdict.Parse("GATE_REVIEW: FAIL - nope", verdict.SourceFreeText)
	_, err := f.auth.HandleVerdict(ctx, sess, fail)
	require.NoError(t, err)

	outcome, err := f.auth.ResolveRetryAction(ctx, sess, ActionSkip)
	require.NoError(t, err)
	assert.Equal(t, DispositionCleared, outcome.Disposition)
	assert.True(t, outcome.Advanced)

	stored, _ := f.sessions.Get(ctx, sess.SessionID)
	assert.Nil(t, stored.PendingGateReview)
	assert.Equal(t, 3, stored.CurrentStep)
}

func TestResolveRetryAction_Abort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.blockedSession(t, 1)

	fail := verdict.Parse("GATE_REVIEW: FAIL - nope", verdict.SourceFreeText)
	_, err := f.auth.HandleVerdict(ctx, sess, fail)
	require.NoError(t, err)

	_, err = f.auth.ResolveRetryAction(ctx, sess, ActionAbort)
	require.NoError(t, err)

	stored, _ := f.sessions.Get(ctx, sess.SessionID)
	assert.True(t, stored.Aborted)
	assert.Nil(t, stored.PendingGateReview)
	assert.Contains(t, f.eventTypes(), hooks.EventSessionAborted)
}

func TestEnsureReviewForStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.sessions.Create(ctx, &session.CreateRequest{
		ChainID:    "code-review",
		TotalSteps: 3,
		Blueprint: &session.Blueprint{
			Steps: []session.BlueprintStep{
				{Number: 1, Name: "analyze", GateIDs: []string{"depth-check"}},
				{Number: 2, Name: "summarize"},
			},
		},
	})
	require.NoError(t, err)

	require.NoError(t, f.auth.EnsureReviewForStep(ctx, sess, 1))
	require.NotNil(t, sess.PendingGateReview)
	assert.Equal(t, []string{"depth-check"}, sess.PendingGateReview.GateIDs)
	assert.Equal(t, 2, sess.PendingGateReview.MaxAttempts)

	// Idempotent while a review is pending.
	require.NoError(t, f.auth.EnsureReviewForStep(ctx, sess, 1))

	// Steps without gates never create reviews.
	sess2, err := f.sessions.Create(ctx, &session.CreateRequest{
		ChainID:    "code-review",
		TotalSteps: 3,
		Blueprint:  &session.Blueprint{Steps: []session.BlueprintStep{{Number: 1, Name: "free"}}},
	})
	require.NoError(t, err)
	require.NoError(t, f.auth.EnsureReviewForStep(ctx, sess2, 1))
	assert.Nil(t, sess2.PendingGateReview)
}

func TestParseEnforcementMode(t *testing.T) {
	tests := []struct {
		in      string
		want    EnforcementMode
		wantErr bool
	}{
		{"blocking", ModeBlocking, false},
		{"advisory", ModeAdvisory, false},
		{"informational", ModeInformational, false},
		{"", ModeBlocking, false},
		{"strict", "", true},
	}
	for _, tt := range tests {
		got, err := ParseEnforcementMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseAction(t *testing.T) {
	for _, s := range []string{"retry", "skip", "abort"} {
		a, err := ParseAction(s)
		require.NoError(t, err)
		assert.Equal(t, Action(s), a)
	}
	_, err := ParseAction("continue")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestStaticPolicyProvider_PerGateOverride(t *testing.T) {
	p := NewStaticPolicyProvider(Policy{Mode: ModeBlocking, MaxAttempts: 2})
	p.PerGate["style-check"] = Policy{Mode: ModeAdvisory, MaxAttempts: 1}

	got := p.PolicyFor("", "c", 1, []string{"style-check"})
	assert.Equal(t, ModeAdvisory, got.Mode)

	got = p.PolicyFor("", "c", 1, []string{"other"})
	assert.Equal(t, ModeBlocking, got.Mode)
}
