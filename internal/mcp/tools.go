package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chaind/internal/gate"
	"github.com/fyrsmithlabs/chaind/internal/injection"
	"github.com/fyrsmithlabs/chaind/internal/pipeline"
	"github.com/fyrsmithlabs/chaind/internal/session"
)

type chainStepInput struct {
	SessionID         string   `json:"session_id,omitempty" jsonschema:"Session to resume. Omit to start a new chain run."`
	Chain             string   `json:"chain,omitempty" jsonschema:"Chain id to start (required when no session_id is given)"`
	UserResponse      string   `json:"user_response,omitempty" jsonschema:"Output of the step just executed"`
	GateVerdict       string   `json:"gate_verdict,omitempty" jsonschema:"Explicit gate verdict, e.g. 'GATE_REVIEW: PASS - rationale'"`
	Restart           bool     `json:"restart,omitempty" jsonschema:"Discard existing session state and start the chain over"`
	ForceInjection    []string `json:"force_injection,omitempty" jsonschema:"Injection types to force for this request"`
	SuppressInjection []string `json:"suppress_injection,omitempty" jsonschema:"Injection types to suppress for this request"`
}

type injectionView struct {
	Type   string `json:"type" jsonschema:"Injection type"`
	Inject bool   `json:"inject" jsonschema:"Whether the type injects for this step"`
	Source string `json:"source" jsonschema:"Configuration level that decided"`
	Reason string `json:"reason" jsonschema:"Human-readable decision trail"`
}

type gateView struct {
	Step           int               `json:"step" jsonschema:"Step under review"`
	GateIDs        []string          `json:"gate_ids" jsonschema:"Gates that must pass"`
	Instructions   map[string]string `json:"instructions,omitempty" jsonschema:"Per-gate review instructions"`
	Attempts       int               `json:"attempts" jsonschema:"Failed attempts so far"`
	MaxAttempts    int               `json:"max_attempts" jsonschema:"Attempts before the retry limit"`
	RetryExhausted bool              `json:"retry_exhausted" jsonschema:"Whether the retry limit is exceeded"`
	Actions        []string          `json:"actions,omitempty" jsonschema:"Available resolutions once exhausted"`
}

type chainStepOutput struct {
	SessionID   string          `json:"session_id" jsonschema:"Session identifier"`
	ChainID     string          `json:"chain_id" jsonschema:"Chain identifier"`
	CurrentStep int             `json:"current_step" jsonschema:"1-based step cursor"`
	TotalSteps  int             `json:"total_steps" jsonschema:"Number of steps in the chain"`
	Completed   bool            `json:"completed" jsonschema:"Whether all steps are done"`
	Aborted     bool            `json:"aborted" jsonschema:"Whether the session was aborted"`
	StepName    string          `json:"step_name,omitempty" jsonschema:"Name of the current step"`
	Prompt      string          `json:"prompt,omitempty" jsonschema:"Prompt to execute for the current step"`
	Injections  []injectionView `json:"injections,omitempty" jsonschema:"Injection decisions for the current step"`
	Gate        *gateView       `json:"gate,omitempty" jsonschema:"Pending gate review, if any"`
	Warnings    []string        `json:"warnings,omitempty" jsonschema:"Non-blocking gate warnings"`
	Diagnostics []string        `json:"diagnostics,omitempty" jsonschema:"Non-fatal processing notes"`
}

type chainStatusInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Session to inspect"`
}

type stepRecordView struct {
	Step        int    `json:"step" jsonschema:"Step number"`
	State       string `json:"state" jsonschema:"PENDING or COMPLETED"`
	Placeholder bool   `json:"placeholder" jsonschema:"Whether the record is synthetic"`
}

type chainStatusOutput struct {
	SessionID   string           `json:"session_id" jsonschema:"Session identifier"`
	ChainID     string           `json:"chain_id" jsonschema:"Chain identifier"`
	CurrentStep int              `json:"current_step" jsonschema:"1-based step cursor"`
	TotalSteps  int              `json:"total_steps" jsonschema:"Number of steps in the chain"`
	Completed   bool             `json:"completed" jsonschema:"Whether all steps are done"`
	Aborted     bool             `json:"aborted" jsonschema:"Whether the session was aborted"`
	RetryCount  int              `json:"retry_count" jsonschema:"Session-wide gate failure count"`
	Steps       []stepRecordView `json:"steps,omitempty" jsonschema:"Captured step records"`
	Gate        *gateView        `json:"gate,omitempty" jsonschema:"Pending gate review, if any"`
}

type chainGateActionInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Session with the exhausted gate review"`
	Action    string `json:"action" jsonschema:"required,One of retry skip or abort"`
}

type chainAbortInput struct {
	SessionID string `json:"session_id" jsonschema:"required,Session to abort"`
}

type chainAbortOutput struct {
	SessionID string `json:"session_id" jsonschema:"Session identifier"`
	Aborted   bool   `json:"aborted" jsonschema:"Whether the session is now aborted"`
}

// registerTools registers all chain tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "chain_step",
		Description: "Execute or resume a chain: capture the previous step's output, enforce gates, and return the next step's prompt",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args chainStepInput) (*mcp.CallToolResult, chainStepOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "chain_step")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "chain_step")
			s.metrics.RecordInvocation(ctx, "chain_step", time.Since(start), toolErr)
		}()

		out, err := s.runChainStep(ctx, args)
		if err != nil {
			toolErr = err
			return nil, chainStepOutput{}, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: summarizeStep(&out)},
			},
		}, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "chain_status",
		Description: "Inspect a chain session: cursor, captured steps, and pending gate review",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args chainStatusInput) (*mcp.CallToolResult, chainStatusOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "chain_status")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "chain_status")
			s.metrics.RecordInvocation(ctx, "chain_status", time.Since(start), toolErr)
		}()

		out, err := s.runChainStatus(ctx, args)
		if err != nil {
			toolErr = err
			return nil, chainStatusOutput{}, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Session %s: step %d of %d", out.SessionID, out.CurrentStep, out.TotalSteps)},
			},
		}, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "chain_gate_action",
		Description: "Resolve an exhausted gate review with retry, skip, or abort",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args chainGateActionInput) (*mcp.CallToolResult, chainStepOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "chain_gate_action")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "chain_gate_action")
			s.metrics.RecordInvocation(ctx, "chain_gate_action", time.Since(start), toolErr)
		}()

		out, err := s.runGateAction(ctx, args)
		if err != nil {
			toolErr = err
			return nil, chainStepOutput{}, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: summarizeStep(&out)},
			},
		}, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "chain_abort",
		Description: "Abort a chain session; its state is kept for inspection but no further steps run",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args chainAbortInput) (*mcp.CallToolResult, chainAbortOutput, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, "chain_abort")
		var toolErr error
		defer func() {
			s.metrics.DecrementActive(ctx, "chain_abort")
			s.metrics.RecordInvocation(ctx, "chain_abort", time.Since(start), toolErr)
		}()

		out, err := s.runAbort(ctx, args)
		if err != nil {
			toolErr = err
			return nil, chainAbortOutput{}, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Session %s aborted", out.SessionID)},
			},
		}, out, nil
	})
}

func (s *Server) runChainStep(ctx context.Context, args chainStepInput) (chainStepOutput, error) {
	sess, lifecycle, err := s.resolveSession(ctx, args)
	if err != nil {
		return chainStepOutput{}, err
	}

	rc := &pipeline.Context{
		Request: &pipeline.Request{
			SessionID:         sess.SessionID,
			GateVerdict:       args.GateVerdict,
			UserResponse:      args.UserResponse,
			InjectionForce:    args.ForceInjection,
			InjectionSuppress: args.SuppressInjection,
		},
		Lifecycle: lifecycle,
		Session:   sess,
	}
	if err := s.stage.Process(ctx, rc); err != nil {
		return chainStepOutput{}, err
	}

	return s.buildStepOutput(ctx, rc)
}

// resolveSession decides the session lifecycle for one chain_step call.
func (s *Server) resolveSession(ctx context.Context, args chainStepInput) (*session.ChainSession, pipeline.Lifecycle, error) {
	if args.SessionID != "" && !args.Restart {
		sess, err := s.sessions.Get(ctx, args.SessionID)
		if err == nil {
			return sess, pipeline.LifecycleResume, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, "", err
		}
		if args.Chain == "" {
			return nil, "", fmt.Errorf("session %s not found and no chain given to start", args.SessionID)
		}
		// Unknown session id with a chain: start fresh under that id.
	}

	if args.Chain == "" {
		return nil, "", fmt.Errorf("chain is required to start a new run")
	}

	lifecycle := pipeline.LifecycleCreateNew
	if args.Restart && args.SessionID != "" {
		if err := s.sessions.Delete(ctx, args.SessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
			return nil, "", err
		}
		lifecycle = pipeline.LifecycleForceRestart
	}

	def, err := s.catalog.Chain(args.Chain)
	if err != nil {
		return nil, "", err
	}
	bp, err := s.catalog.BlueprintFor(args.Chain, "/"+args.Chain)
	if err != nil {
		return nil, "", err
	}

	sess, err := s.sessions.Create(ctx, &session.CreateRequest{
		SessionID:  args.SessionID,
		ChainID:    def.ID,
		TotalSteps: def.TotalSteps(),
		Blueprint:  bp,
	})
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("chain session started",
		zap.String("session_id", sess.SessionID),
		zap.String("chain_id", def.ID),
		zap.Int("total_steps", sess.TotalSteps))
	return sess, lifecycle, nil
}

// buildStepOutput reloads the session and assembles the response: either
// the pending gate challenge or the current step's prompt and injections.
func (s *Server) buildStepOutput(ctx context.Context, rc *pipeline.Context) (chainStepOutput, error) {
	sess, err := s.sessions.Get(ctx, rc.Session.SessionID)
	if err != nil {
		return chainStepOutput{}, err
	}

	out := chainStepOutput{
		SessionID:   sess.SessionID,
		ChainID:     sess.ChainID,
		CurrentStep: sess.CurrentStep,
		TotalSteps:  sess.TotalSteps,
		Completed:   sess.Completed(),
		Aborted:     sess.Aborted,
		Warnings:    rc.Warnings,
		Diagnostics: rc.Diagnostics,
	}
	if out.Aborted || out.Completed {
		return out, nil
	}

	if sess.PendingGateReview != nil {
		out.Gate = gateViewFor(sess)
		return out, nil
	}

	step := blueprintStep(sess, sess.CurrentStep)
	if step != nil {
		out.StepName = step.Name
		out.Prompt = step.Prompt
		if out.Prompt == "" {
			out.Prompt = step.Name
		}
	}

	out.Injections, err = s.resolveInjections(ctx, sess, rc.Request.Modifiers(), step, gateStatusFor(sess, rc.Outcome))
	if err != nil {
		return chainStepOutput{}, err
	}
	return out, nil
}

// gateStatusFor derives the gate state injection rules match on from the
// pending review and this request's enforcement outcome.
func gateStatusFor(sess *session.ChainSession, outcome *gate.Outcome) string {
	if sess.PendingGateReview != nil {
		return "pending"
	}
	if outcome == nil {
		return "none"
	}
	switch outcome.Disposition {
	case gate.DispositionCleared:
		return "passed"
	case gate.DispositionAdvancedWithWarning, gate.DispositionAdvancedInformational, gate.DispositionRecorded:
		return "failed"
	case gate.DispositionBlocked, gate.DispositionRetryExhausted:
		return "pending"
	}
	return "none"
}

// resolveInjections runs the decision authority for the current step and
// records which types actually injected.
func (s *Server) resolveInjections(ctx context.Context, sess *session.ChainSession, mods *injection.Modifiers, step *session.BlueprintStep, gateStatus string) ([]injectionView, error) {
	sc := &injection.StepContext{
		SessionID:      sess.SessionID,
		ChainID:        sess.ChainID,
		Step:           sess.CurrentStep,
		TotalSteps:     sess.TotalSteps,
		GateStatus:     gateStatus,
		PrevStepResult: prevStepResult(sess),
	}
	if step != nil {
		sc.StepType = step.Type
	}
	if def, err := s.catalog.Chain(sess.ChainID); err == nil {
		sc.Category = def.Category
	}

	decisions := s.injections.ResolveAll(sc, mods, sess.InjectionOverrides, sess.LastInjected)

	views := make([]injectionView, 0, len(decisions))
	for _, d := range decisions {
		views = append(views, injectionView{
			Type:   string(d.Type),
			Inject: d.Inject,
			Source: string(d.Source),
			Reason: d.Reason,
		})
		if d.Inject {
			if err := s.sessions.MarkInjected(ctx, sess.SessionID, string(d.Type), sess.CurrentStep); err != nil {
				return nil, err
			}
		}
	}
	return views, nil
}

func (s *Server) runChainStatus(ctx context.Context, args chainStatusInput) (chainStatusOutput, error) {
	sess, err := s.sessions.Get(ctx, args.SessionID)
	if err != nil {
		return chainStatusOutput{}, err
	}

	out := chainStatusOutput{
		SessionID:   sess.SessionID,
		ChainID:     sess.ChainID,
		CurrentStep: sess.CurrentStep,
		TotalSteps:  sess.TotalSteps,
		Completed:   sess.Completed(),
		Aborted:     sess.Aborted,
		RetryCount:  sess.RetryCount,
	}
	for step := 1; step <= sess.TotalSteps; step++ {
		rec := sess.StepRecordFor(step)
		if rec == nil {
			continue
		}
		out.Steps = append(out.Steps, stepRecordView{
			Step:        step,
			State:       string(rec.State),
			Placeholder: rec.IsPlaceholder,
		})
	}
	if sess.PendingGateReview != nil {
		out.Gate = gateViewFor(sess)
	}
	return out, nil
}

func (s *Server) runGateAction(ctx context.Context, args chainGateActionInput) (chainStepOutput, error) {
	sess, err := s.sessions.Get(ctx, args.SessionID)
	if err != nil {
		return chainStepOutput{}, err
	}

	rc := &pipeline.Context{
		Request: &pipeline.Request{
			SessionID:  sess.SessionID,
			GateAction: args.Action,
		},
		Lifecycle: pipeline.LifecycleResume,
		Session:   sess,
	}
	if err := s.stage.Process(ctx, rc); err != nil {
		return chainStepOutput{}, err
	}
	return s.buildStepOutput(ctx, rc)
}

func (s *Server) runAbort(ctx context.Context, args chainAbortInput) (chainAbortOutput, error) {
	sess, err := s.sessions.Get(ctx, args.SessionID)
	if err != nil {
		return chainAbortOutput{}, err
	}
	if err := s.authority.AbortSession(ctx, sess); err != nil {
		return chainAbortOutput{}, err
	}
	return chainAbortOutput{SessionID: sess.SessionID, Aborted: true}, nil
}

// gateViewFor renders a session's pending review, including instructions
// snapshotted on the blueprint.
func gateViewFor(sess *session.ChainSession) *gateView {
	review := sess.PendingGateReview
	gv := &gateView{
		Step:           review.Step,
		GateIDs:        review.GateIDs,
		Attempts:       review.AttemptCount,
		MaxAttempts:    review.MaxAttempts,
		RetryExhausted: review.RetryLimitExceeded,
	}
	if review.RetryLimitExceeded {
		gv.Actions = []string{"retry", "skip", "abort"}
	}
	if sess.Blueprint != nil && len(sess.Blueprint.GateInstructions) > 0 {
		gv.Instructions = make(map[string]string, len(review.GateIDs))
		for _, id := range review.GateIDs {
			if inst, ok := sess.Blueprint.GateInstructions[id]; ok {
				gv.Instructions[id] = inst
			}
		}
	}
	return gv
}

func blueprintStep(sess *session.ChainSession, number int) *session.BlueprintStep {
	if sess.Blueprint == nil {
		return nil
	}
	for i := range sess.Blueprint.Steps {
		if sess.Blueprint.Steps[i].Number == number {
			return &sess.Blueprint.Steps[i]
		}
	}
	return nil
}

func prevStepResult(sess *session.ChainSession) string {
	rec := sess.StepRecordFor(sess.CurrentStep - 1)
	switch {
	case rec == nil:
		return "none"
	case rec.IsPlaceholder:
		return "placeholder"
	default:
		return "completed"
	}
}

func summarizeStep(out *chainStepOutput) string {
	switch {
	case out.Aborted:
		return fmt.Sprintf("Session %s is aborted", out.SessionID)
	case out.Completed:
		return fmt.Sprintf("Chain %s complete (%d steps)", out.ChainID, out.TotalSteps)
	case out.Gate != nil:
		return fmt.Sprintf("Step %d awaiting gate review (%d/%d attempts)",
			out.Gate.Step, out.Gate.Attempts, out.Gate.MaxAttempts)
	default:
		return fmt.Sprintf("Step %d of %d: %s", out.CurrentStep, out.TotalSteps, out.StepName)
	}
}
