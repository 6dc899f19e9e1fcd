package pipeline

import (
	"github.com/fyrsmithlabs/chaind/internal/gate"
	"github.com/fyrsmithlabs/chaind/internal/injection"
	"github.com/fyrsmithlabs/chaind/internal/session"
	"github.com/fyrsmithlabs/chaind/internal/verdict"
)

// Lifecycle is the session lifecycle decision made for this request by
// the stage ahead of capture.
type Lifecycle string

const (
	// LifecycleResume continues an existing session.
	LifecycleResume Lifecycle = "resume"

	// LifecycleCreateNew starts a fresh session; nothing to capture yet.
	LifecycleCreateNew Lifecycle = "create-new"

	// LifecycleForceRestart discards prior state and starts over;
	// capture is bypassed entirely.
	LifecycleForceRestart Lifecycle = "create-force-restart"
)

// Request carries the request-facing parameters this core reads.
type Request struct {
	SessionID string

	// GateVerdict is the optional explicit verdict parameter.
	GateVerdict string

	// GateAction is the optional retry/skip/abort resolution.
	GateAction string

	// UserResponse is the optional free-text step response.
	UserResponse string

	// InjectionForce and InjectionSuppress are modifier flags forcing or
	// suppressing injection regardless of the computed result.
	InjectionForce    []string
	InjectionSuppress []string
}

// Modifiers converts the request's flags to injection modifiers.
func (r *Request) Modifiers() *injection.Modifiers {
	m := &injection.Modifiers{
		Force:    make(map[injection.Type]bool),
		Suppress: make(map[injection.Type]bool),
	}
	for _, t := range r.InjectionForce {
		m.Force[injection.Type(t)] = true
	}
	for _, t := range r.InjectionSuppress {
		m.Suppress[injection.Type(t)] = true
	}
	return m
}

// Context is the mutable request-scoped state threaded through pipeline
// stages. Explicitly constructed per request and owned by it; lifetime is
// exactly one request.
type Context struct {
	Request   *Request
	Lifecycle Lifecycle

	// Session is the chain session snapshot; nil when the request is not
	// a chain execution.
	Session *session.ChainSession

	// Verdict is the parsed gate verdict for this request, if any.
	Verdict *verdict.Verdict

	// Outcome is the enforcement authority's decision, if consulted.
	Outcome *gate.Outcome

	// AdvancedThisCall guards against a verdict-driven advance and a
	// response-driven advance double-advancing within one request.
	AdvancedThisCall bool

	// CapturedStep is the step a record was written for, 0 if none.
	CapturedStep int

	// CapturedPlaceholder reports whether the capture was synthetic.
	CapturedPlaceholder bool

	// Diagnostics collects non-fatal notes for the response envelope.
	Diagnostics []string

	// Warnings collects user-visible warnings (advisory gate failures).
	Warnings []string
}

// Note appends a diagnostic note.
func (c *Context) Note(msg string) {
	c.Diagnostics = append(c.Diagnostics, msg)
}

// IsChainExecution reports whether this request belongs to a chain run.
func (c *Context) IsChainExecution() bool {
	return c.Session != nil
}
