package injection

import "time"

// Type identifies a kind of injectable auxiliary content.
type Type string

const (
	// TypeSystemPrompt is system guidance injected ahead of a step.
	TypeSystemPrompt Type = "system-prompt"

	// TypeGateGuidance is gate review instruction text.
	TypeGateGuidance Type = "gate-guidance"

	// TypeStyleGuidance is style guidance text.
	TypeStyleGuidance Type = "style-guidance"
)

// Types lists every injection type, resolved independently per step.
var Types = []Type{TypeSystemPrompt, TypeGateGuidance, TypeStyleGuidance}

// Source names the configuration level that produced a decision,
// listed highest to lowest priority.
type Source string

const (
	SourceModifier        Source = "modifier"
	SourceRuntimeOverride Source = "runtime-override"
	SourceStepConfig      Source = "step-config"
	SourceChainConfig     Source = "chain-config"
	SourceCategoryConfig  Source = "category-config"
	SourceGlobalConfig    Source = "global-config"
	SourceSystemDefault   Source = "system-default"
)

// Action is what a matched rule decides.
type Action string

const (
	// ActionInject means inject the content.
	ActionInject Action = "inject"

	// ActionSkip means do not inject.
	ActionSkip Action = "skip"

	// ActionInherit defers to the next lower-priority source.
	ActionInherit Action = "inherit"
)

// Decision is the per-type resolution result. Recomputed every step and
// not persisted; only the last-injected step marker lives on the session.
type Decision struct {
	Type      Type
	Inject    bool
	Reason    string
	Source    Source
	DecidedAt time.Time
}

// FrequencyMode controls how often an enabled type actually injects.
type FrequencyMode string

const (
	// FrequencyEvery injects every Interval steps.
	FrequencyEvery FrequencyMode = "every"

	// FrequencyFirstOnly injects once per session.
	FrequencyFirstOnly FrequencyMode = "first-only"

	// FrequencyNever suppresses injection entirely.
	FrequencyNever FrequencyMode = "never"
)

// FrequencyPolicy is applied only after config resolution decides the
// type is enabled at all.
type FrequencyPolicy struct {
	Mode     FrequencyMode `koanf:"mode" json:"mode"`
	Interval int           `koanf:"interval" json:"interval"`
}

// Modifiers are request-level flags that force or suppress injection
// regardless of the computed result.
type Modifiers struct {
	Force    map[Type]bool
	Suppress map[Type]bool
}

// StepContext is the evaluation input for one step's resolution.
type StepContext struct {
	SessionID  string
	Category   string
	ChainID    string
	Step       int
	TotalSteps int

	// StepType is the blueprint step's declared type.
	StepType string

	// GateStatus is the current gate state: "none", "pending", "passed"
	// or "failed".
	GateStatus string

	// PrevStepResult describes the previous step's captured record:
	// "none", "completed" or "placeholder".
	PrevStepResult string

	// LastInjectedStep is the session's marker for the type being
	// resolved; zero means never injected.
	LastInjectedStep int
}

// ChainPosition classifies a step as first, last, or middle.
func (c *StepContext) ChainPosition() string {
	switch {
	case c.Step == 1:
		return "first"
	case c.Step == c.TotalSteps:
		return "last"
	default:
		return "middle"
	}
}
