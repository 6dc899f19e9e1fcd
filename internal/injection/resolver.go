package injection

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ChainConfig holds chain-level and step-level rule sets for one chain.
type ChainConfig struct {
	// Rules are chain-level rules per injection type.
	Rules map[Type][]Rule `koanf:"rules" json:"rules,omitempty"`

	// Steps maps step number to step-level rules per injection type.
	Steps map[int]map[Type][]Rule `koanf:"steps" json:"steps,omitempty"`
}

// Config is the hierarchical injection configuration.
type Config struct {
	// Global rules per injection type.
	Global map[Type][]Rule `koanf:"global" json:"global,omitempty"`

	// Categories maps category name to per-type rules.
	Categories map[string]map[Type][]Rule `koanf:"categories" json:"categories,omitempty"`

	// Chains maps chain id to chain/step rules.
	Chains map[string]ChainConfig `koanf:"chains" json:"chains,omitempty"`

	// Frequency policies per type, applied after config resolution.
	Frequency map[Type]FrequencyPolicy `koanf:"frequency" json:"frequency,omitempty"`

	// SystemDefault is the final fallback action per type. Types absent
	// here fall back to DefaultActions.
	SystemDefault map[Type]Action `koanf:"system_default" json:"system_default,omitempty"`
}

// DefaultActions is the built-in system default per type, used when the
// configuration names none. Always defined: resolution can never dangle.
var DefaultActions = map[Type]Action{
	TypeSystemPrompt:  ActionInject,
	TypeGateGuidance:  ActionInject,
	TypeStyleGuidance: ActionSkip,
}

// Authority resolves injection decisions against the configuration
// hierarchy.
type Authority struct {
	cfg    *Config
	logger *zap.Logger
}

// NewAuthority creates an injection decision authority.
func NewAuthority(cfg *Config, logger *zap.Logger) *Authority {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authority{cfg: cfg, logger: logger}
}

// resolverLevel is one source in the priority walk: it yields a definite
// action or ActionInherit to defer to the next level.
type resolverLevel struct {
	source Source
	eval   func() (Action, string)
}

// Resolve computes the decision for one injection type.
//
// overrides carries the session's runtime overrides keyed by type name
// ("inject" or "skip"). Modifiers win over everything; a suppress
// modifier wins over a force modifier.
func (a *Authority) Resolve(typ Type, sc *StepContext, mods *Modifiers, overrides map[string]string) Decision {
	d := a.resolveSource(typ, sc, mods, overrides)
	d.Type = typ
	d.DecidedAt = time.Now().UTC()

	// Frequency policy applies only after config resolution decides the
	// type is enabled; explicit modifiers and overrides bypass it.
	if d.Inject && d.Source != SourceModifier && d.Source != SourceRuntimeOverride {
		d = a.applyFrequency(typ, sc, d)
	}

	a.logger.Debug("injection decision",
		zap.String("type", string(typ)),
		zap.String("session_id", sc.SessionID),
		zap.Int("step", sc.Step),
		zap.Bool("inject", d.Inject),
		zap.String("source", string(d.Source)),
		zap.String("reason", d.Reason))
	return d
}

// ResolveAll resolves every injection type independently.
func (a *Authority) ResolveAll(sc *StepContext, mods *Modifiers, overrides map[string]string, lastInjected map[string]int) []Decision {
	decisions := make([]Decision, 0, len(Types))
	for _, typ := range Types {
		tc := *sc
		if lastInjected != nil {
			tc.LastInjectedStep = lastInjected[string(typ)]
		}
		decisions = append(decisions, a.Resolve(typ, &tc, mods, overrides))
	}
	return decisions
}

func (a *Authority) resolveSource(typ Type, sc *StepContext, mods *Modifiers, overrides map[string]string) Decision {
	if mods != nil {
		if mods.Suppress[typ] {
			return Decision{Inject: false, Source: SourceModifier, Reason: "suppressed by request modifier"}
		}
		if mods.Force[typ] {
			return Decision{Inject: true, Source: SourceModifier, Reason: "forced by request modifier"}
		}
	}

	if action, ok := overrides[string(typ)]; ok {
		return Decision{
			Inject: action == string(ActionInject),
			Source: SourceRuntimeOverride,
			Reason: fmt.Sprintf("session runtime override: %s", action),
		}
	}

	levels := []resolverLevel{
		{SourceStepConfig, func() (Action, string) { return a.evalLevel(a.stepRules(typ, sc), sc) }},
		{SourceChainConfig, func() (Action, string) { return a.evalLevel(a.chainRules(typ, sc), sc) }},
		{SourceCategoryConfig, func() (Action, string) { return a.evalLevel(a.categoryRules(typ, sc), sc) }},
		{SourceGlobalConfig, func() (Action, string) { return a.evalLevel(a.cfg.Global[typ], sc) }},
	}

	for _, lvl := range levels {
		action, desc := lvl.eval()
		if action == ActionInherit {
			continue
		}
		return Decision{
			Inject: action == ActionInject,
			Source: lvl.source,
			Reason: fmt.Sprintf("%s rule matched (%s)", lvl.source, desc),
		}
	}

	action := a.systemDefault(typ)
	return Decision{
		Inject: action == ActionInject,
		Source: SourceSystemDefault,
		Reason: fmt.Sprintf("system default: %s", action),
	}
}

func (a *Authority) evalLevel(rules []Rule, sc *StepContext) (Action, string) {
	action, rule := evaluateRules(rules, sc)
	if rule == nil {
		return ActionInherit, ""
	}
	if rule.When.Kind == CondAlways {
		return action, "always"
	}
	return action, fmt.Sprintf("%s=%s", rule.When.Kind, rule.When.Value)
}

func (a *Authority) stepRules(typ Type, sc *StepContext) []Rule {
	cc, ok := a.cfg.Chains[sc.ChainID]
	if !ok || cc.Steps == nil {
		return nil
	}
	return cc.Steps[sc.Step][typ]
}

func (a *Authority) chainRules(typ Type, sc *StepContext) []Rule {
	cc, ok := a.cfg.Chains[sc.ChainID]
	if !ok {
		return nil
	}
	return cc.Rules[typ]
}

func (a *Authority) categoryRules(typ Type, sc *StepContext) []Rule {
	rules, ok := a.cfg.Categories[sc.Category]
	if !ok {
		return nil
	}
	return rules[typ]
}

func (a *Authority) systemDefault(typ Type) Action {
	if action, ok := a.cfg.SystemDefault[typ]; ok {
		return action
	}
	return DefaultActions[typ]
}

// applyFrequency downgrades an enabled decision per the type's frequency
// policy. Source is retained: it still names the level that enabled the
// type; the reason records the frequency suppression.
func (a *Authority) applyFrequency(typ Type, sc *StepContext, d Decision) Decision {
	policy, ok := a.cfg.Frequency[typ]
	if !ok {
		return d
	}

	switch policy.Mode {
	case FrequencyNever:
		d.Inject = false
		d.Reason = fmt.Sprintf("%s; suppressed by frequency policy: never", d.Reason)
	case FrequencyFirstOnly:
		if sc.LastInjectedStep > 0 {
			d.Inject = false
			d.Reason = fmt.Sprintf("%s; already injected at step %d (first-only)", d.Reason, sc.LastInjectedStep)
		}
	case FrequencyEvery:
		interval := policy.Interval
		if interval <= 1 || sc.LastInjectedStep == 0 {
			return d
		}
		if sc.Step-sc.LastInjectedStep < interval {
			d.Inject = false
			d.Reason = fmt.Sprintf("%s; within interval %d of last injection at step %d", d.Reason, interval, sc.LastInjectedStep)
		}
	}
	return d
}
