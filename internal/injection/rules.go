package injection

import (
	"fmt"
	"strconv"
)

// ConditionKind is the predicate family of a rule condition.
type ConditionKind string

const (
	CondGateStatus     ConditionKind = "gate-status"
	CondStepType       ConditionKind = "step-type"
	CondStepNumber     ConditionKind = "step-number"
	CondPrevStepResult ConditionKind = "previous-step-result"
	CondChainPosition  ConditionKind = "chain-position"
	CondAlways         ConditionKind = "always"
)

// Comparator applies to step-number conditions.
type Comparator string

const (
	CmpEq  Comparator = "eq"
	CmpGt  Comparator = "gt"
	CmpLt  Comparator = "lt"
	CmpGte Comparator = "gte"
	CmpLte Comparator = "lte"
)

// Condition is one rule predicate.
type Condition struct {
	Kind       ConditionKind `koanf:"kind" json:"kind"`
	Value      string        `koanf:"value" json:"value,omitempty"`
	Comparator Comparator    `koanf:"comparator" json:"comparator,omitempty"`
}

// Matches evaluates the condition against a step context.
func (c *Condition) Matches(sc *StepContext) (bool, error) {
	switch c.Kind {
	case CondAlways:
		return true, nil
	case CondGateStatus:
		return sc.GateStatus == c.Value, nil
	case CondStepType:
		return sc.StepType == c.Value, nil
	case CondPrevStepResult:
		return sc.PrevStepResult == c.Value, nil
	case CondChainPosition:
		return sc.ChainPosition() == c.Value, nil
	case CondStepNumber:
		n, err := strconv.Atoi(c.Value)
		if err != nil {
			return false, fmt.Errorf("invalid step-number value %q: %w", c.Value, err)
		}
		cmp := c.Comparator
		if cmp == "" {
			cmp = CmpEq
		}
		switch cmp {
		case CmpEq:
			return sc.Step == n, nil
		case CmpGt:
			return sc.Step > n, nil
		case CmpLt:
			return sc.Step < n, nil
		case CmpGte:
			return sc.Step >= n, nil
		case CmpLte:
			return sc.Step <= n, nil
		}
		return false, fmt.Errorf("unknown comparator %q", cmp)
	}
	return false, fmt.Errorf("unknown condition kind %q", c.Kind)
}

// Rule pairs a condition with an action.
type Rule struct {
	When Condition `koanf:"when" json:"when"`
	Then Action    `koanf:"then" json:"then"`
}

// evaluateRules walks a level's rules in declared order.
//
// Returns the first matching rule's action, or ActionInherit when no rule
// matches (the level defers). A rule with an invalid condition is skipped:
// a misconfigured rule must not block resolution.
func evaluateRules(rules []Rule, sc *StepContext) (Action, *Rule) {
	for i := range rules {
		r := &rules[i]
		ok, err := r.When.Matches(sc)
		if err != nil {
			continue
		}
		if ok {
			return r.Then, r
		}
	}
	return ActionInherit, nil
}
