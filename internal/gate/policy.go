package gate

import "fmt"

// EnforcementMode controls whether a FAIL verdict blocks, warns, or is
// merely logged. Derived from current gate configuration per request,
// never stored on the session: configuration may change between steps.
type EnforcementMode string

const (
	// ModeBlocking keeps the session on the same step until PASS or an
	// explicit skip/abort.
	ModeBlocking EnforcementMode = "blocking"

	// ModeAdvisory logs a warning but advances the step anyway.
	ModeAdvisory EnforcementMode = "advisory"

	// ModeInformational records the FAIL in the audit trail with zero
	// user-visible effect.
	ModeInformational EnforcementMode = "informational"
)

// ParseEnforcementMode validates a mode string.
func ParseEnforcementMode(s string) (EnforcementMode, error) {
	switch EnforcementMode(s) {
	case ModeBlocking, ModeAdvisory, ModeInformational:
		return EnforcementMode(s), nil
	case "":
		// Safest default when configuration names none.
		return ModeBlocking, nil
	}
	return "", fmt.Errorf("unknown enforcement mode %q", s)
}

// Policy is the enforcement configuration resolved for a gate set.
type Policy struct {
	Mode        EnforcementMode
	MaxAttempts int

	// WithholdResponseOnFail demands that rendered content itself be
	// withheld when a blocking gate fails.
	WithholdResponseOnFail bool
}

// DefaultPolicy is blocking with two attempts.
func DefaultPolicy() Policy {
	return Policy{Mode: ModeBlocking, MaxAttempts: 2}
}

// PolicyProvider resolves the current enforcement policy for a
// (category, chain, step) triple and its gate set.
type PolicyProvider interface {
	PolicyFor(category, chainID string, step int, gateIDs []string) Policy
}

// StaticPolicyProvider resolves policies from a fixed table, falling back
// to a default. Gate-level entries win over the default.
type StaticPolicyProvider struct {
	Default Policy

	// PerGate maps gate id to policy; the first configured gate in the
	// set wins.
	PerGate map[string]Policy
}

// NewStaticPolicyProvider creates a provider with the given default.
func NewStaticPolicyProvider(def Policy) *StaticPolicyProvider {
	return &StaticPolicyProvider{
		Default: def,
		PerGate: make(map[string]Policy),
	}
}

// PolicyFor implements PolicyProvider.
func (p *StaticPolicyProvider) PolicyFor(_, _ string, _ int, gateIDs []string) Policy {
	for _, id := range gateIDs {
		if pol, ok := p.PerGate[id]; ok {
			return pol
		}
	}
	return p.Default
}
