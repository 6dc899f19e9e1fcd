package verdict

import (
	"regexp"
	"strings"
	"time"
)

// Result is the PASS/FAIL judgment of a gate review.
type Result string

const (
	// Pass means the gate criteria were met.
	Pass Result = "PASS"

	// Fail means the gate criteria were not met.
	Fail Result = "FAIL"
)

// Source identifies where the verdict text arrived from.
type Source string

const (
	// SourceExplicit means the text arrived via the dedicated verdict parameter.
	SourceExplicit Source = "explicit"

	// SourceFreeText means the text was scanned out of an ordinary response.
	SourceFreeText Source = "free_text"
)

// Verdict is a parsed gate review judgment.
//
// Ephemeral: it lives for the request that produced it and is only
// projected into review records and diagnostics.
type Verdict struct {
	Result          Result
	Rationale       string
	Raw             string
	Source          Source
	DetectedPattern string
	ParsedAt        time.Time
}

// Passed reports whether the verdict is PASS.
func (v *Verdict) Passed() bool {
	return v.Result == Pass
}

// pattern is one prioritized matcher.
type pattern struct {
	name string
	re   *regexp.Regexp
	// explicitOnly disables the pattern for free-text sources. The bare
	// "PASS - reason" form would otherwise false-positive on ordinary
	// conversational text.
	explicitOnly bool
}

var patterns = []pattern{
	{name: "gate_review_dash", re: regexp.MustCompile(`(?im)^\s*GATE_REVIEW:\s*(PASS|FAIL)\s+-\s*(.*)$`)},
	{name: "gate_review_colon", re: regexp.MustCompile(`(?im)^\s*GATE_REVIEW:\s*(PASS|FAIL)\s*:\s*(.*)$`)},
	{name: "gate_dash", re: regexp.MustCompile(`(?im)^\s*GATE\s+(PASS|FAIL)\s+-\s*(.*)$`)},
	{name: "gate_colon", re: regexp.MustCompile(`(?im)^\s*GATE\s+(PASS|FAIL)\s*:\s*(.*)$`)},
	{name: "bare", re: regexp.MustCompile(`(?im)^\s*(PASS|FAIL)\s+-\s*(.*)$`), explicitOnly: true},
}

// Parse extracts a verdict from raw text.
//
// Returns nil when no pattern matches; callers must treat that as "no
// verdict present", not as a failure. A match with an empty rationale
// after trimming is rejected and parsing continues to the next pattern,
// since rationale is mandatory for audit and retry hints.
func Parse(raw string, source Source) *Verdict {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	for _, p := range patterns {
		if p.explicitOnly && source == SourceFreeText {
			continue
		}
		m := p.re.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		rationale := strings.TrimSpace(m[2])
		if rationale == "" {
			continue
		}
		return &Verdict{
			Result:          Result(strings.ToUpper(m[1])),
			Rationale:       rationale,
			Raw:             raw,
			Source:          source,
			DetectedPattern: p.name,
			ParsedAt:        time.Now().UTC(),
		}
	}
	return nil
}
