// Package verdict parses free-form text into structured gate verdicts.
//
// Patterns are tried in fixed priority order; the first match with a
// non-empty rationale wins. Absence of a verdict is not an error.
package verdict
