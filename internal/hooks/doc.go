// Package hooks provides gate lifecycle event emission for chaind.
//
// Emission is strictly best-effort: handler errors and panics are logged
// and swallowed. Gate enforcement correctness must never depend on
// observability succeeding.
package hooks
