// Package pipeline implements the step response capture stage.
//
// Each inbound request flows once through the stage: it refreshes
// session-derived context from the authoritative store, routes gate
// verdicts and retry actions through the enforcement authority, and
// captures either the caller's real response or a synthetic placeholder
// for the step just rendered.
package pipeline
