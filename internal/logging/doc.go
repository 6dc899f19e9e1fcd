// Package logging provides structured logging for chaind.
//
// Wraps zap with chain-execution correlation: session, chain, and step
// identifiers travel on the context and are attached to every entry.
package logging
