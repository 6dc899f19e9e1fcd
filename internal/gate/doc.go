// Package gate implements the gate enforcement authority.
//
// Routes parsed verdicts through the enforcement-mode state machine
// (blocking, advisory, informational), keeps retry accounting against the
// session store, and resolves the out-of-band retry/skip/abort flow once
// a blocking gate exhausts its attempts.
package gate
