// Package injection resolves whether auxiliary guidance content should be
// injected into the current rendered step.
//
// Resolution walks sources in priority order (request modifier, session
// runtime override, step, chain, category, global, system default) and
// stops at the first definite answer. Within a configuration level,
// conditional rules evaluate in declared order, first match wins.
package injection
