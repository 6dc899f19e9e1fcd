// Package session provides the durable per-run chain session store.
//
// One ChainSession per chain run, addressed by an opaque session id and
// persisted across stateless request/response cycles. The store owns the
// step cursor, placeholder bookkeeping, pending gate review, retry
// counters, and the blueprint snapshot that insulates resumed sessions
// from hot-reloaded definitions.
package session
