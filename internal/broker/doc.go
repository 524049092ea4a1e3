// Package broker implements the wire-level message types on top of the
// store client: direct messages, broadcasts, task handoffs, and lifecycle
// events.
//
// # Delivery semantics
//
// Delivery is at-least-once with a bounded, recency-biased history. Direct
// messages are published on the recipient's private channel and appended to
// a trimmed per-recipient history list in the same call. Broadcasts and
// events are fire-and-forget: only subscribers listening at publish time
// receive them.
//
// # Handoffs
//
// A handoff proposes transferring a task's ownership. Exactly one handoff
// may be pending per task, enforced with a short per-task lock plus a
// TTL'd pending marker. Status moves monotonically from pending to exactly
// one of accepted, rejected, or expired. Expiry is lazy: the pending
// marker's TTL ends exclusivity, and readers reconcile records whose
// response window elapsed before anyone looked.
//
// # Errors
//
// Store failures propagate to callers unmodified (wrapped, matching
// store.ErrUnavailable). The broker never retries; retry policy belongs to
// the caller.
package broker
