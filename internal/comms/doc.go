// ABOUTME: Package documentation for the comms layer
// ABOUTME: Describes registration, rate limiting, and local events

// Package comms is the agent-facing layer of the relay. It wraps the
// broker with a membership registry and per-agent rate limits, so that
// every operation is checked before it touches the shared store.
//
// # Registration
//
// Agents must register before sending, broadcasting, or handing off
// work. Registration is per-process: each relay instance tracks its own
// connected agents, while messages still route across instances through
// the shared store. Unknown senders or recipients fail fast with
// ErrAgentNotRegistered and nothing is published.
//
// # Rate limiting
//
// Each (agent, operation) pair gets a fixed window counter in the
// store. The first call in a window creates the counter with the window
// TTL; exceeding the threshold fails with a RateLimitError carrying the
// time until the window resets. Limits are enforced before delegation,
// so a rate-limited call never reaches the broker.
//
// # Local events
//
// The manager emits agentRegistered and agentUnregistered events to
// in-process observers via its Emitter. These never travel through the
// store; cross-instance lifecycle events go through the broker's event
// channel instead.
package comms
