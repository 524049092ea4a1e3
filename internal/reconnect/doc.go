// ABOUTME: Package documentation for reconnect
// ABOUTME: Describes the client connection lifecycle and retry schedule

// Package reconnect maintains an agent's connection to the relay.
//
// A Controller owns exactly one connection. When the connection drops it
// redials immediately, and on repeated failure it retries with
// exponential backoff (doubling from the base delay up to the cap, with
// 25% jitter either way). At most one retry timer is pending at any
// moment. A successful connection resets the attempt counter; exhausting
// the retry budget parks the controller in a terminal failed state that
// only an explicit Connect call leaves.
//
// Every frame on the wire is an Envelope. The first frame of each new
// connection is always the auth envelope; the relay answers auth_ok
// before anything else flows.
package reconnect
