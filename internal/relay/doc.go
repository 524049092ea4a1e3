// ABOUTME: Package documentation for relay
// ABOUTME: Describes the websocket surface and session lifecycle

// Package relay is the network surface of the system. Agents connect
// over websocket, authenticate with a JWT in the first envelope, and
// then exchange operation envelopes with the server for the life of
// the connection.
//
// Each authenticated connection gets a session: a read pump that
// dispatches inbound operations to the comms manager and a write pump
// that pushes the agent's notifications back down. Operation failures
// become error envelopes carrying the original envelope id, so agents
// can correlate them; they never close the connection.
//
// Besides /ws the server exposes /healthz (store health, 503 when
// unhealthy) and /statsz (registry and handoff statistics).
package relay
