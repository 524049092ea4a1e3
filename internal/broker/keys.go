// ABOUTME: Store key and channel naming for the broker
// ABOUTME: All names are namespaced under relay: so instances can share a Redis db

package broker

// eventsChannel carries AgentEvents for every agent.
const eventsChannel = "relay:events"

// agentChannel is the private pub/sub channel a single agent receives
// direct messages and handoff notifications on.
func agentChannel(agentID string) string {
	return "relay:agent:" + agentID
}

// broadcastChannel is a named topic with no registration requirement.
func broadcastChannel(name string) string {
	return "relay:channel:" + name
}

func messageHistoryKey(agentID string) string {
	return "relay:history:messages:" + agentID
}

func handoffHistoryKey(agentID string) string {
	return "relay:history:handoffs:" + agentID
}

func handoffKey(handoffID string) string {
	return "relay:handoff:" + handoffID
}

// pendingHandoffKey marks the task as having an unresolved handoff. Its TTL
// equals the handoff timeout, so exclusivity ends exactly when the handoff
// expires.
func pendingHandoffKey(taskID string) string {
	return "relay:handoff:task:" + taskID
}

// handoffLockKey guards handoff initiation for one task against concurrent
// initiators.
func handoffLockKey(taskID string) string {
	return "relay:lock:handoff:task:" + taskID
}
