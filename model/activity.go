package model

// Activity is an agent's live presence marker in a collective, identified by
// (CollectiveID, AgentID) and kept fresh by heartbeat. Activities with a
// stale heartbeat are excluded from active-agent queries; the row itself
// stays stored until the activity is ended or its collective is deleted.
type Activity struct {
	CollectiveID CollectiveID
	AgentID      AgentID

	// CurrentTask describes what the agent is working on; empty means none.
	CurrentTask string

	// ContextSummary is an optional short description of the agent's working
	// context, surfaced to other agents.
	ContextSummary string

	StartedAt     Timestamp
	LastHeartbeat Timestamp
}

// NewActivity is the input for registering an agent's presence.
type NewActivity struct {
	CollectiveID   CollectiveID
	AgentID        AgentID
	CurrentTask    string
	ContextSummary string
}
