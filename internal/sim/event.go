package sim

// Event is one append-only record in a session's event log. The timestamp is
// assigned by the store on write; in-memory timeline copies carry their own.
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Event types emitted by the core. Scenario-specific phase and treatment
// events extend this set with a "svt." or "myo." prefix.
const (
	EventRealtimeConnected    = "realtime.connected"
	EventRealtimeDisconnected = "realtime.disconnected"

	EventIntentReceived = "tool.intent.received"
	EventIntentApproved = "tool.intent.approved"
	EventIntentRejected = "tool.intent.rejected"
	EventIntentApplied  = "tool.intent.applied"

	EventStageChanged    = "scenario.stage.changed"
	EventStateDiff       = "scenario.state.diff"
	EventFindingRevealed = "scenario.finding.revealed"

	EventOrderCreated   = "order.created"
	EventOrderDuplicate = "order.duplicate"
	EventOrderCompleted = "order.completed"

	EventBudgetSoft = "budget.soft"
	EventBudgetHard = "budget.hard"

	EventFallbackEnabled  = "fallback.enabled"
	EventFallbackDisabled = "fallback.disabled"

	EventError = "error"
)
