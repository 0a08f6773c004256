package models

import "time"

// ActivityType tags one unit of streamed telemetry from a running session.
type ActivityType string

const (
	ActivityToolCall     ActivityType = "tool_call"
	ActivityToolResult   ActivityType = "tool_result"
	ActivityAgentMessage ActivityType = "agent_message"
	ActivityReasoning    ActivityType = "reasoning"
	ActivityStepStart    ActivityType = "step_start"
	ActivityJSONPatch    ActivityType = "json_patch"
	ActivityFinished     ActivityType = "finished"
)

// KnownActivityType reports whether t is one of the seven event tags the
// stream emits. Unknown tags are skipped by consumers, not treated as errors.
func KnownActivityType(t ActivityType) bool {
	switch t {
	case ActivityToolCall, ActivityToolResult, ActivityAgentMessage,
		ActivityReasoning, ActivityStepStart, ActivityJSONPatch, ActivityFinished:
		return true
	}
	return false
}

// ActivityRecord is one frame of session telemetry.
//
// ID is an optional correlation key: a later record with the same non-empty
// ID replaces the earlier one in place, which is how a streaming tool call's
// output grows without duplicating timeline entries. Timestamp is
// producer-assigned wall-clock time and is used for display ordering only.
type ActivityRecord struct {
	Type      ActivityType `json:"type"`
	ID        string       `json:"id,omitempty"`
	Content   string       `json:"content,omitempty"`
	Timestamp time.Time    `json:"timestamp"`

	// Set only on finished records.
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// IsFinished reports whether the record terminates the session's stream.
func (r ActivityRecord) IsFinished() bool {
	return r.Type == ActivityFinished
}
