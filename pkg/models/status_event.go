package models

// StatusEventKind discriminates the status notifications a channel may be
// asked to render alongside or instead of a reply, per spec.md §4.4's
// send_status contract.
type StatusEventKind string

const (
	StatusThinking       StatusEventKind = "thinking"
	StatusToolStarted    StatusEventKind = "tool_started"
	StatusToolCompleted  StatusEventKind = "tool_completed"
	StatusToolResult     StatusEventKind = "tool_result"
	StatusApprovalNeeded StatusEventKind = "approval_needed"
	StatusError          StatusEventKind = "error"
	StatusInfo           StatusEventKind = "info"
)

// StatusEvent is the payload send_status delivers to a channel. Not every
// field applies to every Kind; channels render what they understand and
// may drop the rest.
type StatusEvent struct {
	Kind StatusEventKind `json:"kind"`

	// Message carries free text for Thinking, Error, and Info.
	Message string `json:"message,omitempty"`

	// ToolName identifies the tool for ToolStarted/ToolCompleted/ToolResult.
	ToolName string `json:"tool_name,omitempty"`

	// Success reports a tool's outcome for ToolCompleted.
	Success bool `json:"success,omitempty"`

	// Preview carries a truncated tool result for ToolResult.
	Preview string `json:"preview,omitempty"`

	// RequestID, Tool, and ParamsSummary describe an ApprovalNeeded event:
	// the pending approval's id, the tool it gates, and a human-readable
	// summary of the arguments awaiting approval.
	RequestID     string `json:"request_id,omitempty"`
	Tool          string `json:"tool,omitempty"`
	ParamsSummary string `json:"params_summary,omitempty"`
}
