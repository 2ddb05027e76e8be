// Package desktop defines the engine's view of the machine it drives.
// Actuation, screen capture and user-facing delivery are implemented
// elsewhere; the engine consumes these interfaces and owns only the
// approval gate, which carries one-shot confirmation semantics.
package desktop

import (
	"context"

	"deskpilot/internal/model"
)

// ToolExecution is the outcome of one tool call.
type ToolExecution struct {
	Text    string // textual result or error detail
	IsError bool
	Image   []byte // set when the tool produced a screenshot
}

// Tool is a tool the actuation layer offers to the model. Visual tools
// observe or change what is on screen; their presence in an iteration
// decides whether verification can auto-pass.
type Tool struct {
	model.ToolDefinition
	Visual bool
}

// Actuator executes tool calls against the live desktop.
type Actuator interface {
	// Tools lists what the actuation layer offers this run.
	Tools() []Tool
	// Execute runs one tool call. Tool-level failures come back as
	// ToolExecution.IsError, not as an error; the error return is for
	// transport-level breakage.
	Execute(ctx context.Context, tool string, input map[string]any) (ToolExecution, error)
}

// Observer captures the current screen state.
type Observer interface {
	// CaptureScreen returns a PNG of the display, scoped to
	// targetProcess when one is given.
	CaptureScreen(ctx context.Context, targetProcess string) ([]byte, error)
	// DescribeUITree returns a textual accessibility-tree dump.
	DescribeUITree(ctx context.Context, targetProcess string) (string, error)
}

// Responder delivers engine output to the supervising user. Delivery is
// fire-and-forget; approval resolution flows back through the request.
type Responder interface {
	SendText(text string)
	SendImage(image []byte)
	RequestApproval(req *ApprovalRequest)
}

// SystemMonitor reports machine conditions the loop pauses on.
type SystemMonitor interface {
	NetworkReachable() bool
	DisplayAsleep() bool
}

// Desktop bundles the four collaborator roles.
type Desktop struct {
	Actuator  Actuator
	Observer  Observer
	Responder Responder
	Monitor   SystemMonitor
}
