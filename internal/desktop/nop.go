package desktop

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"sync"

	"deskpilot/internal/model"
)

// Nop is a benign desktop used by dry runs and tests. Every tool
// succeeds, screenshots are a flat placeholder frame, and approvals
// resolve immediately according to AutoApprove.
type Nop struct {
	AutoApprove bool

	mu       sync.Mutex
	executed []string
	sent     []string
	frame    []byte
}

// NewNop returns a dry-run desktop that approves everything.
func NewNop() *Nop {
	return &Nop{AutoApprove: true, frame: flatFrame()}
}

func flatFrame() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

// Tools lists a small canonical toolset.
func (n *Nop) Tools() []Tool {
	obj := func(props map[string]any) map[string]any {
		return map[string]any{"type": "object", "properties": props}
	}
	return []Tool{
		{ToolDefinition: model.ToolDefinition{Name: "screenshot", Description: "Capture the screen", InputSchema: obj(nil)}, Visual: true},
		{ToolDefinition: model.ToolDefinition{Name: "click", Description: "Click at coordinates", InputSchema: obj(map[string]any{"x": map[string]any{"type": "integer"}, "y": map[string]any{"type": "integer"}})}, Visual: true},
		{ToolDefinition: model.ToolDefinition{Name: "type_text", Description: "Type text", InputSchema: obj(map[string]any{"text": map[string]any{"type": "string"}})}, Visual: true},
		{ToolDefinition: model.ToolDefinition{Name: "open_app", Description: "Open an application", InputSchema: obj(map[string]any{"name": map[string]any{"type": "string"}})}, Visual: true},
		{ToolDefinition: model.ToolDefinition{Name: "read_ui_tree", Description: "Dump the accessibility tree", InputSchema: obj(nil)}, Visual: false},
		{ToolDefinition: model.ToolDefinition{Name: "wait", Description: "Wait briefly", InputSchema: obj(nil)}, Visual: false},
	}
}

// Execute records the call and reports success.
func (n *Nop) Execute(_ context.Context, tool string, input map[string]any) (ToolExecution, error) {
	n.mu.Lock()
	n.executed = append(n.executed, tool)
	n.mu.Unlock()

	out := ToolExecution{Text: fmt.Sprintf("%s ok", tool)}
	if tool == "screenshot" {
		out.Image = n.frame
	}
	if tool == "open_app" {
		if name, ok := input["name"].(string); ok {
			out.Text = fmt.Sprintf("opened %s", name)
		}
	}
	return out, nil
}

// Executed returns the tool names run so far.
func (n *Nop) Executed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.executed...)
}

// CaptureScreen returns the placeholder frame.
func (n *Nop) CaptureScreen(context.Context, string) ([]byte, error) {
	return n.frame, nil
}

// DescribeUITree returns a minimal healthy tree.
func (n *Nop) DescribeUITree(context.Context, string) (string, error) {
	return "window \"Desktop\"\n  button \"OK\" enabled\n  textfield \"\" focused", nil
}

// SendText records the delivery.
func (n *Nop) SendText(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, text)
}

// Sent returns delivered texts.
func (n *Nop) Sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

// SendImage drops the image.
func (n *Nop) SendImage([]byte) {}

// RequestApproval resolves instantly per AutoApprove.
func (n *Nop) RequestApproval(req *ApprovalRequest) {
	if n.AutoApprove {
		req.Approve()
	} else {
		req.Deny()
	}
}

// NetworkReachable always reports a healthy network.
func (n *Nop) NetworkReachable() bool { return true }

// DisplayAsleep always reports an awake display.
func (n *Nop) DisplayAsleep() bool { return false }
