package usage

// Operation names a class of model call for aggregation purposes.
const (
	OpIntent     = "intent"
	OpPlan       = "plan"
	OpLoop       = "loop"
	OpVerify     = "verify"
	OpChat       = "chat"
	OpEscalation = "escalation"
	OpReplan     = "replan"
)

// Data is the root structure stored in usage.json.
type Data struct {
	Version   string `json:"version"`
	Aggregate Stats  `json:"aggregate"`
}

// Stats holds token counters broken down by dimension.
type Stats struct {
	Overall     TokenCounts            `json:"overall"`
	ByModel     map[string]TokenCounts `json:"by_model"`
	ByOperation map[string]TokenCounts `json:"by_operation"`
	ByRun       map[string]TokenCounts `json:"by_run"`
}

// TokenCounts holds input/output sums.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

func (tc *TokenCounts) Add(input, output int) {
	tc.Input += int64(input)
	tc.Output += int64(output)
	tc.Total += int64(input + output)
}
