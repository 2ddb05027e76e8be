package usage

import "sync"

// RunMeter accumulates token counts for a single run. Verification
// calls are banked separately so a run's report can show how much of
// the budget went to checking work rather than doing it. The meter
// forwards every record to the project tracker when one is attached.
type RunMeter struct {
	mu      sync.Mutex
	runID   string
	tracker *Tracker

	input        int64
	output       int64
	verifyInput  int64
	verifyOutput int64
}

// NewRunMeter creates a meter for the given run. tracker may be nil.
func NewRunMeter(runID string, tracker *Tracker) *RunMeter {
	return &RunMeter{runID: runID, tracker: tracker}
}

// Record adds one model call's tokens to the meter.
func (m *RunMeter) Record(model, operation string, input, output int) {
	m.mu.Lock()
	m.input += int64(input)
	m.output += int64(output)
	if operation == OpVerify {
		m.verifyInput += int64(input)
		m.verifyOutput += int64(output)
	}
	m.mu.Unlock()

	if m.tracker != nil {
		m.tracker.Track(m.runID, model, operation, input, output)
	}
}

// Totals returns all tokens recorded for the run.
func (m *RunMeter) Totals() (input, output int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.input, m.output
}

// VerifyTotals returns the tokens spent on verification calls.
func (m *RunMeter) VerifyTotals() (input, output int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifyInput, m.verifyOutput
}

// Total returns the combined input+output count, used against the
// run token budget.
func (m *RunMeter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.input + m.output
}
