// Package loop drives the perception-action cycle: a flat node graph
// for unplanned tasks and a step-driven executor for planned ones,
// sharing one pre-iteration hook, stuck tracking and verification
// wiring. The loop owns no cross-run state; everything it mutates
// lives for exactly one run.
package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"deskpilot/internal/config"
	"deskpilot/internal/convo"
	"deskpilot/internal/desktop"
	"deskpilot/internal/journal"
	"deskpilot/internal/logging"
	"deskpilot/internal/metrics"
	"deskpilot/internal/model"
	"deskpilot/internal/plan"
	"deskpilot/internal/resilience"
	"deskpilot/internal/usage"
	"deskpilot/internal/verify"
)

// maxRecoveries bounds the flat engine's Recover visits before it
// gives up; the step loop uses escalation instead.
const maxRecoveries = 2

// Options wires a run's collaborators into an Engine. Client is
// expected to already carry retry and circuit-breaker protection.
type Options struct {
	Client        model.Client
	Verifier      *verify.Engine
	Desktop       *desktop.Desktop
	Convo         *convo.Context
	Meter         *usage.RunMeter
	Journal       *journal.Journal
	Metrics       *metrics.Metrics
	Lifecycle     *Lifecycle
	Config        *config.Config
	Command       string
	TargetProcess string

	// StartIteration is non-zero when resuming from a journal.
	StartIteration int
}

// Result is what a loop run produced, before the orchestrator folds in
// token totals.
type Result struct {
	Success    bool
	Summary    string
	Iterations int
	FinalScore *verify.Score // nil when verification never ran
	Cancelled  bool
	Stuck      bool
	Reason     string // one-line failure reason, empty on success
}

// Engine executes iterations for a single run. Not safe for concurrent
// use; the orchestrator owns it for the run's lifetime.
type Engine struct {
	client  model.Client
	verif   *verify.Engine
	desk    *desktop.Desktop
	convo   *convo.Context
	meter   *usage.RunMeter
	journal *journal.Journal
	metrics *metrics.Metrics
	life    *Lifecycle
	cfg     *config.Config
	log     *zap.SugaredLogger

	command       string
	targetProcess string
	modelName     string
	scorerModel   string

	iterations    int
	maxIterations int
	deadline      time.Time
	tokenBudget   int64
	warnedTokens  bool
	warnedIters   bool
	recoveries    int
	stepsStarted  int

	firstShot []byte
	lastShot  []byte
	toolLog   []verify.ToolOutcome
	tools     []desktop.Tool
	visual    map[string]bool
}

// New builds an engine for one run.
func New(opts Options) *Engine {
	cfg := opts.Config
	scorer := cfg.Model.ScorerModel
	if scorer == "" {
		scorer = cfg.Model.Model
	}
	if opts.Lifecycle == nil {
		opts.Lifecycle = NewLifecycle(0)
	}
	e := &Engine{
		client:        opts.Client,
		verif:         opts.Verifier,
		desk:          opts.Desktop,
		convo:         opts.Convo,
		meter:         opts.Meter,
		journal:       opts.Journal,
		metrics:       opts.Metrics,
		life:          opts.Lifecycle,
		cfg:           cfg,
		log:           logging.Get(logging.CategoryLoop),
		command:       opts.Command,
		targetProcess: opts.TargetProcess,
		modelName:     cfg.Model.Model,
		scorerModel:   scorer,
		iterations:    opts.StartIteration,
		maxIterations: cfg.Run.MaxIterations,
		tokenBudget:   int64(cfg.Run.MaxTokens),
		visual:        map[string]bool{},
	}
	if opts.Desktop != nil && opts.Desktop.Actuator != nil {
		e.tools = opts.Desktop.Actuator.Tools()
		for _, t := range e.tools {
			e.visual[t.Name] = t.Visual
		}
	}
	return e
}

// begin stamps the wall-clock deadline at loop entry.
func (e *Engine) begin() {
	e.deadline = time.Now().Add(e.cfg.GetRunTimeout())
}

// cycle is the state of one iteration through the node graph.
type cycle struct {
	text        string
	toolCalls   []model.ToolCall
	toolResults []verify.ToolOutcome
	usedVisual  bool
	shotName    string
	preImage    []byte
	postImage   []byte

	completion bool
	failure    bool
	stuck      bool
	exhausted  bool
	premature  bool

	done *Result // set by the complete node
}

func (e *Engine) journalEvent(ev journal.Event) {
	if err := e.journal.Append(ev); err != nil {
		e.log.Warnw("journal append failed", "type", ev.Type, "error", err)
		return
	}
	e.metrics.JournalEvents.Inc()
}

// perceive captures the screen and shows it to the model.
func (e *Engine) perceive(ctx context.Context, st *cycle) {
	shot, err := e.desk.Observer.CaptureScreen(ctx, e.targetProcess)
	if err != nil {
		e.log.Warnw("screen capture failed", "iteration", e.iterations, "error", err)
	}
	st.preImage = shot
	if e.firstShot == nil && len(shot) > 0 {
		e.firstShot = shot
	}

	label := fmt.Sprintf("Current screen state (iteration %d of %d):", e.iterations, e.maxIterations)
	if len(shot) == 0 {
		e.convo.Append(model.NewTextMessage(model.RoleUser,
			label+" screen capture unavailable, use the screenshot tool if you need to see the screen."))
		return
	}
	e.convo.Append(model.Message{Role: model.RoleUser, Content: []model.ContentBlock{
		{Type: model.BlockText, Text: label},
		{Type: model.BlockImage, Image: shot, MediaType: "image/png"},
	}})
}

// callModel runs the planning turn of the cycle.
func (e *Engine) callModel(ctx context.Context, st *cycle) error {
	e.convo.Prune()
	if repairs := e.convo.ValidateBeforeSend(); len(repairs) > 0 {
		e.log.Debugw("conversation repaired before send", "repairs", repairs)
	}
	resp, err := e.client.Send(ctx, model.SendRequest{
		Model:     e.modelName,
		System:    e.systemPrompt(),
		Messages:  e.convo.Snapshot(),
		Tools:     e.toolDefs(),
		MaxTokens: e.cfg.Model.MaxTokens,
	})
	if err != nil {
		return err
	}
	e.meter.Record(e.modelName, usage.OpLoop, resp.InputTokens, resp.OutputTokens)
	e.metrics.RecordCall(usage.OpLoop, resp.InputTokens, resp.OutputTokens)
	e.convo.AppendAssistant(resp)
	st.text = resp.Text
	st.toolCalls = resp.ToolCalls
	return nil
}

// act executes the requested tool calls sequentially. Tool failures
// become error results the model sees; only transport breakage stops
// the cycle early, and even then every tool_use gets its tool_result
// so the conversation stays pairable.
func (e *Engine) act(ctx context.Context, st *cycle) {
	blocks := make([]model.ContentBlock, 0, len(st.toolCalls))
	for _, call := range st.toolCalls {
		exec, err := e.desk.Actuator.Execute(ctx, call.Name, call.Input)
		if err != nil {
			exec = desktop.ToolExecution{Text: "tool transport error: " + err.Error(), IsError: true}
		}
		visual := e.visual[call.Name]
		outcome := verify.ToolOutcome{Name: call.Name, Output: exec.Text, IsError: exec.IsError, Visual: visual}
		st.toolResults = append(st.toolResults, outcome)
		e.toolLog = append(e.toolLog, outcome)
		if visual {
			st.usedVisual = true
		}
		if len(exec.Image) > 0 {
			st.postImage = exec.Image
		}
		e.journalEvent(journal.ToolExecuted(e.iterations, call.Name, exec.Text, exec.IsError))
		blocks = append(blocks, model.ContentBlock{
			Type:      model.BlockToolResult,
			ToolUseID: call.ID,
			Content:   exec.Text,
			IsError:   exec.IsError,
		})
	}
	e.convo.AppendToolResults(blocks)
}

// observe records the post-action screen for stuck detection and
// verification. It does not feed the conversation; the next perceive
// shows the model fresh state.
func (e *Engine) observe(ctx context.Context, st *cycle, m *plan.Machine) {
	if st.postImage == nil {
		shot, err := e.desk.Observer.CaptureScreen(ctx, e.targetProcess)
		if err != nil {
			e.log.Debugw("post-action capture failed", "iteration", e.iterations, "error", err)
		}
		st.postImage = shot
	}
	if len(st.postImage) > 0 {
		e.lastShot = st.postImage
		name, err := e.journal.SaveScreenshot(e.iterations, "post", st.postImage)
		if err != nil {
			e.log.Warnw("screenshot save failed", "iteration", e.iterations, "error", err)
		}
		st.shotName = name
	}
	m.NoteObservation(st.postImage, st.text)
}

// runCycle executes perceive, plan and, when tools were requested, act
// and observe. The caller interprets the resulting signals.
func (e *Engine) runCycle(ctx context.Context, st *cycle, m *plan.Machine) error {
	e.perceive(ctx, st)
	if err := e.callModel(ctx, st); err != nil {
		return err
	}
	if len(st.toolCalls) > 0 {
		e.act(ctx, st)
		e.observe(ctx, st, m)
	} else {
		m.NoteObservation(nil, st.text)
	}
	return nil
}

// failFromError converts a model-call failure that survived retries
// into a terminal result.
func (e *Engine) failFromError(err error) *Result {
	if e.life.Cancelled() || errors.Is(err, context.Canceled) {
		return e.cancelledResult()
	}
	reason := err.Error()
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		reason = "the model service is unavailable (circuit breaker open); this looks like an outage, not a task problem"
	case resilience.Classify(err) == resilience.ClassResource:
		reason = "stopped cleanly after hitting a resource limit: " + firstLine(err.Error())
	default:
		reason = firstLine(reason)
	}
	e.log.Warnw("run ended on model failure", "class", resilience.Classify(err), "error", err)
	return &Result{Iterations: e.iterations, Reason: reason}
}

func (e *Engine) cancelledResult() *Result {
	reason := e.life.Reason()
	if reason == "" {
		reason = "run cancelled"
	}
	return &Result{Iterations: e.iterations, Cancelled: true, Reason: reason}
}

func (e *Engine) failed(reason string) *Result {
	return &Result{Iterations: e.iterations, Reason: reason}
}

// snapVerifyRequest assembles a verification request from the current
// cycle plus run-level history.
func (e *Engine) snapVerifyRequest(ctx context.Context, text string, tools []verify.ToolOutcome, threshold int) *verify.Request {
	tree, err := e.desk.Observer.DescribeUITree(ctx, e.targetProcess)
	if err != nil {
		tree = ""
	}
	post := e.lastShot
	if shot, err := e.desk.Observer.CaptureScreen(ctx, e.targetProcess); err == nil && len(shot) > 0 {
		post = shot
	}
	return &verify.Request{
		Command:     e.command,
		TextContent: text,
		PostImage:   post,
		PreImage:    e.firstShot,
		UITree:      tree,
		Tools:       tools,
		Threshold:   threshold,
	}
}

// runVerification scores a request, banks its tokens and journals it.
func (e *Engine) runVerification(ctx context.Context, req *verify.Request) *verify.Score {
	score := e.verif.Verify(ctx, req)
	if score.InputTokens > 0 || score.OutputTokens > 0 {
		e.meter.Record(e.scorerModel, usage.OpVerify, score.InputTokens, score.OutputTokens)
		e.metrics.RecordCall(usage.OpVerify, score.InputTokens, score.OutputTokens)
	}
	e.metrics.Verification.Observe(float64(score.Overall))
	e.journalEvent(journal.Verification(e.iterations, score.Overall, score.Pass, score.Reason))
	return score
}

func (e *Engine) toolDefs() []model.ToolDefinition {
	defs := make([]model.ToolDefinition, len(e.tools))
	for i, t := range e.tools {
		defs[i] = t.ToolDefinition
	}
	return defs
}

func (e *Engine) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a desktop automation agent operating a real computer under human supervision.\n\n")
	b.WriteString("RULES:\n")
	b.WriteString("- Work on exactly the task you were given. Use the provided tools to act.\n")
	b.WriteString("- Before acting, look at the current screen state. After acting, confirm the effect.\n")
	b.WriteString("- One logical action per tool call. Prefer small, verifiable moves.\n")
	b.WriteString("- Never invent tool results. If something is unclear, inspect the screen.\n\n")
	b.WriteString("COMPLETION PROTOCOL:\n")
	b.WriteString("- When the whole task is done, say TASK COMPLETE and summarize what changed.\n")
	b.WriteString("- When the current step is done, say STEP COMPLETE.\n")
	b.WriteString("- If the task cannot be done, say CANNOT COMPLETE: <reason> on one line.\n")
	b.WriteString("- Do not claim completion you have not visually confirmed.\n")
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
