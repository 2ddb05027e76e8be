// Package orchestrator owns the lifecycle of a run: intent routing,
// planning, loop execution, journaling, and result assembly. Exactly
// one task run is active at a time; chat, meta, and clarification
// commands are serviced inline even while a task run holds the slot,
// which is how "stop" reaches a run in flight.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deskpilot/internal/config"
	"deskpilot/internal/desktop"
	"deskpilot/internal/intent"
	"deskpilot/internal/journal"
	"deskpilot/internal/logging"
	"deskpilot/internal/loop"
	"deskpilot/internal/metrics"
	"deskpilot/internal/model"
	"deskpilot/internal/plan"
	"deskpilot/internal/resilience"
	"deskpilot/internal/usage"
	"deskpilot/internal/verify"
)

// ErrRunActive is returned when a task command arrives while another
// task run holds the slot.
var ErrRunActive = errors.New("a run is already active")

// RunResult is the caller-facing outcome of one command, whatever
// route it took.
type RunResult struct {
	RunID      string
	Success    bool
	Summary    string
	Iterations int
	FinalScore *verify.Score // nil when verification never ran
	Cancelled  bool
	Stuck      bool

	// Token totals for the whole run. Verification tokens are included
	// in the overall totals and also broken out.
	InputTokens  int64
	OutputTokens int64
	VerifyInput  int64
	VerifyOutput int64
}

// Options wires an orchestrator. Client and Scorer are the raw model
// transports; the orchestrator adds the breaker and retry layers
// itself so every caller gets the same protection.
type Options struct {
	Config  *config.Config
	Desktop *desktop.Desktop
	Client  model.Client
	Scorer  model.Scorer
	Policy  *plan.Policy     // nil uses the built-in verb table
	Tracker *usage.Tracker   // nil disables persistent token accounting
	Metrics *metrics.Metrics // nil builds a private registry
	Index   *journal.Index   // nil disables the run index
}

// Orchestrator routes commands and supervises task runs.
type Orchestrator struct {
	cfg     *config.Config
	desk    *desktop.Desktop
	client  model.Client // breaker + retry wrapped
	scorer  model.Scorer
	breaker *resilience.CircuitBreaker
	policy  *plan.Policy
	tracker *usage.Tracker
	metrics *metrics.Metrics
	index   *journal.Index
	log     *zap.SugaredLogger

	mu     sync.Mutex
	active *activeRun
	memory intent.Memory // one-slot recall of the previous run's outcome
}

type activeRun struct {
	id      string
	command string
	started time.Time
	life    *loop.Lifecycle
}

// New builds an orchestrator. The circuit breaker lives here and
// persists across runs: an outage discovered by one run keeps the next
// from hammering the same dead endpoint.
func New(opts Options) *Orchestrator {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	pol := opts.Policy
	if pol == nil {
		pol = plan.DefaultPolicy()
	}
	cfg := opts.Config
	breaker := resilience.NewCircuitBreaker(cfg.Breaker.FailureThreshold, cfg.GetBreakerCooldown())
	guarded := &guardedClient{
		inner:   opts.Client,
		breaker: breaker,
		retry:   resilience.NewStrategy(cfg.Retry.MaxAttempts, cfg.GetBackoffBase(), cfg.GetBackoffMax()),
		metrics: m,
	}

	return &Orchestrator{
		cfg:     cfg,
		desk:    opts.Desktop,
		client:  guarded,
		scorer:  opts.Scorer,
		breaker: breaker,
		policy:  pol,
		tracker: opts.Tracker,
		metrics: m,
		index:   opts.Index,
		log:     logging.Get(logging.CategoryOrchestrator),
	}
}

// Active reports the task run currently holding the slot, if any.
func (o *Orchestrator) Active() (runID, command string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return "", "", false
	}
	return o.active.id, o.active.command, true
}

// CancelActive asks the active run to stop. The first call wins; the
// run winds down cooperatively and the watchdog forces it if the grace
// period expires.
func (o *Orchestrator) CancelActive(reason string) bool {
	o.mu.Lock()
	run := o.active
	o.mu.Unlock()
	if run == nil {
		return false
	}
	return run.life.Cancel(reason)
}

// ResetBreaker clears the circuit breaker. Operator action only; the
// breaker never resets itself between runs.
func (o *Orchestrator) ResetBreaker() {
	o.breaker.Reset()
	o.metrics.BreakerState.Set(metrics.BreakerClosed)
}

func (o *Orchestrator) claim(run *activeRun) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return fmt.Errorf("%w: %s", ErrRunActive, o.active.id)
	}
	o.active = run
	return nil
}

func (o *Orchestrator) release(runID string) {
	o.mu.Lock()
	if o.active != nil && o.active.id == runID {
		o.active = nil
	}
	o.mu.Unlock()
}

func (o *Orchestrator) remember(command, outcome, activeApp string) {
	o.mu.Lock()
	o.memory = intent.Memory{PreviousCommand: command, Outcome: outcome, ActiveApp: activeApp}
	o.mu.Unlock()
}

func (o *Orchestrator) recallMemory() intent.Memory {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.memory
}

func (o *Orchestrator) intentThreshold() float64 {
	t := o.cfg.Run.IntentThreshold
	if t <= 0 || t > 1 {
		return 0.7
	}
	return t
}

// meteredClient returns a model client that banks every call's tokens
// against the given meter under one operation label. Used for the side
// channels (intent, planning, chat) that live outside the loop engine.
func (o *Orchestrator) meteredClient(meter *usage.RunMeter, op string) model.Client {
	return &meteredClient{inner: o.client, meter: meter, op: op, metrics: o.metrics}
}

type meteredClient struct {
	inner   model.Client
	meter   *usage.RunMeter
	op      string
	metrics *metrics.Metrics
}

func (c *meteredClient) Send(ctx context.Context, req model.SendRequest) (*model.SendResponse, error) {
	resp, err := c.inner.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	c.meter.Record(req.Model, c.op, resp.InputTokens, resp.OutputTokens)
	c.metrics.RecordCall(c.op, resp.InputTokens, resp.OutputTokens)
	return resp, nil
}

// guardedClient is the model client the rest of the system sees: every
// call passes the circuit breaker, and failures retry per the strategy.
// The breaker check sits inside the retry body so a breaker that opens
// mid-sequence stops the remaining attempts immediately.
type guardedClient struct {
	inner   model.Client
	breaker *resilience.CircuitBreaker
	retry   *resilience.Strategy
	metrics *metrics.Metrics
}

func (g *guardedClient) Send(ctx context.Context, req model.SendRequest) (*model.SendResponse, error) {
	var resp *model.SendResponse
	err := g.retry.Do(ctx, "model call", func(ctx context.Context) error {
		if err := g.breaker.Allow(); err != nil {
			return err
		}
		r, err := g.inner.Send(ctx, req)
		if err != nil {
			g.breaker.RecordFailure()
			return err
		}
		g.breaker.RecordSuccess()
		resp = r
		return nil
	})
	g.publishState()
	return resp, err
}

func (g *guardedClient) publishState() {
	switch g.breaker.State() {
	case resilience.StateOpen:
		g.metrics.BreakerState.Set(metrics.BreakerOpen)
	case resilience.StateHalfOpen:
		g.metrics.BreakerState.Set(metrics.BreakerHalfOpen)
	default:
		g.metrics.BreakerState.Set(metrics.BreakerClosed)
	}
}

func newRunID() string {
	return fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.NewString()[:8])
}
