package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"deskpilot/internal/config"
	"deskpilot/internal/desktop"
	"deskpilot/internal/journal"
	"deskpilot/internal/logging"
	"deskpilot/internal/metrics"
	"deskpilot/internal/model"
	"deskpilot/internal/orchestrator"
	"deskpilot/internal/plan"
	"deskpilot/internal/usage"
)

var (
	// Persistent flags
	cfgPath string
	verbose bool

	// run flags
	dryRun      bool
	targetApp   string
	noResume    bool
	metricsAddr string

	// journal list flags
	listStatus string
	listLimit  int
	backfill   bool

	cfg *config.Config

	// version is stamped by the release build.
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "deskpilot",
	Short: "deskpilot is a supervised desktop automation agent",
	Long: `deskpilot turns natural-language commands into supervised
perception-action runs: it classifies each command, drafts a plan when
one is warranted, executes bounded iterations against the desktop with
verification, and journals everything so an interrupted run resumes
after a crash.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		lo := logging.Options{
			Dir:        cfg.LogDir(),
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
			Verbose:    cfg.Logging.Verbose || verbose,
		}
		if verbose {
			lo.Level = "debug"
		}
		return logging.Initialize(lo)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

var runCmd = &cobra.Command{
	Use:   "run [command...]",
	Short: "Execute one natural-language command",
	Long: `run sends one command through the full pipeline: intent
classification, optional planning, the bounded perception-action loop,
and final verification. Incomplete runs from an earlier crash are
resumed first unless --no-resume is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runOnce,
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect and maintain run journals",
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := journal.OpenIndex(cfg.IndexPath())
		if err != nil {
			return err
		}
		defer index.Close()

		if backfill {
			n, err := index.Backfill(cfg.JournalDir())
			if err != nil {
				return err
			}
			fmt.Printf("backfilled %d runs from journal files\n", n)
		}

		runs, err := index.List(journal.ListFilter{Status: listStatus, Limit: listLimit})
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no runs recorded")
			return nil
		}
		for _, r := range runs {
			score := "-"
			if r.FinalScore >= 0 {
				score = fmt.Sprintf("%d", r.FinalScore)
			}
			fmt.Printf("%-42s %-10s %3d iterations  score %-3s  %s\n",
				r.ID, r.Status, r.Iterations, score, clip(r.Command, 60))
		}
		return nil
	},
}

var journalReplayCmd = &cobra.Command{
	Use:   "replay <run-id>",
	Short: "Print the ordered events of one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := journal.Replay(cfg.JournalDir(), args[0])
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Printf("%s  %-21s %s\n",
				ev.Timestamp.Format(time.RFC3339), ev.Type, eventDetail(ev))
		}
		if journal.DeriveState(args[0], events).Incomplete() {
			fmt.Println("run is incomplete (no terminal event)")
		}
		return nil
	},
}

var journalPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy to the journal tree now",
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := journal.OpenIndex(cfg.IndexPath())
		if err != nil {
			return err
		}
		defer index.Close()

		janitor, err := journal.NewJanitor(cfg, index)
		if err != nil {
			return err
		}
		stats, err := janitor.Sweep(cmd.Context(), time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("scanned %d, removed %d, abandoned %d, screenshots pruned %d, unreadable %d\n",
			stats.Scanned, stats.Removed, stats.Abandoned, stats.ShotsPruned, stats.Unreadable)
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show accumulated token usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		tracker, err := usage.NewTracker(cfg.UsagePath())
		if err != nil {
			return err
		}
		stats := tracker.Stats()
		fmt.Printf("overall: %d in / %d out (%d total)\n",
			stats.Overall.Input, stats.Overall.Output, stats.Overall.Total)
		printDimension("by model", stats.ByModel)
		printDimension("by operation", stats.ByOperation)
		fmt.Printf("runs tracked: %d\n", len(stats.ByRun))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the deskpilot version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("deskpilot %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging mirrored to stderr")

	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "use the no-op desktop instead of a real driver")
	runCmd.Flags().StringVar(&targetApp, "target-app", "", "scope screen capture to one application")
	runCmd.Flags().BoolVar(&noResume, "no-resume", false, "skip resuming incomplete runs at startup")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	journalListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	journalListCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum rows")
	journalListCmd.Flags().BoolVar(&backfill, "backfill", false, "rebuild the index from journal files first")

	journalCmd.AddCommand(journalListCmd, journalReplayCmd, journalPruneCmd)
	rootCmd.AddCommand(runCmd, journalCmd, usageCmd, versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runOnce(cmd *cobra.Command, args []string) error {
	command := strings.Join(args, " ")

	// The actuation layer is platform work that lives outside this
	// repo. Until a driver is wired in, --dry-run is the only desktop.
	if !dryRun {
		return errors.New("no desktop driver is compiled into this build; pass --dry-run to exercise the engine against the no-op desktop")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	client, scorer, err := model.New(cfg)
	if err != nil {
		return err
	}

	nop := desktop.NewNop()
	desk := &desktop.Desktop{
		Actuator:  nop,
		Observer:  nop,
		Responder: &cliResponder{in: bufio.NewReader(os.Stdin)},
		Monitor:   nop,
	}

	policy, err := plan.LoadPolicy(cfg.PolicyPath())
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	seedPolicyFile(policy)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	index, err := journal.OpenIndex(cfg.IndexPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "run index unavailable: %v\n", err)
		index = nil
	} else {
		defer index.Close()
	}

	tracker, err := usage.NewTracker(cfg.UsagePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage tracking unavailable: %v\n", err)
		tracker = nil
	} else {
		defer tracker.Save()
	}

	mets := metrics.New()
	stopMetrics := serveMetrics(mets)
	defer stopMetrics()

	if cfg.Policy.HotReload {
		watcher, werr := plan.NewPolicyWatcher(cfg.PolicyPath(), policy)
		if werr == nil {
			werr = watcher.Start(ctx)
		}
		if werr != nil {
			fmt.Fprintf(os.Stderr, "policy hot reload unavailable: %v\n", werr)
		} else {
			defer watcher.Stop()
		}
	}

	if index != nil {
		janitor, jerr := journal.NewJanitor(cfg, index)
		if jerr != nil {
			fmt.Fprintf(os.Stderr, "retention janitor disabled: %v\n", jerr)
		} else {
			janitor.Start(ctx)
			defer janitor.Stop()
		}
	}

	orc := orchestrator.New(orchestrator.Options{
		Config:  cfg,
		Desktop: desk,
		Client:  client,
		Scorer:  scorer,
		Policy:  policy,
		Tracker: tracker,
		Metrics: mets,
		Index:   index,
	})

	// First interrupt stops the run cooperatively; a second aborts.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\ninterrupt: stopping the run, press again to abort")
		orc.CancelActive("interrupted by user")
		<-sigCh
		os.Exit(130)
	}()

	if !noResume {
		resumed, rerr := orc.ResumeIncomplete(ctx)
		if rerr != nil {
			fmt.Fprintf(os.Stderr, "resume scan failed: %v\n", rerr)
		}
		for _, r := range resumed {
			printResult("resumed", r)
		}
	}

	res, err := orc.StartRun(ctx, command, "cli", targetApp)
	if err != nil {
		return err
	}
	printResult("run", res)
	if !res.Success {
		return fmt.Errorf("run %s did not succeed", res.RunID)
	}
	return nil
}

// cliResponder prints agent output to stdout and resolves approval
// requests from stdin. The prompt reader is serialized so overlapping
// requests cannot interleave reads.
type cliResponder struct {
	mu sync.Mutex
	in *bufio.Reader
}

func (r *cliResponder) SendText(text string) {
	fmt.Println(text)
}

func (r *cliResponder) SendImage([]byte) {
	fmt.Println("[screenshot attached]")
}

func (r *cliResponder) RequestApproval(req *desktop.ApprovalRequest) {
	go func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		fmt.Printf("%s [y/N]: ", req.Prompt)
		line, err := r.in.ReadString('\n')
		if err == nil && strings.EqualFold(strings.TrimSpace(line), "y") {
			req.Approve()
			return
		}
		req.Deny()
	}()
}

// serveMetrics exposes /metrics when an address is configured, via
// flag or config.
func serveMetrics(m *metrics.Metrics) func() {
	addr := metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics listener failed: %v\n", err)
		}
	}()
	return func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}
}

// seedPolicyFile writes the built-in verb table on first run so
// operators have a file to edit.
func seedPolicyFile(policy *plan.Policy) {
	path := cfg.PolicyPath()
	if _, err := os.Stat(path); err == nil || !os.IsNotExist(err) {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "could not seed policy file: %v\n", err)
		return
	}
	if err := policy.Save(path); err != nil {
		fmt.Fprintf(os.Stderr, "could not seed policy file: %v\n", err)
	}
}

func printResult(label string, res *orchestrator.RunResult) {
	status := "succeeded"
	switch {
	case res.Cancelled:
		status = "cancelled"
	case res.Stuck:
		status = "stuck"
	case !res.Success:
		status = "failed"
	}
	fmt.Printf("[%s] %s %s after %d iterations\n", label, res.RunID, status, res.Iterations)
	for _, line := range strings.Split(strings.TrimSpace(res.Summary), "\n") {
		if line != "" {
			fmt.Printf("  %s\n", line)
		}
	}
	if res.FinalScore != nil {
		fmt.Printf("  verification: %d/100 (%s)\n", res.FinalScore.Overall, res.FinalScore.Reason)
	}
	fmt.Printf("  tokens: %d in / %d out (verification %d/%d)\n",
		res.InputTokens, res.OutputTokens, res.VerifyInput, res.VerifyOutput)
}

func eventDetail(ev journal.Event) string {
	switch ev.Type {
	case journal.EventRunCreated:
		return fmt.Sprintf("%s (source %s)", ev.Command, ev.Source)
	case journal.EventIterationStarted, journal.EventIterationCompleted:
		return fmt.Sprintf("iteration %d", ev.Iteration)
	case journal.EventToolExecuted:
		status := "ok"
		if ev.IsError {
			status = "error"
		}
		return fmt.Sprintf("%s (%s) %s", ev.Tool, status, clip(ev.Output, 60))
	case journal.EventVerification:
		return fmt.Sprintf("score %d pass=%v %s", ev.Score, ev.Pass, ev.Reason)
	case journal.EventApprovalRequested:
		return clip(ev.Prompt, 80)
	case journal.EventApprovalResolved:
		return fmt.Sprintf("approved=%v %s", ev.Approved, ev.Reason)
	case journal.EventEscalated:
		return fmt.Sprintf("%s %s", ev.Model, ev.Reason)
	default:
		return ev.Reason
	}
}

func printDimension(label string, counts map[string]usage.TokenCounts) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("%s:\n", label)
	for _, k := range keys {
		tc := counts[k]
		fmt.Printf("  %s: %d in / %d out\n", k, tc.Input, tc.Output)
	}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".deskpilot", "config.yaml")
}
