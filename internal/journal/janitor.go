package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"deskpilot/internal/config"
	"deskpilot/internal/logging"
)

// sweepWorkers bounds concurrent run-directory scans.
const sweepWorkers = 4

// SweepStats summarizes one retention pass.
type SweepStats struct {
	Scanned     int
	Removed     int
	Abandoned   int
	ShotsPruned int
	Unreadable  int
}

// Janitor applies retention policy to the journal tree on a cron
// schedule. Completed runs keep their first and last screenshots and
// expire after the longest TTL; failed, stuck and cancelled runs
// expire sooner; abandoned runs lose screenshots immediately and
// expire soonest; stale incomplete runs are abandoned in place.
type Janitor struct {
	mu        sync.Mutex
	cfg       *config.Config
	index     *Index
	sched     cron.Schedule
	lastSweep time.Time
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewJanitor parses the configured schedule. An empty schedule
// returns a janitor whose Start is a no-op; Sweep still works for
// manual pruning.
func NewJanitor(cfg *config.Config, index *Index) (*Janitor, error) {
	j := &Janitor{cfg: cfg, index: index}
	if expr := cfg.Journal.JanitorSchedule; expr != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		sched, err := parser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid janitor schedule %q: %w", expr, err)
		}
		j.sched = sched
	}
	return j, nil
}

// Start launches the schedule loop. Non-blocking; the first sweep
// fires at the next schedule boundary, not immediately.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running || j.sched == nil {
		return
	}
	j.running = true
	j.lastSweep = time.Now()
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	go j.run(ctx)
}

// Stop halts the schedule loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopCh)
	done := j.doneCh
	j.mu.Unlock()
	<-done
}

func (j *Janitor) run(ctx context.Context) {
	defer close(j.doneCh)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopCh:
			return
		case now := <-ticker.C:
			if !j.due(now) {
				continue
			}
			stats, err := j.Sweep(ctx, now)
			if err != nil {
				logging.Get(logging.CategoryJournal).Warnw("retention sweep failed", "error", err)
				continue
			}
			logging.Get(logging.CategoryJournal).Infow("retention sweep",
				"scanned", stats.Scanned, "removed", stats.Removed,
				"abandoned", stats.Abandoned, "screenshots_pruned", stats.ShotsPruned)
		}
	}
}

func (j *Janitor) due(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if now.Before(j.sched.Next(j.lastSweep)) {
		return false
	}
	j.lastSweep = now
	return true
}

// Sweep walks every run directory once and applies retention. Safe to
// call manually; the prune subcommand does.
func (j *Janitor) Sweep(ctx context.Context, now time.Time) (SweepStats, error) {
	root := j.cfg.JournalDir()
	ids, err := ListRuns(root)
	if err != nil {
		return SweepStats{}, err
	}

	var mu sync.Mutex
	var stats SweepStats
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepWorkers)
	for _, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			one := j.sweepOne(root, id, now)
			mu.Lock()
			stats.Scanned++
			stats.Removed += one.Removed
			stats.Abandoned += one.Abandoned
			stats.ShotsPruned += one.ShotsPruned
			stats.Unreadable += one.Unreadable
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}

// sweepOne never fails the whole sweep; per-run trouble is logged and
// counted.
func (j *Janitor) sweepOne(root, id string, now time.Time) SweepStats {
	log := logging.Get(logging.CategoryJournal)
	dir := filepath.Join(root, id)

	state, err := LoadState(root, id)
	if err != nil {
		// A directory without a readable journal is junk once old.
		if info, statErr := os.Stat(dir); statErr == nil &&
			now.Sub(info.ModTime()) > j.cfg.GetIncompleteTTL() {
			return SweepStats{Removed: j.removeRun(dir, id)}
		}
		log.Warnw("sweep skipping unreadable journal", "run", id, "error", err)
		return SweepStats{Unreadable: 1}
	}

	age := now.Sub(state.LastEvent)
	switch StatusFor(state.Terminal) {
	case StatusCompleted:
		if age > j.cfg.GetCompletedTTL() {
			return SweepStats{Removed: j.removeRun(dir, id)}
		}
		pruned := j.pruneShots(dir, id, true)
		return SweepStats{ShotsPruned: pruned}

	case StatusFailed, StatusStuck, StatusCancelled:
		if age > j.cfg.GetFailedTTL() {
			return SweepStats{Removed: j.removeRun(dir, id)}
		}
		return SweepStats{}

	case StatusAbandoned:
		if age > j.cfg.GetAbandonedTTL() {
			return SweepStats{Removed: j.removeRun(dir, id)}
		}
		pruned := j.pruneShots(dir, id, false)
		return SweepStats{ShotsPruned: pruned}

	default: // incomplete
		if state.Stale(now, j.cfg.GetStaleAfter()) {
			return j.abandon(root, dir, id, state)
		}
		if age > j.cfg.GetIncompleteTTL() {
			return SweepStats{Removed: j.removeRun(dir, id)}
		}
		return SweepStats{}
	}
}

// abandon closes a stale incomplete journal with a terminal event and
// drops its screenshots. The run is then on the abandoned TTL clock.
func (j *Janitor) abandon(root, dir, id string, state *RunState) SweepStats {
	log := logging.Get(logging.CategoryJournal)
	jn, err := Open(root, id)
	if err != nil {
		log.Warnw("failed to reopen stale journal", "run", id, "error", err)
		return SweepStats{Unreadable: 1}
	}
	if err := jn.Append(RunAbandoned("stale incomplete run abandoned by retention sweep")); err != nil {
		log.Warnw("failed to append abandoned event", "run", id, "error", err)
	}
	jn.Close()

	pruned := j.pruneShots(dir, id, false)
	if err := j.index.Upsert(RunRecord{
		ID: id, Command: state.Command, Source: state.Source,
		Status: StatusAbandoned, Iterations: state.Iterations,
		FinalScore: state.LastScore, StartedAt: state.StartedAt,
	}); err != nil {
		log.Warnw("failed to index abandoned run", "run", id, "error", err)
	}
	log.Infow("abandoned stale run", "run", id, "iterations", state.Iterations)
	return SweepStats{Abandoned: 1, ShotsPruned: pruned}
}

// removeRun deletes a run directory and its index row. Returns 1 on
// success for stats accumulation.
func (j *Janitor) removeRun(dir, id string) int {
	log := logging.Get(logging.CategoryJournal)
	if err := os.RemoveAll(dir); err != nil {
		log.Warnw("failed to remove run directory", "run", id, "error", err)
		return 0
	}
	if err := j.index.Delete(id); err != nil {
		log.Warnw("failed to remove run from index", "run", id, "error", err)
	}
	log.Debugw("removed expired run", "run", id)
	return 1
}

// pruneShots deletes screenshots. With keepEnds the first and last
// (by iteration order) survive.
func (j *Janitor) pruneShots(dir, id string, keepEnds bool) int {
	shots, err := filepath.Glob(filepath.Join(dir, "shot-*.png"))
	if err != nil || len(shots) == 0 {
		return 0
	}
	sort.Strings(shots) // zero-padded iteration numbers sort correctly
	victims := shots
	if keepEnds {
		if len(shots) <= 2 {
			return 0
		}
		victims = shots[1 : len(shots)-1]
	}
	removed := 0
	for _, shot := range victims {
		if err := os.Remove(shot); err != nil {
			logging.Get(logging.CategoryJournal).Warnw("failed to prune screenshot",
				"run", id, "file", filepath.Base(shot), "error", err)
			continue
		}
		removed++
	}
	return removed
}
