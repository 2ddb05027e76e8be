// Package logging provides categorized file logging for deskpilot.
// Each category writes to its own file under <home>/logs/, backed by a
// shared zap encoder config. Categories can be disabled individually;
// a disabled or uninitialized category logs nothing.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"         // startup and shutdown
	CategoryOrchestrator Category = "orchestrator" // run lifecycle decisions
	CategoryIntent       Category = "intent"       // command classification
	CategoryPlan         Category = "plan"         // plan drafting and step state
	CategoryLoop         Category = "loop"         // iteration engine transitions
	CategoryConvo        Category = "convo"        // history pruning and validation
	CategoryVerify       Category = "verify"       // verification scoring
	CategoryJournal      Category = "journal"      // event log and retention
	CategoryModel        Category = "model"        // remote model calls
	CategoryDesktop      Category = "desktop"      // tool execution and approvals
	CategoryResilience   Category = "resilience"   // retries and breaker state
	CategoryUsage        Category = "usage"        // token accounting
)

// Options controls Initialize.
type Options struct {
	Dir        string          // log directory, created if missing
	Level      string          // debug/info/warn/error, default info
	Categories map[string]bool // nil means all enabled
	Verbose    bool            // mirror warn+ (or everything at debug level) to stderr
}

var (
	mu          sync.RWMutex
	initialized bool
	opts        Options
	level       zapcore.Level
	loggers     = make(map[Category]*zap.SugaredLogger)
	files       []*os.File
	nop         = zap.NewNop().Sugar()
)

// Initialize sets up the log directory and level. Call once at startup;
// before Initialize every Get returns a no-op logger.
func Initialize(o Options) error {
	mu.Lock()
	defer mu.Unlock()

	if o.Dir == "" {
		return fmt.Errorf("logging: directory required")
	}
	if err := os.MkdirAll(o.Dir, 0755); err != nil {
		return fmt.Errorf("logging: create dir: %w", err)
	}

	lvl := zapcore.InfoLevel
	if o.Level != "" {
		if err := lvl.Set(o.Level); err != nil {
			return fmt.Errorf("logging: bad level %q: %w", o.Level, err)
		}
	}

	opts = o
	level = lvl
	initialized = true

	boot := getLocked(CategoryBoot)
	boot.Infow("logging initialized", "dir", o.Dir, "level", lvl.String())
	return nil
}

// Get returns the logger for a category, creating it on first use.
func Get(c Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[c]; ok {
		mu.RUnlock()
		return l
	}
	ready := initialized
	mu.RUnlock()
	if !ready {
		return nop
	}

	mu.Lock()
	defer mu.Unlock()
	return getLocked(c)
}

func getLocked(c Category) *zap.SugaredLogger {
	if l, ok := loggers[c]; ok {
		return l
	}
	if opts.Categories != nil {
		if enabled, ok := opts.Categories[string(c)]; ok && !enabled {
			loggers[c] = nop
			return nop
		}
	}

	path := filepath.Join(opts.Dir, string(c)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] open %s: %v\n", path, err)
		loggers[c] = nop
		return nop
	}
	files = append(files, f)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), level)

	if opts.Verbose {
		conCfg := zap.NewDevelopmentEncoderConfig()
		conCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		console := zapcore.NewCore(zapcore.NewConsoleEncoder(conCfg), zapcore.AddSync(os.Stderr), level)
		core = zapcore.NewTee(core, console)
	}

	l := zap.New(core).Named(string(c)).Sugar()
	loggers[c] = l
	return l
}

// CloseAll syncs and closes every open log file. Safe to call when
// logging was never initialized.
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		_ = l.Sync()
	}
	for _, f := range files {
		_ = f.Close()
	}
	loggers = make(map[Category]*zap.SugaredLogger)
	files = nil
	initialized = false
}

// Timed logs the duration of an operation at debug level. Use with defer:
//
//	defer logging.Timed(log, "replay journal")()
func Timed(l *zap.SugaredLogger, op string) func() {
	start := time.Now()
	return func() {
		l.Debugw(op, "elapsed", time.Since(start).String())
	}
}
