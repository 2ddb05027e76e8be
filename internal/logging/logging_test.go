package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCategoriesWriteToOwnFiles(t *testing.T) {
	CloseAll()
	defer CloseAll()

	dir := t.TempDir()
	if err := Initialize(Options{Dir: dir, Level: "debug"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	Get(CategoryJournal).Infow("journal ping")
	Get(CategoryLoop).Infow("loop ping")
	CloseAll()

	journalLog := readLog(t, dir, "journal")
	if !strings.Contains(journalLog, "journal ping") {
		t.Fatalf("journal.log missing message, got: %s", journalLog)
	}
	if strings.Contains(journalLog, "loop ping") {
		t.Fatal("journal.log contains another category's message")
	}
	if loopLog := readLog(t, dir, "loop"); !strings.Contains(loopLog, "loop ping") {
		t.Fatalf("loop.log missing message, got: %s", loopLog)
	}
}

func TestDisabledCategoryCreatesNoFile(t *testing.T) {
	CloseAll()
	defer CloseAll()

	dir := t.TempDir()
	err := Initialize(Options{
		Dir:        dir,
		Categories: map[string]bool{"model": false},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	Get(CategoryModel).Infow("should vanish")
	Get(CategoryVerify).Infow("should land")
	CloseAll()

	if _, err := os.Stat(filepath.Join(dir, "model.log")); !os.IsNotExist(err) {
		t.Fatal("disabled category created a log file")
	}
	// A category absent from the map stays enabled.
	if got := readLog(t, dir, "verify"); !strings.Contains(got, "should land") {
		t.Fatalf("verify.log missing message, got: %s", got)
	}
}

func TestLevelGatesBelowThreshold(t *testing.T) {
	CloseAll()
	defer CloseAll()

	dir := t.TempDir()
	if err := Initialize(Options{Dir: dir, Level: "warn"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	l := Get(CategoryConvo)
	l.Infow("suppressed line")
	l.Warnw("kept line")
	CloseAll()

	convoLog := readLog(t, dir, "convo")
	if strings.Contains(convoLog, "suppressed line") {
		t.Fatal("info line written at warn level")
	}
	if !strings.Contains(convoLog, "kept line") {
		t.Fatalf("warn line missing, got: %s", convoLog)
	}
}

func TestGetBeforeInitializeIsNop(t *testing.T) {
	CloseAll()

	if got := Get(CategoryIntent); got != nop {
		t.Fatal("uninitialized Get should return the no-op logger")
	}
	// Must not panic or create anything.
	Get(CategoryIntent).Infow("goes nowhere")
}

func TestInitializeRejectsBadInput(t *testing.T) {
	CloseAll()

	if err := Initialize(Options{Level: "info"}); err == nil {
		t.Fatal("Initialize accepted an empty directory")
	}
	if err := Initialize(Options{Dir: t.TempDir(), Level: "shouty"}); err == nil {
		t.Fatal("Initialize accepted a bogus level")
	}
}

func TestTimedLogsElapsed(t *testing.T) {
	CloseAll()
	defer CloseAll()

	dir := t.TempDir()
	if err := Initialize(Options{Dir: dir, Level: "debug"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	done := Timed(Get(CategoryUsage), "sample operation")
	done()
	CloseAll()

	usageLog := readLog(t, dir, "usage")
	if !strings.Contains(usageLog, "sample operation") || !strings.Contains(usageLog, "elapsed") {
		t.Fatalf("timed entry missing, got: %s", usageLog)
	}
}

func readLog(t *testing.T, dir, category string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, category+".log"))
	if err != nil {
		t.Fatalf("read %s.log: %v", category, err)
	}
	return string(b)
}
