package plan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyClassification(t *testing.T) {
	p := DefaultPolicy()

	cases := []struct {
		action string
		want   Criticality
	}{
		{"Send the weekly report to the team", CriticalityCritical},
		{"Delete the old screenshots folder", CriticalityCritical},
		{"Submit the expense form", CriticalityCritical},
		{"Open Safari and load the dashboard", CriticalityNormal},
		{"Review the trends dashboard", CriticalityNormal}, // no substring trip on "send"
		{"Read the unsent drafts", CriticalityNormal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, p.Classify(tc.action), tc.action)
	}
}

func TestPolicyApplyUpgradesOnly(t *testing.T) {
	p := DefaultPolicy()

	explicit := Step{Action: "Open the app", Criticality: CriticalityCritical}
	p.Apply(&explicit)
	assert.Equal(t, CriticalityCritical, explicit.Criticality, "explicit mark stands")

	unmarked := Step{Title: "Send invoice", Action: "Click the send button in the toolbar"}
	p.Apply(&unmarked)
	assert.Equal(t, CriticalityCritical, unmarked.Criticality)

	benign := Step{Action: "Scroll to the bottom of the page"}
	p.Apply(&benign)
	assert.Equal(t, CriticalityNormal, benign.Criticality)
}

func TestLoadPolicyMissingFileUsesDefaults(t *testing.T) {
	p, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, CriticalityCritical, p.Classify("delete everything"))
}

func TestPolicyReloadRejectsEmptyTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("critical_verbs: []\n"), 0644))

	p := DefaultPolicy()
	err := p.Reload(path)
	assert.Error(t, err)
	assert.Equal(t, CriticalityCritical, p.Classify("send it"), "table unchanged after bad reload")
}

func TestPolicySaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")

	p := DefaultPolicy()
	require.NoError(t, p.Save(path))

	loaded, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, p.Verbs(), loaded.Verbs())
}

func TestPolicyWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("critical_verbs: [send]\n"), 0644))

	policy, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, CriticalityNormal, policy.Classify("archive the mailbox"))

	watcher, err := NewPolicyWatcher(path, policy)
	require.NoError(t, err)
	require.NoError(t, watcher.Start(context.Background()))
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("critical_verbs: [send, archive]\n"), 0644))

	require.Eventually(t, func() bool {
		return policy.Classify("archive the mailbox") == CriticalityCritical
	}, 5*time.Second, 50*time.Millisecond, "edit should hot-reload the table")
	assert.GreaterOrEqual(t, watcher.Reloads(), 1)
}
