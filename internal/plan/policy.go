package plan

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"

	"deskpilot/internal/logging"
)

// defaultCriticalVerbs is the built-in table of verbs whose presence
// in a step's action text implies an irreversible effect.
var defaultCriticalVerbs = []string{
	"send", "delete", "purchase", "submit", "pay", "buy",
	"remove", "erase", "publish", "post", "confirm", "transfer", "order",
}

// Policy is the tunable table deciding which steps default to
// critical. Safe for concurrent read while a watcher reloads it.
type Policy struct {
	mu    sync.RWMutex
	verbs map[string]struct{}
}

type policyFile struct {
	CriticalVerbs []string `yaml:"critical_verbs"`
}

// DefaultPolicy returns the built-in verb table.
func DefaultPolicy() *Policy {
	p := &Policy{}
	p.replace(defaultCriticalVerbs)
	return p
}

// LoadPolicy reads a YAML verb table. A missing file yields the
// default table; a malformed one is an error so a typo cannot
// silently disable the gate.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	if err := p.Reload(path); err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, err
	}
	return p, nil
}

// Reload replaces the verb table from the file at path.
func (p *Policy) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if len(f.CriticalVerbs) == 0 {
		return fmt.Errorf("policy file %s lists no critical verbs", path)
	}
	p.replace(f.CriticalVerbs)
	logging.Get(logging.CategoryPlan).Infow("criticality policy loaded",
		"path", path, "verbs", len(f.CriticalVerbs))
	return nil
}

// Save writes the current table, used to seed a starter file the
// operator can edit.
func (p *Policy) Save(path string) error {
	data, err := yaml.Marshal(policyFile{CriticalVerbs: p.Verbs()})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (p *Policy) replace(verbs []string) {
	set := make(map[string]struct{}, len(verbs))
	for _, v := range verbs {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	p.mu.Lock()
	p.verbs = set
	p.mu.Unlock()
}

// Verbs returns the table sorted for display and stable saves.
func (p *Policy) Verbs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.verbs))
	for v := range p.verbs {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Classify returns critical when the action text contains any table
// verb as a whole word. Matching is token-exact so "trends" does not
// trip on "send".
func (p *Policy) Classify(action string) Criticality {
	p.mu.RLock()
	defer p.mu.RUnlock()

	words := strings.FieldsFunc(strings.ToLower(action), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		if _, ok := p.verbs[w]; ok {
			return CriticalityCritical
		}
	}
	return CriticalityNormal
}

// Apply resolves a step's effective criticality: an explicit critical
// mark always stands, and the verb table can only upgrade.
func (p *Policy) Apply(step *Step) {
	if step.Criticality == CriticalityCritical {
		return
	}
	step.Criticality = p.Classify(step.Action + " " + step.Title)
}
