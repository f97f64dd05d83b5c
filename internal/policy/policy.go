package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Checker is the interface consumers use to decide whether an operation must
// be confirmed before it runs.
type Checker interface {
	RequiresConfirmation(operation string) bool
	PolicyVersion() string
}

// Policy is the serializable policy data.
type Policy struct {
	// DestructiveOperations lists the operations that need an explicit
	// approval before execution.
	DestructiveOperations []string `yaml:"destructive_operations"`
}

// Default treats only delete as destructive.
func Default() Policy {
	return Policy{DestructiveOperations: []string{"delete"}}
}

var knownOperations = map[string]struct{}{
	"add":      {},
	"list":     {},
	"update":   {},
	"complete": {},
	"delete":   {},
}

func normalizeOp(op string) string {
	return strings.ToLower(strings.TrimSpace(op))
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}
	var raw struct {
		DestructiveOperations *[]string `yaml:"destructive_operations"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	// An absent key keeps the default; an explicit empty list disables confirmation.
	p := Default()
	if raw.DestructiveOperations != nil {
		p.DestructiveOperations = *raw.DestructiveOperations
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) RequiresConfirmation(operation string) bool {
	op := normalizeOp(operation)
	if op == "" {
		return false
	}
	for _, d := range p.DestructiveOperations {
		if normalizeOp(d) == op {
			return true
		}
	}
	return false
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

func (p Policy) validate() error {
	for _, op := range p.DestructiveOperations {
		name := normalizeOp(op)
		if name == "" {
			continue
		}
		if _, ok := knownOperations[name]; !ok {
			return fmt.Errorf("unknown operation %q", op)
		}
	}
	return nil
}

// LivePolicy wraps a Policy with thread-safe mutation and persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // file path for persistence; empty = no persistence
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
// If path is non-empty, mutations are persisted to that file.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

// RequiresConfirmation is the thread-safe check used at runtime.
func (lp *LivePolicy) RequiresConfirmation(operation string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.RequiresConfirmation(operation)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// SetDestructive marks or unmarks an operation as destructive and persists the change.
func (lp *LivePolicy) SetDestructive(operation string, destructive bool) error {
	op := normalizeOp(operation)
	if _, ok := knownOperations[op]; !ok {
		return fmt.Errorf("unknown operation %q", operation)
	}

	lp.mu.Lock()
	defer lp.mu.Unlock()

	has := lp.data.RequiresConfirmation(op)
	switch {
	case destructive && !has:
		lp.data.DestructiveOperations = append(lp.data.DestructiveOperations, op)
	case !destructive && has:
		lp.data.DestructiveOperations = slices.DeleteFunc(slices.Clone(lp.data.DestructiveOperations), func(s string) bool {
			return normalizeOp(s) == op
		})
	default:
		return nil
	}
	return lp.persist()
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return Policy{DestructiveOperations: slices.Clone(lp.data.DestructiveOperations)}
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	ops := make([]string, 0, len(p.DestructiveOperations))
	for _, v := range p.DestructiveOperations {
		ops = append(ops, normalizeOp(v))
	}
	slices.Sort(ops)
	h := fnv.New64a()
	for _, v := range slices.Compact(ops) {
		_, _ = h.Write([]byte("destructive=" + v + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}

// DefaultYAML is written to policy.yaml on first start.
func DefaultYAML() string {
	return `# Operations listed here require an explicit approval before they run.
# Known operations: add, list, update, complete, delete.
destructive_operations:
  - delete
`
}
