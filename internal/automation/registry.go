package automation

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"hostscript/internal/store"
)

// RulePersister saves the full ordered rule list after every change.
type RulePersister interface {
	SaveRules(rules []store.AutomationRule) error
}

var lastRuleID atomic.Int64

// NewRuleID derives a rule id from the wall clock in milliseconds.
// Ids handed out by one process are strictly increasing even when two
// rules are created within the same millisecond.
func NewRuleID() int64 {
	for {
		last := lastRuleID.Load()
		id := time.Now().UnixMilli()
		if id <= last {
			id = last + 1
		}
		if lastRuleID.CompareAndSwap(last, id) {
			return id
		}
	}
}

// Registry is the ordered rule list. Order is evaluation order.
//
// The backing slice is never modified in place: writers build a new slice
// and swap it in, so a snapshot taken by List stays valid while dispatches
// iterate it.
type Registry struct {
	mu        sync.Mutex
	rules     []store.AutomationRule
	persister RulePersister
	logger    *slog.Logger
	onChange  []func([]store.AutomationRule)
}

// NewRegistry creates an empty registry. persister may be nil.
func NewRegistry(logger *slog.Logger, persister RulePersister) *Registry {
	return &Registry{
		persister: persister,
		logger:    logger.With("component", "registry"),
	}
}

// Load replaces the rule list without persisting it (used at start-up).
func (r *Registry) Load(rules []store.AutomationRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = slices.Clone(rules)
	for _, rule := range rules {
		bumpRuleID(rule.ID)
	}
}

// OnChange registers a callback invoked with the new snapshot after each change.
func (r *Registry) OnChange(fn func([]store.AutomationRule)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// List returns a snapshot of all rules in order.
func (r *Registry) List() []store.AutomationRule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.rules)
}

// Len returns the number of rules.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rules)
}

// Get returns the rule with the given id.
func (r *Registry) Get(id int64) (store.AutomationRule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.index(id); i >= 0 {
		return r.rules[i], true
	}
	return store.AutomationRule{}, false
}

// Add appends rule and returns it as stored. A zero or already used id is
// replaced by NewRuleID().
func (r *Registry) Add(rule store.AutomationRule) store.AutomationRule {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rule.ID != 0 && r.index(rule.ID) >= 0 {
		r.logger.Warn("rule id already in use, assigning a new one", "id", rule.ID)
		rule.ID = 0
	}
	if rule.ID == 0 {
		rule.ID = NewRuleID()
	} else {
		bumpRuleID(rule.ID)
	}

	next := make([]store.AutomationRule, 0, len(r.rules)+1)
	next = append(next, r.rules...)
	next = append(next, rule)
	r.commit(next)
	return rule
}

// Remove deletes the rule with id. Unknown ids return false.
func (r *Registry) Remove(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.index(id)
	if i < 0 {
		return false
	}
	r.commit(slices.Delete(slices.Clone(r.rules), i, i+1))
	return true
}

// SetEnabled toggles a rule. Unknown ids return false.
func (r *Registry) SetEnabled(id int64, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.index(id)
	if i < 0 {
		return false
	}
	next := slices.Clone(r.rules)
	next[i].Enabled = enabled
	r.commit(next)
	return true
}

// Replace overwrites the rule with id in place, keeping its position and id.
// Unknown ids return false.
func (r *Registry) Replace(id int64, rule store.AutomationRule) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.index(id)
	if i < 0 {
		return false
	}
	rule.ID = id
	next := slices.Clone(r.rules)
	next[i] = rule
	r.commit(next)
	return true
}

func (r *Registry) index(id int64) int {
	for i := range r.rules {
		if r.rules[i].ID == id {
			return i
		}
	}
	return -1
}

// commit swaps in next and notifies the persister. Caller holds r.mu.
func (r *Registry) commit(next []store.AutomationRule) {
	r.rules = next
	if r.persister != nil {
		if err := r.persister.SaveRules(next); err != nil {
			r.logger.Error("persist rules", "err", err)
		}
	}
	for _, fn := range r.onChange {
		fn(slices.Clone(next))
	}
}

func bumpRuleID(id int64) {
	for {
		last := lastRuleID.Load()
		if id <= last || lastRuleID.CompareAndSwap(last, id) {
			return
		}
	}
}
