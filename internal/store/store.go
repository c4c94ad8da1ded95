package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the rule persistence interface.
type Store interface {
	// SaveRules replaces every persisted rule with rules, keeping their order.
	SaveRules(rules []AutomationRule) error
	// LoadRules returns the persisted rules in saved order.
	LoadRules() ([]AutomationRule, error)
	// GetRule returns a single rule or ErrNotFound.
	GetRule(id int64) (*AutomationRule, error)

	// Close the store
	Close() error
}
