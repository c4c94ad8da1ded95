package store

// AutomationRule is a user script bound to the automation engine.
// Registry order is evaluation order; the store preserves it.
type AutomationRule struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Script  string `json:"script"`
	Enabled bool   `json:"enabled"`
}
