package automation

import "hostscript/internal/store"

// DefaultRuleScript answers "/ping" with "pong".
const DefaultRuleScript = `-- Replies "pong" to "/ping".
function onMessage(talker, content, type, isSend)
  if content == "/ping" then
    return "pong"
  end
end
`

// DefaultRules returns the rules seeded into an empty registry. They start
// disabled.
func DefaultRules() []store.AutomationRule {
	return []store.AutomationRule{
		{Name: "ping", Script: DefaultRuleScript, Enabled: false},
	}
}

// SeedDefaults adds DefaultRules when the registry is empty and reports
// whether it did.
func SeedDefaults(r *Registry) bool {
	if r.Len() > 0 {
		return false
	}
	for _, rule := range DefaultRules() {
		r.Add(rule)
	}
	return true
}
