package automation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"hostscript/internal/store"
)

// ruleMeta is the JSON header written on the first line of a rule file:
//
//	-- {"id":1718000000000,"name":"ping","enabled":true}
type ruleMeta struct {
	ID      int64  `json:"id,omitempty"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// ScriptDir reads and writes rules as .lua files in one directory.
type ScriptDir struct {
	dir    string
	logger *slog.Logger
}

// NewScriptDir creates a rule directory rooted at dir, creating it if needed.
func NewScriptDir(dir string, logger *slog.Logger) (*ScriptDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rules dir: %w", err)
	}
	return &ScriptDir{dir: dir, logger: logger.With("component", "scriptdir")}, nil
}

// Read returns every rule found in the directory, ordered by file name.
// Files without a header become disabled rules named after the file.
func (d *ScriptDir) Read() ([]store.AutomationRule, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lua") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	rules := make([]store.AutomationRule, 0, len(names))
	for _, name := range names {
		rule, err := d.parseFile(filepath.Join(d.dir, name))
		if err != nil {
			d.logger.Warn("skip rule file", "file", name, "err", err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Write stores each rule as <index>_<slug>.lua so the file order matches
// rule order. Existing .lua files in the directory are replaced.
func (d *ScriptDir) Write(rules []store.AutomationRule) error {
	old, err := filepath.Glob(filepath.Join(d.dir, "*.lua"))
	if err != nil {
		return err
	}
	for _, p := range old {
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("remove old rule file: %w", err)
		}
	}

	for i, rule := range rules {
		slug := slugify(rule.Name)
		if slug == "" {
			slug = "rule"
		}
		path := filepath.Join(d.dir, fmt.Sprintf("%03d_%s.lua", i+1, slug))
		if err := os.WriteFile(path, []byte(serializeRule(rule)), 0o644); err != nil {
			return fmt.Errorf("write rule file: %w", err)
		}
	}
	return nil
}

// parseFile reads and parses a .lua rule file.
func (d *ScriptDir) parseFile(path string) (store.AutomationRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return store.AutomationRule{}, err
	}

	content := string(data)
	stem := strings.TrimSuffix(filepath.Base(path), ".lua")
	rule := store.AutomationRule{Name: stem}

	// Parse JSON metadata from first line: -- {"name": "...", ...}
	first, rest, _ := strings.Cut(content, "\n")
	if strings.HasPrefix(first, "-- {") {
		var meta ruleMeta
		if err := json.Unmarshal([]byte(strings.TrimPrefix(first, "-- ")), &meta); err != nil {
			d.logger.Warn("rule metadata parse error", "file", path, "err", err)
		} else {
			rule.ID = meta.ID
			rule.Enabled = meta.Enabled
			if meta.Name != "" {
				rule.Name = meta.Name
			}
		}
		content = rest
	}

	rule.Script = strings.TrimLeft(content, "\n")
	return rule, nil
}

// serializeRule reassembles a rule file from its parts.
func serializeRule(rule store.AutomationRule) string {
	var b strings.Builder

	meta, _ := json.Marshal(ruleMeta{ID: rule.ID, Name: rule.Name, Enabled: rule.Enabled})
	b.WriteString("-- ")
	b.Write(meta)
	b.WriteString("\n\n")

	b.WriteString(rule.Script)
	if !strings.HasSuffix(rule.Script, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}
