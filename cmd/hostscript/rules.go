package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"hostscript/internal/automation"
	"hostscript/internal/store"
)

func newRulesCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage rules in the rule store",
	}
	cmd.AddCommand(
		newRulesListCommand(root),
		newRulesShowCommand(root),
		newRulesAddCommand(root),
		newRulesRemoveCommand(root),
		newRulesEnableCommand(root, true),
		newRulesEnableCommand(root, false),
		newRulesImportCommand(root),
		newRulesExportCommand(root),
	)
	return cmd
}

// withStore opens the configured rule store, calls fn and closes the store.
func withStore(root *rootOptions, fn func(db store.Store, logger *slog.Logger) error) error {
	cfg, logger, err := setup(root, io.Discard)
	if err != nil {
		return err
	}
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open rule store: %w", err)
	}
	defer db.Close()
	return fn(db, logger)
}

// withRegistry loads a registry persisting to the rule store and calls fn.
func withRegistry(root *rootOptions, fn func(reg *automation.Registry, logger *slog.Logger) error) error {
	return withStore(root, func(db store.Store, logger *slog.Logger) error {
		rules, err := db.LoadRules()
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		reg := automation.NewRegistry(logger, db)
		reg.Load(rules)
		return fn(reg, logger)
	})
}

func parseRuleID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rule id %q", s)
	}
	return id, nil
}

func newRulesListCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(root, func(reg *automation.Registry, _ *slog.Logger) error {
				printRules(cmd.OutOrStdout(), reg.List())
				return nil
			})
		},
	}
}

func newRulesShowCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a rule and its script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRuleID(args[0])
			if err != nil {
				return err
			}
			return withStore(root, func(db store.Store, _ *slog.Logger) error {
				rule, err := db.GetRule(id)
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("rule %d not found", id)
				}
				if err != nil {
					return fmt.Errorf("get rule: %w", err)
				}
				w := cmd.OutOrStdout()
				state := faint.Sprint("disabled")
				if rule.Enabled {
					state = green.Sprint("enabled")
				}
				cyan.Fprintf(w, "%d\t%s", rule.ID, rule.Name)
				fmt.Fprintf(w, "\t%s\n", state)
				fmt.Fprintln(w, rule.Script)
				return nil
			})
		},
	}
}

func newRulesAddCommand(root *rootOptions) *cobra.Command {
	var (
		name    string
		enabled bool
	)
	cmd := &cobra.Command{
		Use:   "add <script.lua>",
		Short: "Append a rule from a Lua file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readScript(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = scriptName(args[0])
			}
			return withRegistry(root, func(reg *automation.Registry, _ *slog.Logger) error {
				rule := reg.Add(automation.AutomationRule{Name: name, Script: src, Enabled: enabled})
				green.Fprintf(cmd.OutOrStdout(), "✓ added rule %d (%s)\n", rule.ID, rule.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "rule name (defaults to the file name)")
	cmd.Flags().BoolVar(&enabled, "enable", false, "enable the rule right away")
	return cmd
}

func newRulesRemoveCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRuleID(args[0])
			if err != nil {
				return err
			}
			return withRegistry(root, func(reg *automation.Registry, _ *slog.Logger) error {
				if !reg.Remove(id) {
					return fmt.Errorf("rule %d not found", id)
				}
				green.Fprintf(cmd.OutOrStdout(), "✓ removed rule %d\n", id)
				return nil
			})
		},
	}
}

func newRulesEnableCommand(root *rootOptions, enable bool) *cobra.Command {
	use, verb := "enable", "enabled"
	if !enable {
		use, verb = "disable", "disabled"
	}
	return &cobra.Command{
		Use:   use + " <id>",
		Short: "Mark a rule " + verb,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRuleID(args[0])
			if err != nil {
				return err
			}
			return withRegistry(root, func(reg *automation.Registry, _ *slog.Logger) error {
				if !reg.SetEnabled(id, enable) {
					return fmt.Errorf("rule %d not found", id)
				}
				green.Fprintf(cmd.OutOrStdout(), "✓ rule %d %s\n", id, verb)
				return nil
			})
		},
	}
}

func newRulesImportCommand(root *rootOptions) *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Import rules from a directory of .lua files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(root, func(reg *automation.Registry, logger *slog.Logger) error {
				dir, err := automation.NewScriptDir(args[0], logger)
				if err != nil {
					return err
				}
				rules, err := dir.Read()
				if err != nil {
					return err
				}
				if replace {
					for _, r := range reg.List() {
						reg.Remove(r.ID)
					}
				}
				for _, r := range rules {
					added := reg.Add(r)
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", added.ID, added.Name)
				}
				green.Fprintf(cmd.OutOrStdout(), "✓ imported %d rules\n", len(rules))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "remove existing rules first")
	return cmd
}

func newRulesExportCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <dir>",
		Short: "Write every rule to a directory as .lua files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(root, func(reg *automation.Registry, logger *slog.Logger) error {
				dir, err := automation.NewScriptDir(args[0], logger)
				if err != nil {
					return err
				}
				rules := reg.List()
				if err := dir.Write(rules); err != nil {
					return err
				}
				green.Fprintf(cmd.OutOrStdout(), "✓ exported %d rules to %s\n", len(rules), args[0])
				return nil
			})
		},
	}
}
