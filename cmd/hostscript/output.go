package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"hostscript/internal/automation"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// logColor picks a color by the "[x] " prefix of a captured log line.
func logColor(line string) *color.Color {
	switch {
	case strings.HasPrefix(line, "[w]"):
		return yellow
	case strings.HasPrefix(line, "[e]"):
		return red
	case strings.HasPrefix(line, "[d]"):
		return faint
	}
	return color.New(color.Reset)
}

// printRunResult renders a one-shot run for a terminal.
func printRunResult(w io.Writer, res *automation.RunResult) {
	for _, line := range res.Logs {
		logColor(line).Fprintln(w, line)
	}

	if res.Reply != nil {
		cyan.Fprintf(w, "reply (%s): ", res.Reply.Type)
		switch res.Reply.Type {
		case automation.ResponseText:
			fmt.Fprintln(w, res.Reply.Content)
		default:
			fmt.Fprintln(w, res.Reply.Path)
		}
	}
	for _, m := range res.Replies {
		faint.Fprintf(w, "sent %s to %s\n", m.Kind, m.To)
	}
	if res.Changed {
		cyan.Fprintln(w, "payload:")
		out, err := json.MarshalIndent(res.Payload, "", "  ")
		if err != nil {
			red.Fprintf(w, "encode payload: %v\n", err)
		} else {
			fmt.Fprintln(w, string(out))
		}
	}

	if res.OK {
		green.Fprintf(w, "✓ ok in %s (trace %s)\n", res.Duration, res.Trace)
	} else {
		red.Fprintf(w, "✗ %s (trace %s)\n", res.Error, res.Trace)
	}
}

func printRules(w io.Writer, rules []automation.AutomationRule) {
	if len(rules) == 0 {
		yellow.Fprintln(w, "no rules")
		return
	}
	for _, r := range rules {
		state := green.Sprint("enabled ")
		if !r.Enabled {
			state = faint.Sprint("disabled")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", r.ID, state, r.Name)
	}
}
