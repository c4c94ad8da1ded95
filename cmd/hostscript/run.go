package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"hostscript/internal/automation"
	"hostscript/internal/kvstore"
)

// errScriptFailed is returned after a failed run has already been printed.
var errScriptFailed = errors.New("script failed")

type runOptions struct {
	trigger string
	talker  string
	content string
	msgType int32
	isSend  bool
	uri     string
	cgi     int32
	payload string
	storage bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <script.lua>",
		Short: "Run a script once and print its logs and result",
		Long: `Run evaluates a script in the sandbox and optionally calls one entry
point with synthetic arguments. Outbound messages are recorded, not sent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(root, io.Discard)
			if err != nil {
				return err
			}

			src, err := readScript(args[0])
			if err != nil {
				return err
			}
			runOpts, err := opts.toRunOptions()
			if err != nil {
				return err
			}

			// Runs use a scratch store unless --storage asks for the real one.
			kv := kvstore.NewMemory()
			if opts.storage {
				debounce, _ := cfg.debounce()
				kv = kvstore.Open(cfg.Storage.Path, kvstore.Options{Debounce: debounce, Logger: logger})
				defer kv.Close()
			}
			engine := automation.NewEngine(automation.NewRegistry(logger, nil), kv, nil, nil, logger, cfg.engineConfig())

			rule := automation.AutomationRule{
				Name:   scriptName(args[0]),
				Script: src,
			}
			res := engine.RunScript(rule, runOpts)
			printRunResult(cmd.OutOrStdout(), res)
			if !res.OK {
				return errScriptFailed
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.trigger, "trigger", "", "entry point to call: message, request or response")
	f.StringVar(&opts.talker, "talker", "", "message talker")
	f.StringVar(&opts.content, "content", "", "message content")
	f.Int32Var(&opts.msgType, "type", 1, "message type")
	f.BoolVar(&opts.isSend, "is-send", false, "mark the message as sent by the bot account")
	f.StringVar(&opts.uri, "uri", "", "request/response uri")
	f.Int32Var(&opts.cgi, "cgi", 0, "request/response cgi id")
	f.StringVar(&opts.payload, "payload", "{}", "request/response JSON payload")
	f.BoolVar(&opts.storage, "storage", false, "use the configured storage file instead of a scratch store")

	return cmd
}

func (o *runOptions) toRunOptions() (automation.RunOptions, error) {
	var ro automation.RunOptions
	if o.trigger == "" {
		return ro, nil
	}
	t, ok := automation.ParseTrigger(o.trigger)
	if !ok {
		return ro, fmt.Errorf("unknown trigger %q: must be message, request or response", o.trigger)
	}
	ro.Trigger = t

	switch t {
	case automation.TriggerMessage:
		ro.Message = automation.MessageEvent{Talker: o.talker, Content: o.content, Type: o.msgType, IsSend: o.isSend}
	default:
		var payload any
		if err := json.Unmarshal([]byte(o.payload), &payload); err != nil {
			return ro, fmt.Errorf("parse --payload: %w", err)
		}
		ro.Protocol = automation.ProtocolEvent{URI: o.uri, CgiID: o.cgi, Payload: payload}
	}
	return ro, nil
}

func readScript(path string) (string, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	return string(src), nil
}

// scriptName derives a rule name from a script path: "dir/ping.lua" is "ping".
func scriptName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
