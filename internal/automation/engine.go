// Package automation runs user rules written in Lua against chat messages
// and protocol traffic.
//
// Every rule invocation gets a fresh sandboxed lua.LState with the host
// capability tables (log, http, storage, cache, time, json, wechat)
// installed. Message dispatch fans out to all enabled rules; request and
// response dispatch pipes the payload through them in registry order.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"hostscript/internal/events"
	"hostscript/internal/kvstore"
	"hostscript/internal/store"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
)

// RunTimeout bounds one-shot script runs.
const RunTimeout = 5 * time.Second

// Config holds engine settings that are not collaborators.
type Config struct {
	CacheDir    string        // download target directory
	CacheLimit  int64         // cache dir is wiped once it reaches this many bytes
	HTTPTimeout time.Duration // connect/read/write timeout for script HTTP calls
	Identity    Identity
}

const (
	defaultCacheLimit  = 500 << 20
	defaultHTTPTimeout = 10 * time.Second
)

// Engine evaluates rules from a Registry.
type Engine struct {
	registry *Registry
	storage  *kvstore.Store
	cache    *kvstore.Store
	sender   Sender
	events   *events.Bus
	logger   *slog.Logger
	cfg      Config
	client   *http.Client
}

// NewEngine creates an engine. storage, sender and bus may be nil: storage
// falls back to an in-memory store and sends are dropped with a warning.
func NewEngine(reg *Registry, storage *kvstore.Store, sender Sender, bus *events.Bus, logger *slog.Logger, cfg Config) *Engine {
	logger = logger.With("component", "automation")
	if storage == nil {
		storage = kvstore.NewMemory()
	}
	if sender == nil {
		sender = nopSender{logger: logger}
	}
	if cfg.CacheLimit <= 0 {
		cfg.CacheLimit = defaultCacheLimit
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	return &Engine{
		registry: reg,
		storage:  storage,
		cache:    kvstore.NewMemory(),
		sender:   sender,
		events:   bus,
		logger:   logger,
		cfg:      cfg,
		client:   newHTTPClient(cfg.HTTPTimeout),
	}
}

// Registry returns the rule registry the engine evaluates.
func (e *Engine) Registry() *Registry { return e.registry }

// Storage returns the persistent script storage.
func (e *Engine) Storage() *kvstore.Store { return e.storage }

// invocation is the per-call context capability functions close over.
type invocation struct {
	e      *Engine
	rule   store.AutomationRule
	trace  string
	talker string // "" when the trigger has no originating talker
	sender Sender
	logger *slog.Logger

	logMu sync.Mutex
	logs  *[]string // non-nil only for one-shot runs
}

func (e *Engine) newInvocation(rule store.AutomationRule, trace, talker string) *invocation {
	return &invocation{
		e:      e,
		rule:   rule,
		trace:  trace,
		talker: talker,
		sender: e.sender,
		logger: e.logger.With("rule", rule.Name, "rule_id", rule.ID, "trace", trace),
	}
}

func (inv *invocation) capture(line string) {
	if inv.logs == nil {
		return
	}
	inv.logMu.Lock()
	*inv.logs = append(*inv.logs, line)
	inv.logMu.Unlock()
}

func (inv *invocation) emit(typ string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["rule"] = inv.rule.Name
	data["rule_id"] = inv.rule.ID
	inv.e.events.Emit(events.Event{Type: typ, Trace: inv.trace, Data: data})
}

// newState builds a sandboxed Lua state with every capability installed.
func (e *Engine) newState(inv *invocation) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	registerJSONModule(L)

	// Sandbox: remove dangerous libs and functions
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	registerLogModule(L, inv)
	registerHTTPModule(L, inv)
	registerStorageModule(L, "storage", e.storage, inv)
	registerStorageModule(L, "cache", e.cache, inv)
	registerTimeModule(L, inv)
	registerWechatModule(L, inv)
	return L
}

// loadRule evaluates the rule source so its entry functions are defined.
func loadRule(L *lua.LState, rule store.AutomationRule) error {
	fn, err := L.Load(strings.NewReader(rule.Script), chunkName(rule))
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	L.SetTop(0)
	return nil
}

func chunkName(rule store.AutomationRule) string {
	if rule.Name != "" {
		return rule.Name
	}
	return fmt.Sprintf("rule-%d", rule.ID)
}

// callEntry calls the global entry function with args and returns its
// first result. ok is false when the script does not define the entry.
func callEntry(L *lua.LState, name string, args ...lua.LValue) (ret lua.LValue, ok bool, err error) {
	fn, isFn := L.GetGlobal(name).(*lua.LFunction)
	if !isFn {
		return lua.LNil, false, nil
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return lua.LNil, true, err
	}
	ret = L.Get(-1)
	L.Pop(1)
	return ret, true, nil
}

func newTrace() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// runRule loads rule in a fresh state and calls the entry for trigger.
// Any failure, Go panics included, is logged and reported as an error.
func (e *Engine) runRule(inv *invocation, trigger Trigger, args func(L *lua.LState) []lua.LValue, handle func(L *lua.LState, ret lua.LValue)) (err error) {
	L := e.newState(inv)
	defer L.Close()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			inv.logger.Warn("rule failed", "trigger", trigger, "err", err)
			inv.emit(events.EventRuleError, map[string]any{"trigger": string(trigger), "error": err.Error()})
		}
	}()

	if err := loadRule(L, inv.rule); err != nil {
		return err
	}
	ret, ok, err := callEntry(L, trigger.EntryPoint(), args(L)...)
	if err != nil {
		return err
	}
	if !ok {
		inv.logger.Debug("rule has no entry point", "entry", trigger.EntryPoint())
		return nil
	}
	handle(L, ret)
	return nil
}

// DispatchMessage runs onMessage of every enabled rule. Rules run in
// registry order and a failing rule does not stop the others.
func (e *Engine) DispatchMessage(ev MessageEvent) {
	trace := newTrace()
	for _, rule := range e.registry.List() {
		if !rule.Enabled {
			continue
		}
		inv := e.newInvocation(rule, trace, ev.Talker)
		e.runRule(inv, TriggerMessage, func(L *lua.LState) []lua.LValue {
			return []lua.LValue{
				lua.LString(ev.Talker),
				lua.LString(ev.Content),
				lua.LNumber(ev.Type),
				lua.LBool(ev.IsSend),
			}
		}, func(L *lua.LState, ret lua.LValue) {
			inv.handleMessageReturn(ret)
		})
	}
}

// handleMessageReturn sends whatever onMessage returned back to the talker.
func (inv *invocation) handleMessageReturn(ret lua.LValue) {
	switch val := ret.(type) {
	case *lua.LNilType:
	case lua.LString:
		if strings.TrimSpace(string(val)) == "" {
			return
		}
		inv.deliver(inv.talker, MessageResponse{Type: ResponseText, Content: string(val)})
	case *lua.LTable:
		resp, err := parseMessageResponse(val)
		if err != nil {
			inv.logger.Warn("ignoring onMessage result", "err", err)
			return
		}
		inv.deliver(inv.talker, resp)
	default:
		inv.logger.Warn("ignoring onMessage result", "type", ret.Type().String())
	}
}

func parseMessageResponse(t *lua.LTable) (MessageResponse, error) {
	field := func(name string) string {
		switch v := t.RawGetString(name).(type) {
		case lua.LString:
			return string(v)
		case lua.LNumber:
			return v.String()
		}
		return ""
	}

	resp := MessageResponse{
		Type:    strings.ToLower(field("type")),
		Content: field("content"),
		Path:    field("path"),
		Title:   field("title"),
	}
	if resp.Type == "" {
		resp.Type = ResponseText
	}
	if d, ok := t.RawGetString("duration").(lua.LNumber); ok {
		resp.Duration = int32(d)
	}

	switch resp.Type {
	case ResponseText:
		if strings.TrimSpace(resp.Content) == "" {
			return resp, errors.New("text response without content")
		}
	case ResponseImage, ResponseFile, ResponseVoice:
		if resp.Path == "" {
			return resp, fmt.Errorf("%s response without path", resp.Type)
		}
		if resp.Type == ResponseFile && resp.Title == "" {
			resp.Title = filepath.Base(resp.Path)
		}
	default:
		return resp, fmt.Errorf("unknown response type %q", resp.Type)
	}
	return resp, nil
}

// deliver sends resp to talker through the invocation's sender.
func (inv *invocation) deliver(to string, resp MessageResponse) bool {
	if to == "" {
		inv.logger.Warn("reply without talker", "type", resp.Type)
		return false
	}

	var ok bool
	switch resp.Type {
	case ResponseText:
		ok = inv.sender.SendText(to, resp.Content)
	case ResponseImage:
		ok = inv.sender.SendImage(to, resp.Path)
	case ResponseFile:
		ok = inv.sender.SendFile(to, resp.Path, resp.Title)
	case ResponseVoice:
		ok = inv.sender.SendVoice(to, resp.Path, resp.Duration)
	}

	inv.logger.Debug("reply sent", "to", to, "type", resp.Type, "ok", ok)
	inv.emit(events.EventReplySent, map[string]any{"to": to, "type": resp.Type, "ok": ok})
	return ok
}

// DispatchRequest pipes an outgoing request payload through onRequest of
// every enabled rule. It returns the final payload and whether any rule
// replaced it; when changed is false the payload is the one passed in.
func (e *Engine) DispatchRequest(uri string, cgiID int32, payload any) (out any, changed bool) {
	return e.runPipeline(TriggerRequest, uri, cgiID, payload)
}

// DispatchResponse pipes an incoming response payload through onResponse
// of every enabled rule. See DispatchRequest.
func (e *Engine) DispatchResponse(uri string, cgiID int32, payload any) (out any, changed bool) {
	return e.runPipeline(TriggerResponse, uri, cgiID, payload)
}

func (e *Engine) runPipeline(trigger Trigger, uri string, cgiID int32, payload any) (any, bool) {
	trace := newTrace()
	current := payload
	changed := false
	for _, rule := range e.registry.List() {
		if !rule.Enabled {
			continue
		}
		inv := e.newInvocation(rule, trace, "")
		input := current
		e.runRule(inv, trigger, func(L *lua.LState) []lua.LValue {
			return []lua.LValue{lua.LString(uri), lua.LNumber(cgiID), goToLua(L, input)}
		}, func(L *lua.LState, ret lua.LValue) {
			next, ok := inv.coercePayload(ret)
			if !ok {
				return
			}
			current = next
			changed = true
			inv.logger.Debug("payload transformed", "trigger", trigger, "uri", uri, "cgi", cgiID)
			inv.emit(events.EventPayloadTransformed, map[string]any{
				"trigger": string(trigger),
				"uri":     uri,
				"cgi":     cgiID,
			})
		})
	}
	return current, changed
}

// coercePayload turns an onRequest/onResponse return value into the next
// payload. Tables are converted directly; strings must hold JSON. Anything
// else leaves the payload unchanged.
func (inv *invocation) coercePayload(ret lua.LValue) (any, bool) {
	switch val := ret.(type) {
	case *lua.LNilType:
		return nil, false
	case *lua.LTable:
		v, err := luaToGo(val)
		if err != nil {
			inv.logger.Warn("returned table is not JSON", "err", err)
			return nil, false
		}
		return v, true
	case lua.LString:
		v, err := decodeJSON([]byte(val))
		if err != nil {
			inv.logger.Warn("returned string is not JSON", "err", err)
			return nil, false
		}
		return v, true
	}
	inv.logger.Warn("ignoring returned value", "type", ret.Type().String())
	return nil, false
}

// RunOptions selects what a one-shot run invokes after evaluating the script.
// A zero Trigger only evaluates the top-level chunk.
type RunOptions struct {
	Trigger  Trigger
	Message  MessageEvent
	Protocol ProtocolEvent
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool             `json:"ok"`
	Error    string           `json:"error,omitempty"`
	Logs     []string         `json:"logs"`
	Duration string           `json:"duration"`
	Trace    string           `json:"trace"`
	Replies  []SentMessage    `json:"replies,omitempty"`
	Reply    *MessageResponse `json:"reply,omitempty"`
	Payload  any              `json:"payload,omitempty"`
	Changed  bool             `json:"changed"`
}

// RunRule executes a stored rule once, regardless of its enabled flag.
func (e *Engine) RunRule(id int64, opts RunOptions) *RunResult {
	rule, ok := e.registry.Get(id)
	if !ok {
		return &RunResult{OK: false, Error: fmt.Sprintf("rule %d not found", id), Logs: []string{}, Duration: "0s"}
	}
	return e.RunScript(rule, opts)
}

// RunScript executes rule in a temporary sandboxed VM for testing. Log
// output is captured and outbound messages are recorded instead of sent.
func (e *Engine) RunScript(rule store.AutomationRule, opts RunOptions) (result *RunResult) {
	start := time.Now()
	trace := newTrace()

	logs := []string{}
	recorder := &recordingSender{}
	talker := ""
	if opts.Trigger == TriggerMessage {
		talker = opts.Message.Talker
	}
	inv := e.newInvocation(rule, trace, talker)
	inv.sender = recorder
	inv.logs = &logs

	result = &RunResult{Trace: trace}
	defer func() {
		if r := recover(); r != nil {
			result.OK = false
			result.Error = fmt.Sprintf("panic: %v", r)
		}
		inv.logMu.Lock()
		result.Logs = append([]string(nil), logs...)
		inv.logMu.Unlock()
		result.Replies = recorder.sent()
		result.Duration = time.Since(start).String()
		inv.logger.Info("script run complete", "ok", result.OK, "logs", len(result.Logs), "duration", result.Duration)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), RunTimeout)
	defer cancel()

	L := e.newState(inv)
	defer L.Close()
	L.SetContext(ctx)

	fail := func(err error) *RunResult {
		errStr := err.Error()
		if strings.Contains(errStr, "context deadline exceeded") {
			errStr = "timeout (5s)"
		}
		result.OK = false
		result.Error = errStr
		return result
	}

	if err := loadRule(L, rule); err != nil {
		return fail(err)
	}
	if opts.Trigger == "" {
		result.OK = true
		return result
	}

	var args []lua.LValue
	switch opts.Trigger {
	case TriggerMessage:
		m := opts.Message
		args = []lua.LValue{lua.LString(m.Talker), lua.LString(m.Content), lua.LNumber(m.Type), lua.LBool(m.IsSend)}
	case TriggerRequest, TriggerResponse:
		p := opts.Protocol
		result.Payload = p.Payload
		args = []lua.LValue{lua.LString(p.URI), lua.LNumber(p.CgiID), goToLua(L, p.Payload)}
	default:
		return fail(fmt.Errorf("unknown trigger %q", opts.Trigger))
	}

	ret, ok, err := callEntry(L, opts.Trigger.EntryPoint(), args...)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return fail(fmt.Errorf("script does not define %s", opts.Trigger.EntryPoint()))
	}

	switch opts.Trigger {
	case TriggerMessage:
		switch val := ret.(type) {
		case lua.LString:
			if strings.TrimSpace(string(val)) != "" {
				result.Reply = &MessageResponse{Type: ResponseText, Content: string(val)}
			}
		case *lua.LTable:
			resp, err := parseMessageResponse(val)
			if err != nil {
				inv.capture("[w] " + err.Error())
				break
			}
			result.Reply = &resp
		}
		if result.Reply != nil {
			inv.deliver(talker, *result.Reply)
		}
	default:
		if next, changed := inv.coercePayload(ret); changed {
			result.Payload = next
			result.Changed = true
		}
	}

	result.OK = true
	return result
}

// SentMessage is an outbound message recorded during a one-shot run.
type SentMessage struct {
	Kind     string `json:"kind"`
	To       string `json:"to"`
	Content  string `json:"content,omitempty"`
	Path     string `json:"path,omitempty"`
	Title    string `json:"title,omitempty"`
	Duration int32  `json:"duration,omitempty"`
}

type recordingSender struct {
	mu  sync.Mutex
	out []SentMessage
}

func (r *recordingSender) record(m SentMessage) bool {
	r.mu.Lock()
	r.out = append(r.out, m)
	r.mu.Unlock()
	return true
}

func (r *recordingSender) sent() []SentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SentMessage(nil), r.out...)
}

func (r *recordingSender) SendText(to, text string) bool {
	return r.record(SentMessage{Kind: "text", To: to, Content: text})
}

func (r *recordingSender) SendImage(to, path string) bool {
	return r.record(SentMessage{Kind: "image", To: to, Path: path})
}

func (r *recordingSender) SendFile(to, path, title string) bool {
	return r.record(SentMessage{Kind: "file", To: to, Path: path, Title: title})
}

func (r *recordingSender) SendVoice(to, path string, durationMs int32) bool {
	return r.record(SentMessage{Kind: "voice", To: to, Path: path, Duration: durationMs})
}

func (r *recordingSender) SendXMLAppMsg(to, xml string) bool {
	return r.record(SentMessage{Kind: "appmsg", To: to, Content: xml})
}

// nopSender drops every message. Used when no transport is configured.
type nopSender struct {
	logger *slog.Logger
}

func (n nopSender) drop(kind, to string) bool {
	n.logger.Warn("no message transport configured, dropping", "kind", kind, "to", to)
	return false
}

func (n nopSender) SendText(to, _ string) bool           { return n.drop("text", to) }
func (n nopSender) SendImage(to, _ string) bool          { return n.drop("image", to) }
func (n nopSender) SendFile(to, _, _ string) bool        { return n.drop("file", to) }
func (n nopSender) SendVoice(to, _ string, _ int32) bool { return n.drop("voice", to) }
func (n nopSender) SendXMLAppMsg(to, _ string) bool      { return n.drop("appmsg", to) }
