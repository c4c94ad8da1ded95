package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"hostscript/internal/automation"
	"hostscript/internal/events"
	"hostscript/internal/trigger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sentText struct {
	to, text string
}

// textSender records text messages and drops everything else.
type textSender struct {
	mu   sync.Mutex
	sent []sentText
}

func (f *textSender) texts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sent...)
}

func (f *textSender) SendText(to, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentText{to, text})
	return true
}

func (f *textSender) SendImage(string, string) bool        { return false }
func (f *textSender) SendFile(string, string, string) bool { return false }
func (f *textSender) SendVoice(string, string, int32) bool { return false }
func (f *textSender) SendXMLAppMsg(string, string) bool    { return false }

type testServer struct {
	*Server
	engine *automation.Engine
	sender *textSender
}

func newTestServer(t *testing.T, opts ...ServerOption) *testServer {
	t.Helper()
	logger := testLogger()
	bus := events.NewBus(logger)
	reg := automation.NewRegistry(logger, nil)
	sender := &textSender{}
	engine := automation.NewEngine(reg, nil, sender, bus, logger, automation.Config{CacheDir: t.TempDir()})

	msg := trigger.NewMessageDispatcher(engine, trigger.AllOn(), logger)
	proto := trigger.NewProtocolDispatcher(engine, nil, trigger.AllOn(), logger)
	opts = append([]ServerOption{WithDispatchers(msg, proto), WithVersion("test")}, opts...)

	srv := NewServer(engine, bus, logger, opts...)
	t.Cleanup(srv.Stop)
	return &testServer{Server: srv, engine: engine, sender: sender}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestVersion(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/version", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode[map[string]string](t, w)["version"]; got != "test" {
		t.Errorf("version = %q", got)
	}
}

func TestAPIKey(t *testing.T) {
	ts := newTestServer(t, WithAPIKey("secret"))

	if w := ts.do(t, http.MethodGet, "/api/rules", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("without key: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/rules", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, WithAllowedOrigins([]string{"http://admin.local"}))

	tests := []struct {
		origin string
		want   int
	}{
		{"http://admin.local", http.StatusNoContent},
		{"http://evil.example", http.StatusForbidden},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodOptions, "/api/rules", nil)
		req.Header.Set("Origin", tt.origin)
		w := httptest.NewRecorder()
		ts.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("origin %s: status = %d, want %d", tt.origin, w.Code, tt.want)
		}
	}
}

func TestMutationFromForeignOriginRejected(t *testing.T) {
	ts := newTestServer(t, WithAllowedOrigins([]string{"http://admin.local"}))

	req := httptest.NewRequest(http.MethodPost, "/api/rules", bytes.NewBufferString(`{"name":"x"}`))
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
	if ts.engine.Registry().Len() != 0 {
		t.Error("rule created despite forbidden origin")
	}
}

func TestRuleCRUD(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/rules", saveRuleRequest{Name: "echo", Script: "-- empty", Enabled: true})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d body = %s", w.Code, w.Body)
	}
	created := decode[automation.AutomationRule](t, w)
	if created.ID == 0 || created.Name != "echo" || !created.Enabled {
		t.Fatalf("created = %+v", created)
	}
	path := fmt.Sprintf("/api/rules/%d", created.ID)

	list := decode[[]automation.AutomationRule](t, ts.do(t, http.MethodGet, "/api/rules", nil))
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}

	w = ts.do(t, http.MethodPut, path, saveRuleRequest{Name: "renamed", Script: "-- v2", Enabled: true})
	if w.Code != http.StatusOK {
		t.Fatalf("update: status = %d", w.Code)
	}
	got := decode[automation.AutomationRule](t, ts.do(t, http.MethodGet, path, nil))
	if got.Name != "renamed" || got.Script != "-- v2" {
		t.Errorf("after update = %+v", got)
	}

	toggled := decode[automation.AutomationRule](t, ts.do(t, http.MethodPost, path+"/toggle", nil))
	if toggled.Enabled {
		t.Error("toggle should disable the rule")
	}
	if r, _ := ts.engine.Registry().Get(created.ID); r.Enabled {
		t.Error("registry still has rule enabled")
	}

	if w := ts.do(t, http.MethodDelete, path, nil); w.Code != http.StatusOK {
		t.Errorf("delete: status = %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, path, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", w.Code)
	}
}

func TestRuleErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"bad id", http.MethodGet, "/api/rules/abc", nil, http.StatusBadRequest},
		{"unknown id", http.MethodGet, "/api/rules/42", nil, http.StatusNotFound},
		{"missing name", http.MethodPost, "/api/rules", saveRuleRequest{Script: "x"}, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/rules", "{", http.StatusBadRequest},
		{"update unknown", http.MethodPut, "/api/rules/42", saveRuleRequest{Name: "x"}, http.StatusNotFound},
		{"delete unknown", http.MethodDelete, "/api/rules/42", nil, http.StatusNotFound},
		{"toggle unknown", http.MethodPost, "/api/rules/42/toggle", nil, http.StatusNotFound},
		{"run unknown", http.MethodPost, "/api/rules/42/run", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := ts.do(t, tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRunInline(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/rules/_inline/run", runRequest{Script: `log.i("hi")`})
	res := decode[automation.RunResult](t, w)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "[i] hi" {
		t.Errorf("logs = %v", res.Logs)
	}

	res = decode[automation.RunResult](t, ts.do(t, http.MethodPost, "/api/rules/_inline/run", runRequest{Script: "this is not lua"}))
	if res.OK || res.Error == "" {
		t.Errorf("syntax error run = %+v", res)
	}
}

func TestRunInlineMessageRecordsReplies(t *testing.T) {
	ts := newTestServer(t)

	script := `function onMessage(talker, content) return "echo " .. content end`
	res := decode[automation.RunResult](t, ts.do(t, http.MethodPost, "/api/rules/_inline/run", runRequest{
		Script:  script,
		Trigger: "message",
		Talker:  "alice",
		Content: "hello",
	}))
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if res.Reply == nil || res.Reply.Content != "echo hello" {
		t.Errorf("reply = %+v", res.Reply)
	}
	if len(res.Replies) != 1 || res.Replies[0].To != "alice" {
		t.Errorf("replies = %+v", res.Replies)
	}
	if len(ts.sender.texts()) != 0 {
		t.Error("dry run must not reach the real sender")
	}
}

func TestRunInlineUnknownTrigger(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/rules/_inline/run", runRequest{Script: "", Trigger: "timer"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRunStoredRuleWithPayload(t *testing.T) {
	ts := newTestServer(t)
	rule := ts.engine.Registry().Add(automation.AutomationRule{
		Name:   "tag",
		Script: `function onRequest(uri, cgi, p) p.tagged = true; return p end`,
	})

	res := decode[automation.RunResult](t, ts.do(t, http.MethodPost, fmt.Sprintf("/api/rules/%d/run", rule.ID), map[string]any{
		"trigger": "request",
		"uri":     "/cgi-bin/send",
		"cgiId":   522,
		"payload": map[string]any{"msg": "x"},
	}))
	if !res.OK || !res.Changed {
		t.Fatalf("run = %+v", res)
	}
	payload, _ := res.Payload.(map[string]any)
	if payload["tagged"] != true || payload["msg"] != "x" {
		t.Errorf("payload = %v", res.Payload)
	}
}

func TestTriggerMessage(t *testing.T) {
	ts := newTestServer(t)
	ts.engine.Registry().Add(automation.AutomationRule{
		Name:    "ping",
		Script:  `function onMessage(talker, content) if content == "/ping" then return "pong" end end`,
		Enabled: true,
	})

	w := ts.do(t, http.MethodPost, "/api/trigger/message", automation.MessageEvent{Talker: "bob", Content: "/ping", Type: 1})
	if !decode[map[string]bool](t, w)["dispatched"] {
		t.Fatal("message not dispatched")
	}
	sent := ts.sender.texts()
	if len(sent) != 1 || sent[0] != (sentText{"bob", "pong"}) {
		t.Errorf("sent = %+v", sent)
	}

	// outgoing rows are skipped by default switches
	w = ts.do(t, http.MethodPost, "/api/trigger/message", automation.MessageEvent{Talker: "bob", Content: "/ping", IsSend: true})
	if decode[map[string]bool](t, w)["dispatched"] {
		t.Error("outgoing row dispatched")
	}
}

func TestTriggerProtocol(t *testing.T) {
	ts := newTestServer(t)
	ts.engine.Registry().Add(automation.AutomationRule{
		Name:    "stamp",
		Script:  `function onRequest(uri, cgi, p) p.cgi = cgi; return p end`,
		Enabled: true,
	})

	w := ts.do(t, http.MethodPost, "/api/trigger/request/7?uri=/x", `{"a":1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("X-Hostscript-Processed"); got != "true" {
		t.Errorf("processed header = %q", got)
	}
	body := decode[map[string]any](t, w)
	if body["a"] != 1.0 || body["cgi"] != 7.0 {
		t.Errorf("body = %v", body)
	}

	// responses have no onResponse handler: the payload passes through
	w = ts.do(t, http.MethodPost, "/api/trigger/response/7", `{"a":1}`)
	if body := decode[map[string]any](t, w); body["cgi"] != nil {
		t.Errorf("response body = %v", body)
	}
}

func TestTriggerProtocolPassesThroughWhenOff(t *testing.T) {
	ts := newTestServer(t)
	ts.engine.Registry().Add(automation.AutomationRule{
		Name:    "stamp",
		Script:  `function onRequest(uri, cgi, p) p.cgi = cgi; return p end`,
		Enabled: true,
	})

	w := ts.do(t, http.MethodPut, "/api/triggers/request", map[string]bool{"enabled": false})
	if w.Code != http.StatusOK {
		t.Fatalf("switch: status = %d body = %s", w.Code, w.Body)
	}
	if st := decode[triggerState](t, w); st.Request || !st.Response || !st.Message {
		t.Errorf("state = %+v", st)
	}

	w = ts.do(t, http.MethodPost, "/api/trigger/request/7", `{"a":1}`)
	if w.Body.String() != `{"a":1}` {
		t.Errorf("body = %s, want original", w.Body)
	}
	if got := w.Header().Get("X-Hostscript-Processed"); got != "false" {
		t.Errorf("processed header = %q", got)
	}

	// undecodable bodies are echoed back as well
	if err := ts.protocol.SetEnabled(automation.TriggerRequest, true); err != nil {
		t.Fatal(err)
	}
	w = ts.do(t, http.MethodPost, "/api/trigger/request/7", `not json`)
	if w.Body.String() != "not json" {
		t.Errorf("body = %s", w.Body)
	}
}

func TestSetUnknownTrigger(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodPut, "/api/triggers/timer", map[string]bool{"enabled": true}); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestTriggersUnavailableWithoutDispatchers(t *testing.T) {
	logger := testLogger()
	engine := automation.NewEngine(automation.NewRegistry(logger, nil), nil, nil, nil, logger, automation.Config{})
	srv := NewServer(engine, nil, logger)
	defer srv.Stop()

	req := httptest.NewRequest(http.MethodPost, "/api/trigger/message", bytes.NewBufferString(`{"talker":"a","content":"b"}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestStorageEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.engine.Storage().Set("counter", 3.0)

	listing := decode[struct {
		Keys []string `json:"keys"`
		Size int      `json:"size"`
	}](t, ts.do(t, http.MethodGet, "/api/storage", nil))
	if listing.Size != 1 || len(listing.Keys) != 1 || listing.Keys[0] != "counter" {
		t.Errorf("listing = %+v", listing)
	}

	entry := decode[map[string]any](t, ts.do(t, http.MethodGet, "/api/storage/counter", nil))
	if entry["value"] != 3.0 {
		t.Errorf("entry = %v", entry)
	}

	if w := ts.do(t, http.MethodGet, "/api/storage/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing key: status = %d", w.Code)
	}
	if w := ts.do(t, http.MethodDelete, "/api/storage/counter", nil); w.Code != http.StatusOK {
		t.Errorf("delete: status = %d", w.Code)
	}
	if ts.engine.Storage().HasKey("counter") {
		t.Error("counter still stored")
	}
}

func TestEventsReachWebSocketHub(t *testing.T) {
	ts := newTestServer(t)

	client := &wsClient{send: make(chan []byte, 16)}
	ts.wsHub.register <- client
	waitFor(t, func() bool {
		ts.wsHub.mu.RLock()
		defer ts.wsHub.mu.RUnlock()
		return len(ts.wsHub.clients) == 1
	})

	ts.do(t, http.MethodPost, "/api/rules/_inline/run", runRequest{Script: `log.w("careful")`})

	select {
	case raw := <-client.send:
		var ev events.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Type != events.EventScriptLog {
			t.Errorf("event type = %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event forwarded")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
