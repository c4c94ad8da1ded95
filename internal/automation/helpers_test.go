package automation

import (
	"log/slog"
	"os"
	"sync"
	"testing"

	"hostscript/internal/events"
	"hostscript/internal/kvstore"
	"hostscript/internal/store"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSender records every message and answers with ok.
type fakeSender struct {
	mu   sync.Mutex
	sent []SentMessage
	ok   bool
}

func newFakeSender() *fakeSender { return &fakeSender{ok: true} }

func (f *fakeSender) record(m SentMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return f.ok
}

func (f *fakeSender) messages() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

func (f *fakeSender) SendText(to, text string) bool {
	return f.record(SentMessage{Kind: "text", To: to, Content: text})
}

func (f *fakeSender) SendImage(to, path string) bool {
	return f.record(SentMessage{Kind: "image", To: to, Path: path})
}

func (f *fakeSender) SendFile(to, path, title string) bool {
	return f.record(SentMessage{Kind: "file", To: to, Path: path, Title: title})
}

func (f *fakeSender) SendVoice(to, path string, durationMs int32) bool {
	return f.record(SentMessage{Kind: "voice", To: to, Path: path, Duration: durationMs})
}

func (f *fakeSender) SendXMLAppMsg(to, xml string) bool {
	return f.record(SentMessage{Kind: "appmsg", To: to, Content: xml})
}

type testEnv struct {
	engine  *Engine
	sender  *fakeSender
	storage *kvstore.Store
	bus     *events.Bus
}

func newTestEnv(t *testing.T, scripts ...string) *testEnv {
	t.Helper()
	reg := NewRegistry(testLogger(), nil)
	for i, src := range scripts {
		reg.Add(store.AutomationRule{Name: "rule" + string(rune('A'+i)), Script: src, Enabled: true})
	}
	env := &testEnv{
		sender:  newFakeSender(),
		storage: kvstore.NewMemory(),
		bus:     events.NewBus(testLogger()),
	}
	env.engine = NewEngine(reg, env.storage, env.sender, env.bus, testLogger(), Config{
		CacheDir: t.TempDir(),
		Identity: Identity{WxID: "wxid_self", Alias: "selfbot"},
	})
	return env
}

// runLua executes code in a fresh sandboxed state bound to talker and
// returns the state for inspecting globals. The state is closed on cleanup.
func (env *testEnv) runLua(t *testing.T, talker, code string) *lua.LState {
	t.Helper()
	inv := env.engine.newInvocation(store.AutomationRule{Name: "test"}, "trace", talker)
	L := env.engine.newState(inv)
	t.Cleanup(L.Close)
	if err := L.DoString(code); err != nil {
		t.Fatalf("lua error: %v", err)
	}
	return L
}
