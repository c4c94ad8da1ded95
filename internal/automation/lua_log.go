package automation

import (
	"context"
	"log/slog"
	"strings"

	"hostscript/internal/events"

	lua "github.com/yuin/gopher-lua"
)

// registerLogModule installs `log` (d/i/w/e) and routes print() to log.i.
func registerLogModule(L *lua.LState, inv *invocation) {
	level := func(lv slog.Level, tag string) lua.LGFunction {
		return func(L *lua.LState) int {
			scriptLog(L, inv, lv, tag)
			return 0
		}
	}
	setFuncs(L, inv, "log", map[string]lua.LGFunction{
		"d": level(slog.LevelDebug, "d"),
		"i": level(slog.LevelInfo, "i"),
		"w": level(slog.LevelWarn, "w"),
		"e": level(slog.LevelError, "e"),
	})
	L.SetGlobal("print", L.NewFunction(guard(inv, "print", level(slog.LevelInfo, "i"))))
}

func scriptLog(L *lua.LState, inv *invocation, lv slog.Level, tag string) {
	msg := joinArgs(L)
	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	inv.logger.Log(ctx, lv, "script log", "msg", msg)
	inv.capture("[" + tag + "] " + msg)
	inv.emit(events.EventScriptLog, map[string]any{"level": tag, "msg": msg})
}

// joinArgs renders every argument on the stack and joins them with spaces.
func joinArgs(L *lua.LState) string {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, luaString(L.Get(i)))
	}
	return strings.Join(parts, " ")
}
