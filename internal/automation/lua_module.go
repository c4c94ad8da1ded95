package automation

import (
	"strconv"
	"strings"

	luajson "github.com/alicebob/gopher-json"
	lua "github.com/yuin/gopher-lua"
)

// guard wraps a capability so a Go panic inside it is logged and turned
// into "no result" instead of aborting the calling script.
func guard(inv *invocation, name string, fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) (n int) {
		defer func() {
			if r := recover(); r != nil {
				if apiErr, ok := r.(*lua.ApiError); ok {
					panic(apiErr)
				}
				inv.logger.Error("capability panic", "fn", name, "panic", r)
				n = 0
			}
		}()
		return fn(L)
	}
}

// setFuncs installs fns on a new global table called name.
func setFuncs(L *lua.LState, inv *invocation, name string, fns map[string]lua.LGFunction) *lua.LTable {
	mod := L.NewTable()
	for fnName, fn := range fns {
		mod.RawSetString(fnName, L.NewFunction(guard(inv, name+"."+fnName, fn)))
	}
	L.SetGlobal(name, mod)
	return mod
}

// registerJSONModule installs the `json` table (encode/decode).
func registerJSONModule(L *lua.LState) {
	L.Push(L.NewFunction(luajson.Loader))
	L.Call(0, 1)
	L.SetGlobal("json", L.Get(-1))
	L.Pop(1)
}

// optString returns argument n as a string. Numbers are formatted; any
// other type, nil included, yields "".
func optString(L *lua.LState, n int) string {
	switch v := L.Get(n).(type) {
	case lua.LString:
		return string(v)
	case lua.LNumber:
		return v.String()
	}
	return ""
}

// optTable returns argument n if it is a table.
func optTable(L *lua.LState, n int) *lua.LTable {
	t, _ := L.Get(n).(*lua.LTable)
	return t
}

// optNumber returns argument n as a number, or def.
func optNumber(L *lua.LState, n int, def float64) float64 {
	switch v := L.Get(n).(type) {
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		if f, err := strconv.ParseFloat(strings.TrimSpace(string(v)), 64); err == nil {
			return f
		}
	}
	return def
}
