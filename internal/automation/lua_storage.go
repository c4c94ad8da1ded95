package automation

import (
	"hostscript/internal/kvstore"

	lua "github.com/yuin/gopher-lua"
)

// registerStorageModule installs a key/value table named name backed by kv.
// `storage` is persistent and `cache` lives in memory for the process.
func registerStorageModule(L *lua.LState, name string, kv *kvstore.Store, inv *invocation) {
	setFuncs(L, inv, name, map[string]lua.LGFunction{
		"get": func(L *lua.LState) int {
			v, ok := kv.Get(optString(L, 1))
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(goToLua(L, v))
			return 1
		},
		"getOrDefault": func(L *lua.LState) int {
			if v, ok := kv.Get(optString(L, 1)); ok {
				L.Push(goToLua(L, v))
			} else {
				L.Push(L.Get(2))
			}
			return 1
		},
		"set": func(L *lua.LState) int {
			key := optString(L, 1)
			if key == "" {
				inv.logger.Warn(name+".set without key")
				return 0
			}
			v, err := luaToGo(L.Get(2))
			if err != nil {
				inv.logger.Warn(name+".set: value is not storable", "key", key, "err", err)
				return 0
			}
			kv.Set(key, v)
			return 0
		},
		"remove": func(L *lua.LState) int {
			kv.Remove(optString(L, 1))
			return 0
		},
		"pop": func(L *lua.LState) int {
			v, ok := kv.Pop(optString(L, 1))
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(goToLua(L, v))
			return 1
		},
		"hasKey": func(L *lua.LState) int {
			L.Push(lua.LBool(kv.HasKey(optString(L, 1))))
			return 1
		},
		"keys": func(L *lua.LState) int {
			L.Push(goToLua(L, kv.Keys()))
			return 1
		},
		"size": func(L *lua.LState) int {
			L.Push(lua.LNumber(kv.Size()))
			return 1
		},
		"isEmpty": func(L *lua.LState) int {
			L.Push(lua.LBool(kv.IsEmpty()))
			return 1
		},
		"clear": func(L *lua.LState) int {
			kv.Clear()
			return 0
		},
	})
}
