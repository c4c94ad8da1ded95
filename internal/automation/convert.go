package automation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"
)

// arrayMetaName names the registry metatable that marks tables built from
// Go slices. It lets an empty array survive a round trip through Lua.
const arrayMetaName = "hostscript.array"

const maxConvertDepth = 64

var errTooDeep = errors.New("value nested too deeply or cyclic")

func arrayMeta(L *lua.LState) *lua.LTable {
	mt := L.NewTypeMetatable(arrayMetaName)
	mt.RawSetString("__jsontype", lua.LString("array"))
	return mt
}

func isArrayTable(t *lua.LTable) bool {
	mt, ok := t.Metatable.(*lua.LTable)
	return ok && mt.RawGetString("__jsontype") == lua.LString("array")
}

// newArray returns an empty table marked as a JSON array.
func newArray(L *lua.LState) *lua.LTable {
	t := L.NewTable()
	L.SetMetatable(t, arrayMeta(L))
	return t
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return lua.LString(val.String())
		}
		return lua.LNumber(f)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := newArray(L)
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	case []string:
		t := newArray(L)
		for i, s := range val {
			t.RawSetInt(i+1, lua.LString(s))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value to its JSON-compatible Go form: nil, bool,
// float64, string, []any or map[string]any.
//
// A table is an array when it carries the array marker or when its keys are
// exactly 1..n. An empty unmarked table becomes an empty object. Functions,
// userdata, threads and channels cannot be represented and return an error.
func luaToGo(v lua.LValue) (any, error) {
	return luaToGoDepth(v, 0)
}

func luaToGoDepth(v lua.LValue, depth int) (any, error) {
	if depth > maxConvertDepth {
		return nil, errTooDeep
	}
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("number %v has no JSON form", f)
		}
		return f, nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		return tableToGo(val, depth)
	}
	return nil, fmt.Errorf("cannot convert %s to JSON", v.Type())
}

func tableToGo(t *lua.LTable, depth int) (any, error) {
	n, count, sequence := tableShape(t)

	if isArrayTable(t) || (count > 0 && sequence && n == count) {
		arr := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			item, err := luaToGoDepth(t.RawGetInt(i), depth+1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
		return arr, nil
	}

	obj := make(map[string]any, count)
	var convErr error
	t.ForEach(func(k, v lua.LValue) {
		if convErr != nil {
			return
		}
		var key string
		switch kk := k.(type) {
		case lua.LString:
			key = string(kk)
		case lua.LNumber:
			key = kk.String()
		default:
			convErr = fmt.Errorf("cannot use %s as object key", k.Type())
			return
		}
		item, err := luaToGoDepth(v, depth+1)
		if err != nil {
			convErr = err
			return
		}
		if item != nil {
			obj[key] = item
		}
	})
	if convErr != nil {
		return nil, convErr
	}
	return obj, nil
}

// tableShape reports the highest positive integer key, the total key count
// and whether every key is a positive integer.
func tableShape(t *lua.LTable) (maxN, count int, sequence bool) {
	sequence = true
	t.ForEach(func(k, _ lua.LValue) {
		count++
		num, ok := k.(lua.LNumber)
		if !ok || float64(num) != math.Trunc(float64(num)) || num < 1 {
			sequence = false
			return
		}
		if int(num) > maxN {
			maxN = int(num)
		}
	})
	return maxN, count, sequence
}

// luaToJSON encodes a Lua value as JSON text.
func luaToJSON(v lua.LValue) ([]byte, error) {
	g, err := luaToGo(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(g)
}

// luaString renders a scalar argument the way log lines and query
// parameters expect it. Tables are encoded as JSON when possible.
func luaString(v lua.LValue) string {
	switch val := v.(type) {
	case *lua.LNilType:
		return "nil"
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if raw, err := luaToJSON(val); err == nil {
			return string(raw)
		}
	}
	return v.String()
}

// decodeJSON parses one JSON value, keeping numbers as json.Number so
// integers beyond 2^53 survive a re-encode.
func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}
