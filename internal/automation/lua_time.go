package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerTimeModule installs the `time` table.
func registerTimeModule(L *lua.LState, inv *invocation) {
	setFuncs(L, inv, "time", map[string]lua.LGFunction{
		"sleepS": func(L *lua.LState) int {
			sleep(L, time.Duration(optNumber(L, 1, 0)*float64(time.Second)))
			return 0
		},
		"sleepMs": func(L *lua.LState) int {
			sleep(L, time.Duration(optNumber(L, 1, 0)*float64(time.Millisecond)))
			return 0
		},
		"getCurrentUnixEpoch": func(L *lua.LState) int {
			L.Push(lua.LNumber(time.Now().Unix()))
			return 1
		},
		"datetime":     timeDatetime,
		"time_between": timeBetween,
	})
}

// sleep blocks for d, returning early if the state's context is cancelled.
func sleep(L *lua.LState, d time.Duration) {
	if d <= 0 {
		return
	}
	ctx := L.Context()
	if ctx == nil {
		time.Sleep(d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// time.datetime(component) returns a date/time component, nil if unknown.
func timeDatetime(L *lua.LState) int {
	now := time.Now()

	switch optString(L, 1) {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

// time.time_between(from_hour, to_hour) checks if the current hour is in
// range. Ranges wrap past midnight when from > to.
func timeBetween(L *lua.LState) int {
	from := int(optNumber(L, 1, 0))
	to := int(optNumber(L, 2, 24))
	L.Push(lua.LBool(hourBetween(time.Now().Hour(), from, to)))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		// Normal range: e.g. 8-22
		return hour >= from && hour < to
	}
	// Midnight-wrapping range: e.g. 22-6
	return hour >= from || hour < to
}
