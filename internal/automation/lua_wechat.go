package automation

import (
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
)

// registerWechatModule installs the `wechat` messaging table. The reply*
// functions are only present when the trigger carries a talker.
func registerWechatModule(L *lua.LState, inv *invocation) {
	send := func(L *lua.LState, to string, first int, kind string) int {
		var resp MessageResponse
		switch kind {
		case ResponseText:
			resp = MessageResponse{Type: kind, Content: optString(L, first)}
		case ResponseImage:
			resp = MessageResponse{Type: kind, Path: optString(L, first)}
		case ResponseFile:
			resp = MessageResponse{Type: kind, Path: optString(L, first), Title: optString(L, first+1)}
			if resp.Title == "" && resp.Path != "" {
				resp.Title = filepath.Base(resp.Path)
			}
		case ResponseVoice:
			resp = MessageResponse{Type: kind, Path: optString(L, first), Duration: int32(optNumber(L, first+1, 0))}
		}
		if resp.Content == "" && resp.Path == "" {
			inv.logger.Warn("wechat."+kind+": nothing to send", "to", to)
			L.Push(lua.LFalse)
			return 1
		}
		L.Push(lua.LBool(inv.deliver(to, resp)))
		return 1
	}
	appMsg := func(L *lua.LState, to string, first int) int {
		xml := optString(L, first)
		if to == "" || xml == "" {
			inv.logger.Warn("wechat.sendAppMsg: missing recipient or body")
			L.Push(lua.LFalse)
			return 1
		}
		L.Push(lua.LBool(inv.sender.SendXMLAppMsg(to, xml)))
		return 1
	}

	fns := map[string]lua.LGFunction{
		"sendText":  func(L *lua.LState) int { return send(L, optString(L, 1), 2, ResponseText) },
		"sendImage": func(L *lua.LState) int { return send(L, optString(L, 1), 2, ResponseImage) },
		"sendFile":  func(L *lua.LState) int { return send(L, optString(L, 1), 2, ResponseFile) },
		"sendVoice": func(L *lua.LState) int { return send(L, optString(L, 1), 2, ResponseVoice) },
		"sendAppMsg": func(L *lua.LState) int {
			return appMsg(L, optString(L, 1), 2)
		},
		"getSelfWxId": func(L *lua.LState) int {
			L.Push(lua.LString(inv.e.cfg.Identity.WxID))
			return 1
		},
		"getSelfAlias": func(L *lua.LState) int {
			L.Push(lua.LString(inv.e.cfg.Identity.Alias))
			return 1
		},
	}

	if talker := inv.talker; talker != "" {
		fns["replyText"] = func(L *lua.LState) int { return send(L, talker, 1, ResponseText) }
		fns["replyImage"] = func(L *lua.LState) int { return send(L, talker, 1, ResponseImage) }
		fns["replyFile"] = func(L *lua.LState) int { return send(L, talker, 1, ResponseFile) }
		fns["replyVoice"] = func(L *lua.LState) int { return send(L, talker, 1, ResponseVoice) }
		fns["replyAppMsg"] = func(L *lua.LState) int { return appMsg(L, talker, 1) }
	}

	setFuncs(L, inv, "wechat", fns)
}
