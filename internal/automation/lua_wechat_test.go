package automation

import (
	"reflect"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestWechatSend(t *testing.T) {
	env := newTestEnv(t)
	L := env.runLua(t, "", `
ok = wechat.sendText("alice", "hi")
wechat.sendImage("alice", "/img/a.png")
wechat.sendFile("alice", "/docs/report.pdf")
wechat.sendFile("alice", "/docs/raw.bin", "Data")
wechat.sendVoice("alice", "/v/1.silk", 2300)
wechat.sendAppMsg("alice", "<msg/>")
empty = wechat.sendText("alice", "")
`)

	if L.GetGlobal("ok") != lua.LTrue {
		t.Errorf("sendText returned %v", L.GetGlobal("ok"))
	}
	if L.GetGlobal("empty") != lua.LFalse {
		t.Errorf("empty sendText returned %v", L.GetGlobal("empty"))
	}
	want := []SentMessage{
		{Kind: "text", To: "alice", Content: "hi"},
		{Kind: "image", To: "alice", Path: "/img/a.png"},
		{Kind: "file", To: "alice", Path: "/docs/report.pdf", Title: "report.pdf"},
		{Kind: "file", To: "alice", Path: "/docs/raw.bin", Title: "Data"},
		{Kind: "voice", To: "alice", Path: "/v/1.silk", Duration: 2300},
		{Kind: "appmsg", To: "alice", Content: "<msg/>"},
	}
	if got := env.sender.messages(); !reflect.DeepEqual(got, want) {
		t.Errorf("sent = %+v\nwant %+v", got, want)
	}
}

func TestWechatReplyBoundToTalker(t *testing.T) {
	env := newTestEnv(t)
	env.runLua(t, "room@chatroom", `
wechat.replyText("hello room")
wechat.replyFile("/x/y.txt")
`)

	want := []SentMessage{
		{Kind: "text", To: "room@chatroom", Content: "hello room"},
		{Kind: "file", To: "room@chatroom", Path: "/x/y.txt", Title: "y.txt"},
	}
	if got := env.sender.messages(); !reflect.DeepEqual(got, want) {
		t.Errorf("sent = %+v", got)
	}
}

func TestWechatReplyAbsentWithoutTalker(t *testing.T) {
	env := newTestEnv(t)
	L := env.runLua(t, "", `has = wechat.replyText ~= nil`)
	if L.GetGlobal("has") != lua.LFalse {
		t.Error("replyText defined without a talker")
	}
}

func TestWechatIdentity(t *testing.T) {
	env := newTestEnv(t)
	L := env.runLua(t, "", `id = wechat.getSelfWxId(); alias = wechat.getSelfAlias()`)
	if L.GetGlobal("id") != lua.LString("wxid_self") || L.GetGlobal("alias") != lua.LString("selfbot") {
		t.Errorf("id = %v alias = %v", L.GetGlobal("id"), L.GetGlobal("alias"))
	}
}

func TestWechatSenderFailureIsReported(t *testing.T) {
	env := newTestEnv(t)
	env.sender.ok = false
	L := env.runLua(t, "", `ok = wechat.sendText("alice", "hi")`)
	if L.GetGlobal("ok") != lua.LFalse {
		t.Errorf("ok = %v, want false", L.GetGlobal("ok"))
	}
}
