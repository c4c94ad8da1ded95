// Package trigger adapts host callbacks into engine dispatches.
//
// The host delivers raw chat rows and protocol buffers; dispatchers apply
// the per-trigger switches, filter rows that should never reach scripts and
// convert payloads to and from the engine's JSON values.
package trigger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"hostscript/internal/automation"
)

// MessageEngine runs onMessage rules.
type MessageEngine interface {
	DispatchMessage(ev automation.MessageEvent)
}

// ProtocolEngine runs onRequest/onResponse pipelines.
type ProtocolEngine interface {
	DispatchRequest(uri string, cgiID int32, payload any) (any, bool)
	DispatchResponse(uri string, cgiID int32, payload any) (any, bool)
}

// Switches turn individual triggers on and off.
type Switches struct {
	Message         bool
	Request         bool
	Response        bool
	IncludeOutgoing bool // deliver rows the host account sent itself
}

// AllOn enables every trigger except outgoing rows.
func AllOn() Switches {
	return Switches{Message: true, Request: true, Response: true}
}

// switchSet holds Switches that can be flipped while dispatching.
type switchSet struct {
	message, request, response, outgoing atomic.Bool
}

func (s *switchSet) store(sw Switches) {
	s.message.Store(sw.Message)
	s.request.Store(sw.Request)
	s.response.Store(sw.Response)
	s.outgoing.Store(sw.IncludeOutgoing)
}

func (s *switchSet) load() Switches {
	return Switches{
		Message:         s.message.Load(),
		Request:         s.request.Load(),
		Response:        s.response.Load(),
		IncludeOutgoing: s.outgoing.Load(),
	}
}

func (s *switchSet) set(t automation.Trigger, on bool) error {
	switch t {
	case automation.TriggerMessage:
		s.message.Store(on)
	case automation.TriggerRequest:
		s.request.Store(on)
	case automation.TriggerResponse:
		s.response.Store(on)
	default:
		return fmt.Errorf("unknown trigger %q", t)
	}
	return nil
}

// MessageDispatcher feeds inbound chat rows to the engine.
type MessageDispatcher struct {
	engine   MessageEngine
	switches switchSet
	logger   *slog.Logger
}

// NewMessageDispatcher creates a dispatcher with the given switches.
func NewMessageDispatcher(engine MessageEngine, sw Switches, logger *slog.Logger) *MessageDispatcher {
	d := &MessageDispatcher{engine: engine, logger: logger.With("component", "trigger.message")}
	d.switches.store(sw)
	return d
}

// Switches returns the current switch state.
func (d *MessageDispatcher) Switches() Switches { return d.switches.load() }

// SetEnabled flips the message trigger.
func (d *MessageDispatcher) SetEnabled(on bool) { d.switches.message.Store(on) }

// OnMessage is called by the host for every new chat row. It reports
// whether the row was dispatched.
func (d *MessageDispatcher) OnMessage(talker, content string, msgType int32, isSend bool) bool {
	sw := d.switches.load()
	switch {
	case !sw.Message:
		return false
	case isSend && !sw.IncludeOutgoing:
		d.logger.Debug("skip outgoing row", "talker", talker)
		return false
	case strings.TrimSpace(content) == "":
		d.logger.Debug("skip blank row", "talker", talker, "type", msgType)
		return false
	case talker == "":
		d.logger.Warn("skip row without talker", "type", msgType)
		return false
	}

	d.engine.DispatchMessage(automation.MessageEvent{
		Talker:  talker,
		Content: content,
		Type:    msgType,
		IsSend:  isSend,
	})
	return true
}

// Codec converts protocol buffers to and from engine payload values.
type Codec interface {
	Decode(raw []byte) (any, error)
	Encode(payload any) ([]byte, error)
}

// JSONCodec treats protocol buffers as JSON text.
type JSONCodec struct{}

// Decode parses raw as JSON. Numbers decode as json.Number so 64-bit ids
// keep every digit.
func (JSONCodec) Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode payload: trailing data")
	}
	return v, nil
}

// Encode marshals payload as compact JSON.
func (JSONCodec) Encode(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// ProtocolDispatcher runs outgoing requests and incoming responses through
// the engine pipeline.
type ProtocolDispatcher struct {
	engine   ProtocolEngine
	codec    Codec
	switches switchSet
	logger   *slog.Logger
}

// NewProtocolDispatcher creates a dispatcher. A nil codec selects JSONCodec.
func NewProtocolDispatcher(engine ProtocolEngine, codec Codec, sw Switches, logger *slog.Logger) *ProtocolDispatcher {
	if codec == nil {
		codec = JSONCodec{}
	}
	d := &ProtocolDispatcher{engine: engine, codec: codec, logger: logger.With("component", "trigger.protocol")}
	d.switches.store(sw)
	return d
}

// Switches returns the current switch state.
func (d *ProtocolDispatcher) Switches() Switches { return d.switches.load() }

// SetEnabled flips the request or response trigger.
func (d *ProtocolDispatcher) SetEnabled(t automation.Trigger, on bool) error {
	if t == automation.TriggerMessage {
		return fmt.Errorf("protocol dispatcher has no %q trigger", t)
	}
	return d.switches.set(t, on)
}

// OnRequest transforms an outgoing request body. ok is false when the
// trigger is off, no rule changed the payload or the body could not be
// processed; the caller then sends the original bytes.
func (d *ProtocolDispatcher) OnRequest(uri string, cgiID int32, raw []byte) ([]byte, bool) {
	if !d.switches.request.Load() {
		return nil, false
	}
	return d.run(automation.TriggerRequest, uri, cgiID, raw, d.engine.DispatchRequest)
}

// OnResponse transforms an incoming response body. See OnRequest.
func (d *ProtocolDispatcher) OnResponse(uri string, cgiID int32, raw []byte) ([]byte, bool) {
	if !d.switches.response.Load() {
		return nil, false
	}
	return d.run(automation.TriggerResponse, uri, cgiID, raw, d.engine.DispatchResponse)
}

func (d *ProtocolDispatcher) run(t automation.Trigger, uri string, cgiID int32, raw []byte, dispatch func(string, int32, any) (any, bool)) ([]byte, bool) {
	payload, err := d.codec.Decode(raw)
	if err != nil {
		d.logger.Warn("skip undecodable payload", "trigger", t, "uri", uri, "cgi", cgiID, "err", err)
		return nil, false
	}

	result, changed := dispatch(uri, cgiID, payload)
	if !changed {
		return nil, false
	}
	out, err := d.codec.Encode(result)
	if err != nil {
		d.logger.Warn("skip unencodable payload", "trigger", t, "uri", uri, "cgi", cgiID, "err", err)
		return nil, false
	}
	return out, true
}
