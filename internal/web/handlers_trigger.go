package web

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"hostscript/internal/automation"
)

var errUnknownTrigger = errors.New("unknown trigger")

type triggerState struct {
	Message         bool `json:"message"`
	Request         bool `json:"request"`
	Response        bool `json:"response"`
	IncludeOutgoing bool `json:"include_outgoing"`
}

func (s *Server) triggerState() triggerState {
	var st triggerState
	if s.messages != nil {
		sw := s.messages.Switches()
		st.Message, st.IncludeOutgoing = sw.Message, sw.IncludeOutgoing
	}
	if s.protocol != nil {
		sw := s.protocol.Switches()
		st.Request, st.Response = sw.Request, sw.Response
	}
	return st
}

func (s *Server) handleAPIGetTriggers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.triggerState())
}

// handleAPISetTrigger flips one trigger: PUT /api/triggers/request {"enabled":false}.
func (s *Server) handleAPISetTrigger(w http.ResponseWriter, r *http.Request) {
	t, ok := automation.ParseTrigger(r.PathValue("name"))
	if !ok {
		s.writeError(w, http.StatusNotFound, errUnknownTrigger.Error())
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	switch {
	case t == automation.TriggerMessage && s.messages != nil:
		s.messages.SetEnabled(req.Enabled)
	case t != automation.TriggerMessage && s.protocol != nil:
		if err := s.protocol.SetEnabled(t, req.Enabled); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	default:
		s.writeError(w, http.StatusServiceUnavailable, "trigger dispatchers not available")
		return
	}
	s.logger.Info("trigger switched", "trigger", t, "enabled", req.Enabled)
	s.writeJSON(w, http.StatusOK, s.triggerState())
}

// handleAPITriggerMessage accepts a chat row from the host.
func (s *Server) handleAPITriggerMessage(w http.ResponseWriter, r *http.Request) {
	if s.messages == nil {
		s.writeError(w, http.StatusServiceUnavailable, "trigger dispatchers not available")
		return
	}
	var ev automation.MessageEvent
	if !s.decodeBody(w, r, &ev) {
		return
	}
	dispatched := s.messages.OnMessage(ev.Talker, ev.Content, ev.Type, ev.IsSend)
	s.writeJSON(w, http.StatusOK, map[string]bool{"dispatched": dispatched})
}

// handleAPITriggerProtocol runs a raw request or response body through the
// pipeline and answers with the resulting body. When the trigger is off or
// the body is not processable the original body is echoed back.
func (s *Server) handleAPITriggerProtocol(w http.ResponseWriter, r *http.Request) {
	if s.protocol == nil {
		s.writeError(w, http.StatusServiceUnavailable, "trigger dispatchers not available")
		return
	}
	cgi, err := strconv.ParseInt(r.PathValue("cgi"), 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid cgi id")
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	uri := r.URL.Query().Get("uri")
	run := s.protocol.OnRequest
	if strings.HasPrefix(r.URL.Path, "/api/trigger/response/") {
		run = s.protocol.OnResponse
	}

	out, ok := run(uri, int32(cgi), raw)
	if !ok {
		out = raw
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Hostscript-Processed", strconv.FormatBool(ok))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		s.logger.Debug("write trigger response", "err", err)
	}
}
