package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"hostscript/internal/automation"
)

type saveRuleRequest struct {
	Name    string `json:"name"`
	Script  string `json:"script"`
	Enabled bool   `json:"enabled"`
}

// runRequest is the optional body of the run endpoints. Trigger selects the
// entry point to call after evaluating the script.
type runRequest struct {
	Script  string          `json:"script"`
	Trigger string          `json:"trigger"`
	Talker  string          `json:"talker"`
	Content string          `json:"content"`
	Type    int32           `json:"type"`
	IsSend  bool            `json:"isSend"`
	URI     string          `json:"uri"`
	CgiID   int32           `json:"cgiId"`
	Payload json.RawMessage `json:"payload"`
}

func (req runRequest) options() (automation.RunOptions, error) {
	var opts automation.RunOptions
	if req.Trigger == "" {
		return opts, nil
	}
	t, ok := automation.ParseTrigger(req.Trigger)
	if !ok {
		return opts, errUnknownTrigger
	}
	opts.Trigger = t
	opts.Message = automation.MessageEvent{Talker: req.Talker, Content: req.Content, Type: req.Type, IsSend: req.IsSend}
	opts.Protocol = automation.ProtocolEvent{URI: req.URI, CgiID: req.CgiID, Payload: map[string]any{}}
	if len(req.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return opts, err
		}
		opts.Protocol.Payload = payload
	}
	return opts, nil
}

func (s *Server) ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid rule id")
		return 0, false
	}
	return id, true
}

func (s *Server) handleAPIListRules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Registry().List())
}

func (s *Server) handleAPIGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ruleID(w, r)
	if !ok {
		return
	}
	rule, found := s.engine.Registry().Get(id)
	if !found {
		s.writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleAPICreateRule(w http.ResponseWriter, r *http.Request) {
	var req saveRuleRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	rule := s.engine.Registry().Add(automation.AutomationRule{
		Name:    req.Name,
		Script:  req.Script,
		Enabled: req.Enabled,
	})
	s.logger.Info("rule created", "id", rule.ID, "name", rule.Name)
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleAPIUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ruleID(w, r)
	if !ok {
		return
	}
	var req saveRuleRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	updated := automation.AutomationRule{ID: id, Name: req.Name, Script: req.Script, Enabled: req.Enabled}
	if !s.engine.Registry().Replace(id, updated) {
		s.writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAPIDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ruleID(w, r)
	if !ok {
		return
	}
	if !s.engine.Registry().Remove(id) {
		s.writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIToggleRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ruleID(w, r)
	if !ok {
		return
	}
	reg := s.engine.Registry()
	rule, found := reg.Get(id)
	if !found || !reg.SetEnabled(id, !rule.Enabled) {
		s.writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	rule.Enabled = !rule.Enabled
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleAPIRunRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ruleID(w, r)
	if !ok {
		return
	}
	var req runRequest
	if r.ContentLength != 0 && !s.decodeBody(w, r, &req) {
		return
	}
	opts, err := req.options()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, found := s.engine.Registry().Get(id); !found {
		s.writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.RunRule(id, opts))
}

// handleAPIRunInline runs Lua code from the request body without storing it.
func (s *Server) handleAPIRunInline(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	opts, err := req.options()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rule := automation.AutomationRule{Name: "inline", Script: req.Script}
	s.writeJSON(w, http.StatusOK, s.engine.RunScript(rule, opts))
}
