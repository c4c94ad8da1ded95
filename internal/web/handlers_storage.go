package web

import "net/http"

func (s *Server) handleAPIListStorage(w http.ResponseWriter, r *http.Request) {
	kv := s.engine.Storage()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"keys": kv.Keys(),
		"size": kv.Size(),
	})
}

func (s *Server) handleAPIGetStorage(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	v, ok := s.engine.Storage().Get(key)
	if !ok {
		s.writeError(w, http.StatusNotFound, "key not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": v})
}

func (s *Server) handleAPIDeleteStorage(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if _, ok := s.engine.Storage().Pop(key); !ok {
		s.writeError(w, http.StatusNotFound, "key not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
