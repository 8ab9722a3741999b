// Package api serves the live presence view and selection commands over HTTP.
package api

import (
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"presencetrack/internal/view"
)

// PresenceTracker is the tracker surface exposed over HTTP.
type PresenceTracker interface {
	View() view.View
	Select(id string) bool
	ClearSelection()
}

type errorResponse struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type selectRequest struct {
	ID string `json:"id"`
}

type selectResponse struct {
	Selected bool       `json:"selected"`
	View     *view.View `json:"view"`
}

// Server routes presence endpoints and, optionally, the metrics handler.
type Server struct {
	tracker PresenceTracker
	router  *mux.Router
}

// NewServer builds the router. metricsHandler may be nil.
func NewServer(tracker PresenceTracker, metricsHandler http.Handler) *Server {
	s := &Server{tracker: tracker, router: mux.NewRouter()}
	s.router.HandleFunc("/v1/presence", s.getPresence).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/presence/selection", s.putSelection).Methods(http.MethodPut)
	s.router.HandleFunc("/v1/presence/selection", s.deleteSelection).Methods(http.MethodDelete)
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)
	if metricsHandler != nil {
		s.router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) getPresence(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.View())
}

// putSelection selects the entity named in the body. An id that is not present
// clears the selection and is reported with selected=false, not as an error.
func (s *Server) putSelection(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		writeError(w, "id required", http.StatusBadRequest)
		return
	}
	ok := s.tracker.Select(id)
	v := s.tracker.View()
	writeJSON(w, http.StatusOK, selectResponse{Selected: ok, View: &v})
}

func (s *Server) deleteSelection(w http.ResponseWriter, _ *http.Request) {
	s.tracker.ClearSelection()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Message: message, Status: status})
}
