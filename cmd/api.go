package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/tabcast/tabcast/log"
	"github.com/tabcast/tabcast/session"
)

// sessionController is the slice of the session manager the HTTP API
// needs. Kept as an interface so handler tests can stub it.
type sessionController interface {
	Create(ctx context.Context, params session.CreateParams) (*session.Session, error)
	Get(id string) (*session.Session, error)
	List() []*session.Session
	Touch(id string) error
	SwitchToTab(ctx context.Context, id string, tid target.ID, manual bool) error
	Cleanup(id, reason string)
}

type apiHandler struct {
	manager sessionController
	logger  *log.Logger
	mux     *http.ServeMux
}

// newAPIHandler builds the server's HTTP routes: the websocket endpoint
// for tab event fan-out and the JSON session API under /v1/.
func newAPIHandler(manager sessionController, hub http.Handler, logger *log.Logger) http.Handler {
	h := &apiHandler{manager: manager, logger: logger}
	mux := http.NewServeMux()
	mux.Handle("/socket", hub)
	mux.HandleFunc("/ping", h.handlePing)
	mux.HandleFunc("/v1/sessions", h.handleSessions)
	mux.HandleFunc("/v1/sessions/", h.handleSession)
	h.mux = mux
	return h
}

func (h *apiHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Debugf("api", "%s %s", r.Method, r.URL.Path)
	h.mux.ServeHTTP(w, r)
}

func (h *apiHandler) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

type createRequest struct {
	Task     string          `json:"task"`
	URLs     []string        `json:"urls"`
	AgentCmd []string        `json:"agent_cmd"`
	Options  session.Options `json:"options"`
}

type tabEnvelope struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	IsActive     bool      `json:"is_active"`
	LastActiveAt time.Time `json:"last_active_at"`
}

type sessionEnvelope struct {
	ID            string        `json:"id"`
	Status        string        `json:"status"`
	Platform      string        `json:"platform"`
	CreatedAt     time.Time     `json:"created_at"`
	LastActivity  time.Time     `json:"last_activity"`
	ActiveTabID   string        `json:"active_tab_id,omitempty"`
	CleanupReason string        `json:"cleanup_reason,omitempty"`
	Tabs          []tabEnvelope `json:"tabs"`
}

func newSessionEnvelope(s *session.Session) sessionEnvelope {
	env := sessionEnvelope{
		ID:            s.ID,
		Status:        string(s.Status()),
		Platform:      string(s.Platform()),
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.LastActivity(),
		ActiveTabID:   string(s.ActiveTabID()),
		CleanupReason: s.CleanupReason(),
		Tabs:          []tabEnvelope{},
	}
	for _, t := range s.Tabs() {
		env.Tabs = append(env.Tabs, tabEnvelope{
			ID:           string(t.ID),
			Title:        t.Title,
			URL:          t.URL,
			IsActive:     t.IsActive,
			LastActiveAt: t.LastActiveAt,
		})
	}
	return env
}

func (h *apiHandler) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions := h.manager.List()
		envs := make([]sessionEnvelope, 0, len(sessions))
		for _, s := range sessions {
			envs = append(envs, newSessionEnvelope(s))
		}
		h.writeJSON(w, http.StatusOK, map[string]any{"sessions": envs})

	case http.MethodPost:
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		s, err := h.manager.Create(r.Context(), session.CreateParams{
			Task:     req.Task,
			URLs:     req.URLs,
			AgentCmd: req.AgentCmd,
			Options:  req.Options,
		})
		if err != nil {
			if errors.Is(err, session.ErrCapacityExceeded) {
				h.writeError(w, http.StatusServiceUnavailable, err)
				return
			}
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		h.writeJSON(w, http.StatusCreated, newSessionEnvelope(s))

	default:
		h.writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
	}
}

var errMethodNotAllowed = errors.New("method not allowed")

// handleSession routes /v1/sessions/{id} and /v1/sessions/{id}/{action}.
func (h *apiHandler) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s, err := h.manager.Get(id)
		if err != nil {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.writeJSON(w, http.StatusOK, newSessionEnvelope(s))

	case action == "" && r.Method == http.MethodDelete:
		if _, err := h.manager.Get(id); err != nil {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.manager.Cleanup(id, session.ReasonUserRequested)
		w.WriteHeader(http.StatusNoContent)

	case action == "tabs" && r.Method == http.MethodGet:
		s, err := h.manager.Get(id)
		if err != nil {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		env := newSessionEnvelope(s)
		h.writeJSON(w, http.StatusOK, map[string]any{
			"tabs":          env.Tabs,
			"active_tab_id": env.ActiveTabID,
		})

	case action == "touch" && r.Method == http.MethodPost:
		if err := h.manager.Touch(id); err != nil {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case action == "switch" && r.Method == http.MethodPost:
		var req struct {
			TabID  string `json:"tab_id"`
			Manual *bool  `json:"manual"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.TabID == "" {
			h.writeError(w, http.StatusBadRequest, errors.New("tab_id is required"))
			return
		}
		// Switches through the API count as manual unless said otherwise.
		manual := true
		if req.Manual != nil {
			manual = *req.Manual
		}
		err := h.manager.SwitchToTab(r.Context(), id, target.ID(req.TabID), manual)
		switch {
		case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrTabNotFound):
			h.writeError(w, http.StatusNotFound, err)
		case err != nil:
			h.writeError(w, http.StatusInternalServerError, err)
		default:
			w.WriteHeader(http.StatusNoContent)
		}

	default:
		h.writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
	}
}

func (h *apiHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warnf("api", "could not encode response: %s", err)
	}
}

func (h *apiHandler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
