// Package gateway exposes the investigation API over HTTP: alert intake,
// record retrieval, and a WebSocket stream of bus events.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aegis-soc/aegis/internal/analyst"
	"github.com/aegis-soc/aegis/internal/bus"
	"github.com/aegis-soc/aegis/internal/investigation"
	"github.com/aegis-soc/aegis/internal/persistence"
)

const maxAlertBytes = 64 * 1024

// Investigator runs one investigation to a terminal state.
// *engine.Runner satisfies it.
type Investigator interface {
	Run(ctx context.Context, alert, priority string) (*investigation.State, error)
}

// Analyst answers one-off dataset questions outside any investigation.
// *analyst.Analyst satisfies it.
type Analyst interface {
	Analyze(ctx context.Context, question string) (analyst.Answer, error)
}

// Store is the read side of the investigation store the gateway serves.
type Store interface {
	GetInvestigation(ctx context.Context, incidentID string) (*investigation.State, error)
	ListRecent(ctx context.Context, limit int) ([]persistence.InvestigationSummary, error)
}

type Config struct {
	Store   Store
	Runner  Investigator
	Analyst Analyst
	Bus     *bus.Bus

	// AuthToken protects all endpoints except /healthz when set.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/investigations", s.handleInvestigations)
	mux.HandleFunc("/investigations/", s.handleInvestigationByID)
	mux.HandleFunc("/analyze", s.handleAnalyze)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.ListRecent(r.Context(), 1); err != nil {
		dbOK = false
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	})
}

type investigateRequest struct {
	Alert    string `json:"alert"`
	Priority string `json:"priority,omitempty"`
}

func (s *Server) handleInvestigations(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleCreate(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleCreate runs the investigation synchronously and returns the
// terminal record. A failed investigation is still a 200: the record
// itself carries the failed status.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req investigateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAlertBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Alert) == "" {
		writeError(w, http.StatusBadRequest, "alert is required")
		return
	}

	st, err := s.cfg.Runner.Run(r.Context(), req.Alert, req.Priority)
	if err != nil {
		s.logger.Error("investigation run failed", "error", err)
		if st == nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1..500")
			return
		}
		limit = n
	}
	summaries, err := s.cfg.Store.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"investigations": summaries})
}

type analyzeRequest struct {
	Question string `json:"question"`
}

// handleAnalyze runs a single ad-hoc analyst question against the local
// dataset. No investigation record is created. An unsuccessful answer is
// still a 200: the answer carries its own success flag and error.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Analyst == nil {
		writeError(w, http.StatusServiceUnavailable, "analyst unavailable")
		return
	}

	var req analyzeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAlertBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	ans, err := s.cfg.Analyst.Analyze(r.Context(), req.Question)
	if err != nil {
		s.logger.Error("ad-hoc analysis failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (s *Server) handleInvestigationByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	incidentID := strings.TrimPrefix(r.URL.Path, "/investigations/")
	if incidentID == "" || strings.Contains(incidentID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	st, err := s.cfg.Store.GetInvestigation(r.Context(), incidentID)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "investigation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// authorize checks the bearer token. An empty configured token leaves
// the gateway open; bind to loopback in that case.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
