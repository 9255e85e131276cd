// Package admin exposes the control surface the dashboard host uses to
// steer the core: balance overrides, symbol/interval switches, and the
// endpoint toggle. This is a deliberate, explicit API; nothing here is
// reachable unless the host mounts it.
package admin

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"streamdesk/internal/journal"
	"streamdesk/internal/ledger"
	"streamdesk/internal/stream"
)

// Server wires the control endpoints onto an http.ServeMux.
type Server struct {
	manager   *stream.Manager
	scheduler *ledger.Scheduler
	journal   *journal.Journal // may be nil
	srv       *http.Server
}

// NewServer builds the control server on addr.
func NewServer(addr string, manager *stream.Manager, scheduler *ledger.Scheduler, j *journal.Journal) *Server {
	s := &Server{manager: manager, scheduler: scheduler, journal: j}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/state", s.handleState)
	mux.HandleFunc("/api/v1/balances", s.handleBalances)
	mux.HandleFunc("/api/v1/symbol", s.handleSymbol)
	mux.HandleFunc("/api/v1/interval", s.handleInterval)
	mux.HandleFunc("/api/v1/endpoint", s.handleEndpoint)
	mux.HandleFunc("/api/v1/trades", s.handleTrades)

	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start launches the server in a background goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[admin] control API on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[admin] server error: %v", err)
		}
	}()
}

// Handler returns the underlying handler, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	writeJSON(w, map[string]interface{}{
		"stream": s.manager.Status(),
		"ledger": s.scheduler.State(),
	})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req struct {
		Wallet float64 `json:"wallet"`
		Pool   float64 `json:"pool"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.scheduler.SetBalances(req.Wallet, req.Pool); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleSymbol(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"symbol\": \"...\"}")
		return
	}
	s.manager.SetSymbol(req.Symbol)
	writeJSON(w, s.manager.Status())
}

func (s *Server) handleInterval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req struct {
		Interval string `json:"interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Interval == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"interval\": \"...\"}")
		return
	}
	s.manager.SetInterval(req.Interval)
	writeJSON(w, s.manager.Status())
}

func (s *Server) handleEndpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req struct {
		UseSecondary bool `json:"use_secondary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be {\"use_secondary\": bool}")
		return
	}
	s.manager.SetUseSecondary(req.UseSecondary)
	writeJSON(w, s.manager.Status())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	if s.journal == nil {
		writeJSON(w, []journal.Row{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}
	rows, err := s.journal.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []journal.Row{}
	}
	writeJSON(w, rows)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
