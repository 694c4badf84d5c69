package api

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/traffic.replay/internal/db"
	"github.com/banshee-data/traffic.replay/internal/httputil"
	"github.com/banshee-data/traffic.replay/internal/ipsum"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server exposes the replay control surface over HTTP: live progress of the
// running replayer plus the run history kept in the database. The database
// is optional; history endpoints report unavailable when it is absent.
type Server struct {
	rep  *ipsum.Replayer
	db   *db.DB
	tail *tailBroadcast
}

func NewServer(rep *ipsum.Replayer, database *db.DB) *Server {
	return &Server{
		rep:  rep,
		db:   database,
		tail: newTailBroadcast(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400 && statusCode < 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/active", s.setActive)
	mux.HandleFunc("/api/stop", s.stopReplay)
	mux.HandleFunc("/api/runs", s.listRuns)
	return mux
}

// Observe feeds one emitted packet into the live tail stream. The emit loop
// calls this for every packet it hands downstream.
func (s *Server) Observe(p *ipsum.Packet) {
	s.tail.publish(packetSummary(p))
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.rep.Stats())
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	active, err := strconv.ParseBool(r.FormValue("active"))
	if err != nil {
		httputil.BadRequest(w, "Invalid 'active' parameter")
		return
	}

	s.rep.SetActive(active)
	httputil.WriteJSONOK(w, map[string]bool{"active": s.rep.Active()})
}

func (s *Server) stopReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	s.rep.Stop()
	httputil.WriteJSONOK(w, map[string]bool{"active": s.rep.Active()})
}

// runDetail is the single-run response shape: the run row plus its protocol
// histogram.
type runDetail struct {
	db.ReplayRun
	Protocols []db.ProtocolCount `json:"protocols"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "No runs database attached")
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		run, err := s.db.Run(id)
		if errors.Is(err, sql.ErrNoRows) {
			httputil.NotFound(w, fmt.Sprintf("No such run %s", id))
			return
		}
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve run: %v", err))
			return
		}
		protocols, err := s.db.RunProtocols(id)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve run protocols: %v", err))
			return
		}
		httputil.WriteJSONOK(w, runDetail{ReplayRun: run, Protocols: protocols})
		return
	}

	limit := 50 // default value
	if l := r.URL.Query().Get("limit"); l != "" {
		parsedLimit, err := strconv.Atoi(l)
		if err != nil || parsedLimit < 1 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = parsedLimit
	}

	runs, err := s.db.Runs(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve runs: %v", err))
		return
	}
	httputil.WriteJSONOK(w, runs)
}
