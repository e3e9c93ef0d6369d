// Package api serves the control surface: run status, start and stop, and
// read-only views of the valves, the flow counter and the pump request.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/zone-irrigation/internal/httputil"
	"github.com/banshee-data/zone-irrigation/internal/irrigation"
	"github.com/banshee-data/zone-irrigation/internal/monitoring"
	"github.com/banshee-data/zone-irrigation/internal/runstate"
	"github.com/banshee-data/zone-irrigation/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const maxBodySize = 64 * 1024

// Controller is the part of the irrigation controller the API drives.
type Controller interface {
	Start(hours float64) bool
	Stop() bool
	Status() irrigation.Report
	OpenValveNumbers() []int
	WaterCounter() int64
	FlowRateGPM() float64
	IsPumpRequested() bool
}

// EventLog lists recent run events, newest first.
type EventLog interface {
	RunEvents(limit int) ([]runstate.Event, error)
}

type Server struct {
	ctl     Controller
	valves  []int
	events  EventLog
	metrics *monitoring.Metrics
}

// NewServer returns a server for ctl. valves lists every valve number on
// the rig. events and metrics may be nil.
func NewServer(ctl Controller, valves []int, events EventLog, metrics *monitoring.Metrics) *Server {
	return &Server{
		ctl:     ctl,
		valves:  valves,
		events:  events,
		metrics: metrics,
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
	case statusCode >= 400:
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
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.showStatus)
	mux.HandleFunc("/start", s.startRun)
	mux.HandleFunc("/stop", s.stopRun)
	mux.HandleFunc("/valves", s.showValves)
	mux.HandleFunc("/counter", s.showCounter)
	mux.HandleFunc("/gpm", s.showFlowRate)
	mux.HandleFunc("/pump", s.showPump)
	mux.HandleFunc("/events", s.listEvents)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.Handle("/static/", http.StripPrefix("/static", StaticHandler()))
	mux.HandleFunc("/{$}", s.showIndex)
	return mux
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, s.ctl.Status())
}

type startRequest struct {
	Hours *float64 `json:"hours"`
}

// parseHours accepts a JSON body or a form (urlencoded or multipart) with
// an "hours" field.
func parseHours(r *http.Request) (float64, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return 0, errors.New("invalid JSON body")
		}
		if req.Hours == nil {
			return 0, errors.New("missing hours")
		}
		return *req.Hours, nil
	}
	raw := r.FormValue("hours")
	if raw == "" {
		return 0, errors.New("missing hours")
	}
	hours, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.New("hours must be a number")
	}
	return hours, nil
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	hours, err := parseHours(r)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if hours > irrigation.MaxRunHours {
		httputil.WriteJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("hours must be at most %d", irrigation.MaxRunHours))
		return
	}
	if math.IsNaN(hours) || !s.ctl.Start(hours) {
		httputil.WriteJSONError(w, http.StatusBadRequest, "hours must be a positive number")
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"success": true,
		"status":  s.ctl.Status(),
	})
}

func (s *Server) stopRun(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodPost) {
		return
	}
	stopped := s.ctl.Stop()
	httputil.WriteJSONOK(w, map[string]interface{}{
		"success": true,
		"stopped": stopped,
	})
}

// showValves reports every valve keyed by number, read from the board.
func (s *Server) showValves(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	open := map[int]bool{}
	for _, n := range s.ctl.OpenValveNumbers() {
		open[n] = true
	}
	resp := make(map[string]bool, len(s.valves))
	for _, n := range s.valves {
		resp[strconv.Itoa(n)] = open[n]
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showCounter(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, map[string]int64{"counter": s.ctl.WaterCounter()})
}

func (s *Server) showFlowRate(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, map[string]float64{"gpm": s.ctl.FlowRateGPM()})
}

func (s *Server) showPump(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, map[string]bool{"pump": s.ctl.IsPumpRequested()})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.events == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "Event log not configured")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			httputil.WriteJSONError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	events, err := s.events.RunEvents(limit)
	if err != nil {
		monitoring.Logf("api: listing run events: %v", err)
		httputil.WriteJSONError(w, http.StatusInternalServerError, "Failed to list events")
		return
	}
	if events == nil {
		events = []runstate.Event{}
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) showIndex(w http.ResponseWriter, r *http.Request) {
	http.ServeFileFS(w, r, staticFiles, "static/index.html")
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
