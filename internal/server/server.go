// Package server exposes the HTTP surface: symbolication, symbol download
// redirects, the missing-symbols CSV export, metrics and health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/g-k/tecken/internal/downloader"
	"github.com/g-k/tecken/internal/symbolicate"
)

// symbolicator runs one symbolication request.
type symbolicator interface {
	Symbolicate(ctx context.Context, req *symbolicate.Request, debug bool) (*symbolicate.Response, error)
}

// symbolDownloader answers existence and URL questions for single symbols.
type symbolDownloader interface {
	HasSymbol(ctx context.Context, debugFile, debugID, symbolFile string) downloader.Result
	SymbolURL(ctx context.Context, debugFile, debugID, symbolFile string) downloader.Result
}

// missingRecorder tallies and exports failed lookups.
type missingRecorder interface {
	Record(ctx context.Context, debugFile, debugID, symbolFile, codeFile, codeID string)
	WriteCSV(ctx context.Context, w io.Writer, day time.Time) error
}

// pinger is the health probe into the shared store.
type pinger interface {
	Ping(ctx context.Context) error
}

// Server routes HTTP traffic to the symbolication engine and downloader.
type Server struct {
	engine     symbolicator
	downloader symbolDownloader
	missing    missingRecorder
	store      pinger
	registry   *prometheus.Registry
	logger     *zap.Logger
}

// New wires the handler dependencies together.
func New(engine symbolicator, dl symbolDownloader, missing missingRecorder, store pinger, registry *prometheus.Registry, logger *zap.Logger) *Server {
	return &Server{
		engine:     engine,
		downloader: dl,
		missing:    missing,
		store:      store,
		registry:   registry,
		logger:     logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /symbolicate/v4", s.handleSymbolicate)
	mux.HandleFunc("POST /{$}", s.handleSymbolicate)
	mux.HandleFunc("GET /missingsymbols.csv", s.handleMissingSymbolsCSV)
	mux.HandleFunc("GET /__heartbeat__", s.handleHeartbeat)
	mux.HandleFunc("GET /__lbheartbeat__", s.handleLBHeartbeat)
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	// GET patterns also match HEAD; the handler branches on the method.
	mux.HandleFunc("GET /{symbol}/{debugid}/{filename}", s.handleDownload)
	return mux
}

// debugRequested reports whether the client asked for debug output via a
// truthy Debug header.
func debugRequested(r *http.Request) bool {
	switch strings.ToLower(strings.TrimSpace(r.Header.Get("Debug"))) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleSymbolicate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	// The shape checks mirror the protocol: bad JSON, non-object bodies,
	// missing keys and version mismatches are each their own complaint.
	var generic any
	if err := json.Unmarshal(body, &generic); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON passed in")
		return
	}
	obj, ok := generic.(map[string]any)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "not a JSON object")
		return
	}
	for _, required := range []string{"stacks", "memoryMap"} {
		if _, ok := obj[required]; !ok {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("missing key JSON %q", required))
			return
		}
	}

	var req symbolicate.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Version != 4 {
		writeJSONError(w, http.StatusBadRequest, "expect version==4")
		return
	}

	resp, err := s.engine.Symbolicate(r.Context(), &req, debugRequested(r))
	if err != nil {
		if errors.Is(err, symbolicate.ErrInvalidModuleIndex) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if r.Context().Err() != nil {
			// Client went away; nothing sensible to write.
			return
		}
		s.logger.Error("symbolication failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "symbolication failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ignoreSymbol spots lookups that are never going to succeed. The MS
// debugger asks for these constantly and they are not worth a probe or a
// missing-symbols record.
func ignoreSymbol(debugID, symbolFile string) bool {
	if symbolFile == "file.ptr" {
		return true
	}
	if debugID == "000000000000000000000000000000000" {
		return true
	}
	return false
}

func setDebugTime(w http.ResponseWriter, elapsed time.Duration) {
	w.Header().Set("Debug-Time", strconv.FormatFloat(elapsed.Seconds(), 'f', -1, 64))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	debugFile := r.PathValue("symbol")
	debugID := r.PathValue("debugid")
	symbolFile := r.PathValue("filename")
	debug := debugRequested(r)

	if ignoreSymbol(debugID, symbolFile) {
		s.logger.Debug("ignoring symbol",
			zap.String("symbol", debugFile+"/"+debugID+"/"+symbolFile))
		if debug {
			w.Header().Set("Debug-Time", "0")
		}
		http.Error(w, "Symbol Not Found (and ignored)", http.StatusNotFound)
		return
	}

	var res downloader.Result
	if r.Method == http.MethodHead {
		res = s.downloader.HasSymbol(r.Context(), debugFile, debugID, symbolFile)
		if res.Found {
			if debug {
				setDebugTime(w, res.Elapsed)
			}
			w.WriteHeader(http.StatusOK)
			return
		}
	} else {
		res = s.downloader.SymbolURL(r.Context(), debugFile, debugID, symbolFile)
		if res.Found {
			if debug {
				setDebugTime(w, res.Elapsed)
			}
			http.Redirect(w, r, res.URL, http.StatusFound)
			return
		}
		// Only GETs carry the extra query-string context worth keeping.
		q := r.URL.Query()
		s.missing.Record(r.Context(), debugFile, debugID, symbolFile,
			q.Get("code_file"), q.Get("code_id"))
	}

	if debug {
		setDebugTime(w, res.Elapsed)
	}
	http.Error(w, "Symbol Not Found", http.StatusNotFound)
}

func (s *Server) handleMissingSymbolsCSV(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if r.URL.Query().Get("today") == "" {
		// The export is meant for yesterday's complete day.
		day = day.AddDate(0, 0, -1)
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "missing-symbols-"+day.Format("2006-01-02")+".csv"))
	if err := s.missing.WriteCSV(r.Context(), w, day); err != nil {
		// Headers are gone; all we can do is note it.
		s.logger.Error("missing symbols CSV export failed", zap.Error(err))
	}
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("heartbeat store ping failed", zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLBHeartbeat(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
}
