// Package api exposes read-only HTTP views of the merged smartspace output
// for widgets and debugging.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"smartspacer/internal/merge"
	"smartspacer/internal/settings"
	"smartspacer/internal/smartspace"

	"go.uber.org/zap"
)

// PageSource supplies the latest merged page list per surface. The merge
// coordinator satisfies this.
type PageSource interface {
	Pages(surface smartspace.Surface) []merge.Page
}

// BusStatus reports plugin bus connectivity for the state endpoint.
type BusStatus interface {
	IsConnected() bool
}

// Server serves the HTTP status API.
type Server struct {
	pages    PageSource
	bus      BusStatus
	settings *settings.Store
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates an API server listening on the given port.
func NewServer(pages PageSource, bus BusStatus, store *settings.Store, logger *zap.Logger, port int) *Server {
	s := &Server{
		pages:    pages,
		bus:      bus,
		settings: store,
		logger:   logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/api/pages", s.handleGetPages)
	mux.HandleFunc("/api/state", s.handleGetState)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// PagesResponse is the JSON body of the pages endpoint.
type PagesResponse struct {
	Surface smartspace.Surface `json:"surface"`
	Pages   []PageView         `json:"pages"`
}

// PageView is the wire form of one merged page.
type PageView struct {
	Target        smartspace.TargetPayload   `json:"target"`
	Actions       []smartspace.ActionPayload `json:"actions,omitempty"`
	OpensExpanded bool                       `json:"opens_expanded"`
}

func (s *Server) handleGetPages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	surface := smartspace.Surface(r.URL.Query().Get("surface"))
	if surface == "" {
		surface = smartspace.SurfaceHomescreen
	}
	switch surface {
	case smartspace.SurfaceHomescreen, smartspace.SurfaceLockscreen, smartspace.SurfaceMediaDataManager:
	default:
		http.Error(w, fmt.Sprintf("unknown surface %q", surface), http.StatusBadRequest)
		return
	}

	response := PagesResponse{Surface: surface}
	for _, page := range s.pages.Pages(surface) {
		response.Pages = append(response.Pages, PageView{
			Target:        page.Target,
			Actions:       page.Actions,
			OpensExpanded: page.OpensExpanded,
		})
	}

	s.writeJSON(w, response)
	s.logger.Debug("Pages request served",
		zap.String("surface", string(surface)),
		zap.String("remote_addr", r.RemoteAddr))
}

// StateResponse is the JSON body of the state endpoint.
type StateResponse struct {
	BusConnected bool              `json:"bus_connected"`
	Settings     settings.Settings `json:"settings"`
	PageCounts   map[string]int    `json:"page_counts"`
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StateResponse{
		BusConnected: s.bus.IsConnected(),
		Settings:     s.settings.Get(),
		PageCounts:   make(map[string]int),
	}
	for _, surface := range []smartspace.Surface{
		smartspace.SurfaceHomescreen,
		smartspace.SurfaceLockscreen,
		smartspace.SurfaceMediaDataManager,
	} {
		response.PageCounts[string(surface)] = len(s.pages.Pages(surface))
	}

	s.writeJSON(w, response)
	s.logger.Debug("State request served", zap.String("remote_addr", r.RemoteAddr))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, map[string]string{"status": "ok"})
}

// handleSitemap lists the endpoints on the root path. It keeps a 404 status
// so automation probing for unknown paths still sees a failure.
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "Smartspacer API\n")
	fmt.Fprintf(w, "===============\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	fmt.Fprintf(w, "  GET  /api/pages?surface=homescreen|lockscreen|media_data_manager\n")
	fmt.Fprintf(w, "  GET  /api/state\n")
	fmt.Fprintf(w, "  GET  /health\n")
}

func (s *Server) writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
