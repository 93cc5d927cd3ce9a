// Package httpapi serves the JSON read API consumed by the fleet dashboard,
// the manual-override endpoints and the fixed-scanner webhook.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fleet-beacon/avl-broker/internal/inference"
	"github.com/fleet-beacon/avl-broker/internal/persist"
	"github.com/fleet-beacon/avl-broker/internal/store"
)

type Server struct {
	srv       *http.Server
	store     *store.Store
	engine    *inference.Engine
	committer *inference.Committer
	db        persist.Adapter
	logger    *zap.Logger

	tcpPort  string
	httpPort string
}

func NewServer(addr string, st *store.Store, engine *inference.Engine, committer *inference.Committer, db persist.Adapter, tcpAddr string, logger *zap.Logger) *Server {
	s := &Server{
		store:     st,
		engine:    engine,
		committer: committer,
		db:        db,
		logger:    logger,
		tcpPort:   portOf(tcpAddr),
		httpPort:  portOf(addr),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/data", s.handleData)
	mux.HandleFunc("/ble/positions", s.handleBLEPositions)
	mux.HandleFunc("/trackers", s.handleTrackers)
	mux.HandleFunc("/api/trackers", s.handleTrackers)
	mux.HandleFunc("/api/ble", s.handleBLEList)
	mux.HandleFunc("/ble/set-position", s.handleSetPosition)
	mux.HandleFunc("/ble/set-all-home", s.handleSetAllHome)
	mux.HandleFunc("/api/rutx11", s.handleScannerWebhook)
	mux.HandleFunc("/api/rutx11/register", s.handleScannerRegister)
	mux.HandleFunc("/api/rutx11/scanners", s.handleScanners)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: cors(mux),
	}
	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// cors applies the permissive policy the dashboard depends on.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return port
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func isoTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
