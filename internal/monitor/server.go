// Package monitor serves live run state over HTTP while a strategy runs.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ggonzalez94/platform-explorer/internal/execution"
	"github.com/ggonzalez94/platform-explorer/internal/logx"
	"github.com/ggonzalez94/platform-explorer/internal/metrics"
)

// Runs is the read side of the execution engine.
type Runs interface {
	Run(runID string) (*execution.Run, bool)
	Runs() []*execution.Run
}

type Server struct {
	router   *mux.Router
	runs     Runs
	gatherer prometheus.Gatherer
	hub      *hub
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func New(runs Runs, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		runs:     runs,
		gatherer: gatherer,
		hub:      newHub(),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		log:      logx.OrNop(logger),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	if s.gatherer != nil {
		s.router.Handle("/metrics", metrics.Handler(s.gatherer)).Methods("GET")
	}
	s.router.HandleFunc("/runs", s.listRuns).Methods("GET")
	s.router.HandleFunc("/runs/{id}", s.getRun).Methods("GET")
	s.router.HandleFunc("/runs/{id}/operations", s.getOperations).Methods("GET")
	s.router.HandleFunc("/events", s.streamEvents).Methods("GET")
}

func (s *Server) Handler() http.Handler { return s.router }

// Publish fans an event out to every connected /events client.
func (s *Server) Publish(v any) {
	buf, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("encode monitor event failed", zap.Error(err))
		return
	}
	s.hub.broadcast(buf)
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("monitor listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		s.hub.closeAll()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.hub.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.runs.Runs()
	reports := make([]execution.Report, 0, len(runs))
	for _, run := range runs {
		reports = append(reports, run.Report())
	}
	sort.SliceStable(reports, func(i, j int) bool { return reports[i].StartedAt.After(reports[j].StartedAt) })
	s.writeJSON(w, http.StatusOK, reports)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runs.Run(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, run.Report())
}

func (s *Server) getOperations(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runs.Run(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	ops := run.Operations()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := ops[:0]
		for _, op := range ops {
			if string(op.Status) == status {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}
	s.writeJSON(w, http.StatusOK, ops)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	c := s.hub.register()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.unregister(c)
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.unregister(c)
				return
			}
		}
	}()

	for msg := range c.send {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.hub.unregister(c)
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("write monitor response failed", zap.Error(err))
	}
}
