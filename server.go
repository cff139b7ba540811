package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"odecl/config"
	"odecl/core"
	"odecl/gpu"
	"odecl/models"
	"odecl/simulation"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "odecl_requests_total",
	Help: "Websocket requests by type and outcome",
}, []string{"type", "result"})

// Request is one websocket message from a client
type Request struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Target    string          `json:"target,omitempty"`
	Builtin   string          `json:"builtin,omitempty"`
	Model     *core.ModelSpec `json:"model,omitempty"`
	Instances int             `json:"instances,omitempty"`
	State     []float32       `json:"state,omitempty"`
	Param     []float32       `json:"param,omitempty"`
}

// Response answers one Request
type Response struct {
	Type        string    `json:"type"`
	ID          string    `json:"id,omitempty"`
	Target      string    `json:"target,omitempty"`
	Source      string    `json:"source,omitempty"`
	EntryPoints []string  `json:"entryPoints,omitempty"`
	States      []string  `json:"states,omitempty"`
	Deriv       []float32 `json:"deriv,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Message     string    `json:"message,omitempty"`
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// errorKind names the failure class reported to clients
func errorKind(err error) string {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return "request"
	case core.IsConfigurationError(err):
		return "configuration"
	case core.IsGenerationError(err):
		return "generation"
	}
	if kind, ok := gpu.KindOf(err); ok {
		return kind.String()
	}
	return "request"
}

// Server answers generate and evaluate requests over a websocket
type Server struct {
	settings config.Settings
	backend  gpu.Backend
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(s config.Settings, backend gpu.Backend, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		settings: s,
		backend:  backend,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}
}

// Handler routes /ws, /healthz and /metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// ListenAndServe serves until ctx is cancelled. Concurrent connections are
// capped at server.maxConnections.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.settings.Server.Addr)
	if err != nil {
		return err
	}
	ln = netutil.LimitListener(ln, s.settings.Server.MaxConnections)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("server starting",
		"addr", ln.Addr().String(),
		"backend", s.backend.Name(),
		"device", s.backend.Device().Name)
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"backend": s.backend.Name(),
		"device":  s.backend.Device(),
		"targets": core.Targets(),
		"models":  models.Names(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.settings.Server.ReadLimit)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read failed", "error", err)
			}
			return
		}

		var req Request
		var resp Response
		if err := json.Unmarshal(data, &req); err != nil {
			resp = s.failure(req, badRequest("malformed request: %v", err))
		} else {
			resp = s.handle(r.Context(), req)
		}
		if err := conn.WriteJSON(resp); err != nil {
			s.log.Warn("websocket write failed", "error", err)
			return
		}
	}
}

func (s *Server) failure(req Request, err error) Response {
	kind := errorKind(err)
	requestsTotal.WithLabelValues(req.Type, kind).Inc()
	s.log.Debug("request failed", "type", req.Type, "id", req.ID, "kind", kind, "error", err)
	return Response{Type: "error", ID: req.ID, Kind: kind, Message: err.Error()}
}

func (s *Server) handle(ctx context.Context, req Request) Response {
	var (
		resp Response
		err  error
	)
	switch req.Type {
	case "generate":
		resp, err = s.generate(req)
	case "evaluate":
		resp, err = s.evaluate(ctx, req)
	default:
		err = badRequest("unknown request type %q", req.Type)
	}
	if err != nil {
		return s.failure(req, err)
	}
	requestsTotal.WithLabelValues(req.Type, "ok").Inc()
	resp.ID = req.ID
	return resp
}

func (s *Server) model(req Request) (core.ModelSpec, error) {
	switch {
	case req.Model != nil && req.Builtin != "":
		return core.ModelSpec{}, badRequest("send either model or builtin, not both")
	case req.Model != nil:
		return *req.Model, nil
	case req.Builtin != "":
		spec, err := models.Get(req.Builtin)
		if err != nil {
			return core.ModelSpec{}, badRequest("%v", err)
		}
		return spec, nil
	}
	return core.ModelSpec{}, badRequest("request has no model")
}

func (s *Server) generate(req Request) (Response, error) {
	spec, err := s.model(req)
	if err != nil {
		return Response{}, err
	}
	target := req.Target
	if target == "" {
		target = s.settings.Generator.Target
	}
	k, err := core.Generate(spec, core.WithTarget(target))
	if err != nil {
		return Response{}, err
	}
	return Response{
		Type:        "kernel",
		Target:      k.Target,
		Source:      k.Source,
		EntryPoints: k.EntryPoints,
		States:      spec.States(),
	}, nil
}

func (s *Server) evaluate(ctx context.Context, req Request) (Response, error) {
	spec, err := s.model(req)
	if err != nil {
		return Response{}, err
	}
	if req.Instances <= 0 || req.Instances > s.settings.Server.MaxInstances {
		return Response{}, badRequest("instances must be in 1..%d, got %d", s.settings.Server.MaxInstances, req.Instances)
	}
	k, err := core.Generate(spec, core.WithTarget(s.backend.Target()))
	if err != nil {
		return Response{}, err
	}

	ens, err := simulation.New(ctx, s.backend, k, simulation.Options{
		Instances: req.Instances,
		InputRows: s.settings.Generator.InputRows,
		Logger:    s.log,
	})
	if err != nil {
		return Response{}, err
	}
	defer ens.Close()

	if err := ens.SetState(ctx, req.State); err != nil {
		return Response{}, badRequest("%v", err)
	}
	if err := ens.SetParams(ctx, req.Param); err != nil {
		return Response{}, badRequest("%v", err)
	}
	deriv, err := ens.Derivatives(ctx)
	if err != nil {
		return Response{}, err
	}
	// JSON has no encoding for NaN or Inf
	for i, v := range deriv {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			state := spec.States()[i/req.Instances]
			return Response{}, gpu.NewExecutionError(s.backend.Name(), "evaluate",
				fmt.Sprintf("d%s is %v for instance %d", state, v, i%req.Instances), nil)
		}
	}
	return Response{Type: "derivatives", States: spec.States(), Deriv: deriv}, nil
}
