package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/arbiternet/arbiter-oss/pkg/domain"
)

// Server exposes the core over HTTP: the decision endpoint, component
// administration, status, health, and Prometheus metrics.
type Server struct {
	core   *Core
	logger zerolog.Logger
	http   *http.Server
}

// NewServer builds the admin HTTP server on the given listen address.
func NewServer(addr string, core *Core, logger zerolog.Logger) *Server {
	s := &Server{
		core:   core,
		logger: logger.With().Str("component", "http").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", core.Metrics().Handler())
	mux.HandleFunc("/v1/decide", s.handleDecide)
	mux.HandleFunc("/v1/components", s.handleComponents)
	mux.HandleFunc("/v1/components/", s.handleComponent)
	mux.HandleFunc("/v1/status", s.handleStatus)

	handler := core.Metrics().MetricsMiddleware(mux)
	handler = otelhttp.NewHandler(handler, "arbiter.http")

	s.http = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("admin server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decideRequest is the wire form of a decision request.
type decideRequest struct {
	Position   string         `json:"position"`
	ValidMoves []string       `json:"validMoves"`
	Difficulty int            `json:"difficulty"`
	TimeoutMs  int64          `json:"timeoutMs,omitempty"`
	Component  string         `json:"component,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// decideResponse is the wire form of a decision result.
type decideResponse struct {
	Move               string  `json:"move"`
	Confidence         float64 `json:"confidence"`
	Reasoning          string  `json:"reasoning,omitempty"`
	Component          string  `json:"component,omitempty"`
	ElapsedMs          float64 `json:"elapsedMs"`
	FallbackUsed       bool    `json:"fallbackUsed"`
	FallbackTrigger    string  `json:"fallbackTrigger,omitempty"`
	FallbackDepth      int     `json:"fallbackDepth,omitempty"`
	QualityDegradation float64 `json:"qualityDegradation,omitempty"`
	FromCache          bool    `json:"fromCache,omitempty"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var in decideRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(in.ValidMoves) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("validMoves must not be empty"))
		return
	}

	req := domain.DecisionRequest{
		Position:   in.Position,
		ValidMoves: in.ValidMoves,
		Difficulty: in.Difficulty,
		Metadata:   in.Metadata,
	}
	if in.TimeoutMs > 0 {
		req.Deadline = time.Now().Add(time.Duration(in.TimeoutMs) * time.Millisecond)
	}

	var (
		result Result
		err    error
	)
	if in.Component != "" {
		result, err = s.core.ExecuteWith(r.Context(), in.Component, req)
	} else {
		result, err = s.core.Decide(r.Context(), req)
	}
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	out := decideResponse{
		Move:       result.Decision.Move,
		Confidence: result.Decision.Confidence,
		Reasoning:  result.Decision.Reasoning,
		Component:  result.Component,
		ElapsedMs:  float64(result.Elapsed) / float64(time.Millisecond),
	}
	if fb := result.Fallback; fb != nil {
		out.FallbackUsed = true
		out.FallbackTrigger = string(fb.Trigger)
		out.FallbackDepth = fb.Depth
		out.QualityDegradation = fb.QualityDegradation
		out.FromCache = fb.FromCache
	}
	writeJSON(w, http.StatusOK, out)
}

// componentView is the wire form of one registered component.
type componentView struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Tier         int      `json:"tier"`
	Priority     int      `json:"priority"`
	State        string   `json:"state"`
	HealthScore  float64  `json:"healthScore"`
	HealthStatus string   `json:"healthStatus"`
	AvgMs        float64  `json:"avgResponseMs"`
	SuccessRate  float64  `json:"successRate"`
	Dependencies []string `json:"dependencies"`
	Missing      []string `json:"missingDependencies,omitempty"`
	Circular     bool     `json:"circularDependency,omitempty"`
}

func (s *Server) handleComponents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := s.core.Registry().Snapshot()
	views := make([]componentView, 0, len(snapshot))
	for _, rec := range snapshot {
		views = append(views, componentView{
			Name:         rec.Component.Name,
			Type:         string(rec.Component.Type),
			Tier:         int(rec.Component.Tier),
			Priority:     rec.Component.Priority,
			State:        string(rec.State),
			HealthScore:  rec.HealthScore,
			HealthStatus: string(rec.HealthStatus),
			AvgMs:        rec.Stats.AvgResponseMs,
			SuccessRate:  rec.Stats.SuccessRate,
			Dependencies: rec.Component.Dependencies,
			Missing:      rec.Dependencies.Missing,
			Circular:     rec.Dependencies.Circular,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleComponent(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/components/")
	if name == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := s.core.Registry().Get(name)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		health, _ := s.core.Health().GetHealth(name)
		writeJSON(w, http.StatusOK, map[string]any{
			"component": componentView{
				Name:         rec.Component.Name,
				Type:         string(rec.Component.Type),
				Tier:         int(rec.Component.Tier),
				Priority:     rec.Component.Priority,
				State:        string(rec.State),
				HealthScore:  rec.HealthScore,
				HealthStatus: string(rec.HealthStatus),
				AvgMs:        rec.Stats.AvgResponseMs,
				SuccessRate:  rec.Stats.SuccessRate,
				Dependencies: rec.Component.Dependencies,
				Missing:      rec.Dependencies.Missing,
				Circular:     rec.Dependencies.Circular,
			},
			"health": health,
		})
	case http.MethodDelete:
		if err := s.core.UnregisterComponent(r.Context(), name); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.core.Status())
}

func statusForError(err error) int {
	var notFound *domain.NotFoundError
	var validation *domain.ValidationError
	var invalidState *domain.InvalidStateError
	var exhausted *domain.ResourceExhaustedError
	var depErr *domain.DependencyError
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &validation), errors.As(err, &invalidState):
		return http.StatusBadRequest
	case errors.As(err, &depErr):
		return http.StatusConflict
	case errors.As(err, &exhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
