package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/wildfire-risk-service/internal/analysis"
	"github.com/couchcryptid/wildfire-risk-service/internal/domain"
)

const (
	defaultDateRange = "7d"
	defaultRadiusKm  = 50.0
	maxBodyBytes     = 64 << 10

	defaultAnalysisBudget = 100 * time.Second
	// writeMargin covers decoding, encoding and the network write around
	// the analysis itself.
	writeMargin = 10 * time.Second
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// Analyzer answers one analysis request. *analysis.Orchestrator satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, req domain.AnalysisRequest) analysis.Result
}

// Server exposes the analysis API plus health, readiness, and metrics
// endpoints.
type Server struct {
	httpServer *http.Server
	analyzer   Analyzer
	validate   *validator.Validate
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAnalysisBudget sizes the write timeout so that an analysis taking up to
// d still gets its response written.
func WithAnalysisBudget(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.httpServer.WriteTimeout = d + writeMargin
		}
	}
}

// NewServer creates an HTTP server with /api/analyze, /healthz, /readyz, and
// /metrics routes. The analyze route is limited to rps requests per second.
func NewServer(addr string, ready ReadinessChecker, analyzer Analyzer, rps int, logger *slog.Logger, opts ...Option) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: defaultAnalysisBudget + writeMargin,
			IdleTimeout:  60 * time.Second,
		},
		analyzer: analyzer,
		validate: newValidator(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux.Handle("POST /api/analyze", rateLimit(rps, http.HandlerFunc(s.handleAnalyze)))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", handleReady(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// analyzeRequest is the wire form of an analysis request.
type analyzeRequest struct {
	Coordinates *coordinates `json:"coordinates" validate:"required"`
	RadiusKm    *float64     `json:"radius_km" validate:"omitempty,gt=0,lte=500"`
	DateRange   string       `json:"date_range" validate:"omitempty,date_range"`
}

type coordinates struct {
	Lat *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng *float64 `json:"lng" validate:"required,gte=-180,lte=180"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("date_range", func(fl validator.FieldLevel) bool {
		_, ok := domain.ParseDateRange(fl.Field().String())
		return ok
	})
	return v
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var body analyzeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	req := body.toDomain()
	result := s.analyzer.Analyze(r.Context(), req)
	writeJSON(w, http.StatusOK, result)
}

func (b analyzeRequest) toDomain() domain.AnalysisRequest {
	radius := defaultRadiusKm
	if b.RadiusKm != nil {
		radius = *b.RadiusKm
	}
	dateRange := b.DateRange
	if dateRange == "" {
		dateRange = defaultDateRange
	}
	// Validated above.
	days, _ := domain.ParseDateRange(dateRange)
	return domain.AnalysisRequest{
		Center:   domain.Coordinates{Lat: *b.Coordinates.Lat, Lng: *b.Coordinates.Lng},
		RadiusKm: radius,
		Days:     days,
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "analyzeRequest.")
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "date_range":
			msgs = append(msgs, fmt.Sprintf("%s %q must be 1-10 days, like \"7d\"", field, fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(msgs, "; ")
}

// rateLimit rejects requests beyond rps per second with 429.
func rateLimit(rps int, next http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), rps)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone away
}
