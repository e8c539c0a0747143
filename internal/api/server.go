// Package api exposes the analysis engine over HTTP for the ingestion
// service and operators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-analyzer/internal/analysis"
	"github.com/sells-group/lead-analyzer/internal/model"
)

// maxBatchLeads bounds a single batch request.
const maxBatchLeads = 500

// BatchAnalyzer queues leads for analysis.
type BatchAnalyzer interface {
	BatchAnalyze(ctx context.Context, leadIDs []int64) (*analysis.BatchResult, error)
}

// AnalysisReader reads analysis progress and cancels in-flight leads.
type AnalysisReader interface {
	GetAnalysisStatus(ctx context.Context, analysisID string) (*model.AnalysisSummary, error)
	Cancel(ctx context.Context, leadID int64) (bool, error)
}

// JobReader reads ledger entries.
type JobReader interface {
	Get(ctx context.Context, key string) (*model.JobLedgerEntry, error)
}

// PromptReader reads prompt history.
type PromptReader interface {
	ListVersions(ctx context.Context, dimension string) ([]model.AgentPrompt, error)
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Batch    BatchAnalyzer
	Analyses AnalysisReader
	Jobs     JobReader
	Prompts  PromptReader
	// Breakers reports inference circuit states for /health. May be nil.
	Breakers func() map[string]string
}

// Server is the HTTP front of the engine.
type Server struct {
	deps   Deps
	router chi.Router
}

// NewServer builds the router. An empty origins list allows any origin.
func NewServer(deps Deps, origins []string) *Server {
	s := &Server{deps: deps}
	s.router = s.routes(origins)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes(origins []string) chi.Router {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/analyses", func(r chi.Router) {
		r.Post("/batch", s.handleBatch)
		r.Route("/leads/{leadID}", func(r chi.Router) {
			r.Post("/", s.handleAnalyzeLead)
			r.Delete("/", s.handleCancelLead)
			r.Get("/job", s.handleGetJob)
		})
		r.Get("/{analysisID}", s.handleGetAnalysis)
	})

	r.Get("/prompts/{dimension}", s.handleListPrompts)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			zap.L().Debug("api: request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Breakers != nil {
		body["circuits"] = s.deps.Breakers()
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleAnalyzeLead(w http.ResponseWriter, r *http.Request) {
	leadID, ok := leadParam(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Batch.BatchAnalyze(r.Context(), []int64{leadID})
	if err != nil {
		respondErr(w, err)
		return
	}
	if len(res.PerLead) == 0 {
		respondError(w, http.StatusInternalServerError, "lead was not queued")
		return
	}
	lead := res.PerLead[0]
	if lead.Error != "" {
		respondJSON(w, http.StatusBadGateway, lead)
		return
	}
	respondJSON(w, http.StatusAccepted, lead)
}

type batchRequest struct {
	LeadIDs []int64 `json:"lead_ids"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.LeadIDs) == 0 {
		respondError(w, http.StatusBadRequest, "lead_ids is required")
		return
	}
	if len(req.LeadIDs) > maxBatchLeads {
		respondError(w, http.StatusBadRequest, "too many lead_ids (max "+strconv.Itoa(maxBatchLeads)+")")
		return
	}
	for _, id := range req.LeadIDs {
		if id <= 0 {
			respondError(w, http.StatusBadRequest, "lead ids must be positive")
			return
		}
	}

	res, err := s.deps.Batch.BatchAnalyze(r.Context(), req.LeadIDs)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleCancelLead(w http.ResponseWriter, r *http.Request) {
	leadID, ok := leadParam(w, r)
	if !ok {
		return
	}
	cancelled, err := s.deps.Analyses.Cancel(r.Context(), leadID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"lead_id": leadID, "cancelled": cancelled})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	leadID, ok := leadParam(w, r)
	if !ok {
		return
	}
	entry, err := s.deps.Jobs.Get(r.Context(), model.AnalyzeLeadKey(leadID))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Analyses.GetAnalysisStatus(r.Context(), chi.URLParam(r, "analysisID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Prompts.ListVersions(r.Context(), chi.URLParam(r, "dimension"))
	if err != nil {
		respondErr(w, err)
		return
	}
	if len(versions) == 0 {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	respondJSON(w, http.StatusOK, versions)
}

func leadParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "leadID"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid lead id")
		return 0, false
	}
	return id, true
}

// respondErr maps engine errors onto status codes.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, model.ErrLedgerConflict):
		respondError(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			zap.L().Error("api: encode response", zap.Error(err))
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("api: shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("api: starting server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "api: listen")
	}
	return nil
}
