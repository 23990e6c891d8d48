package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/config"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/domain"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/logbus"
	"github.com/Lucas-Song-Dev/INSIGHT/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Dispatcher *usecase.Dispatcher
	Store      domain.Store
	Bus        *logbus.Bus
	DBCheck    func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, d *usecase.Dispatcher, store domain.Store, bus *logbus.Bus, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Dispatcher: d, Store: store, Bus: bus, DBCheck: dbCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
		return false
	}
	if err := getValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
		return false
	}
	return true
}

// subredditList accepts either a JSON array of strings or a single
// comma-separated string.
type subredditList []string

func (s *subredditList) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*s = list
		return nil
	}
	var csv string
	if err := json.Unmarshal(b, &csv); err != nil {
		return fmt.Errorf("subreddits must be a list or a comma-separated string")
	}
	for _, part := range strings.Split(csv, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

// ScrapeHandler admits a scrape job.
func (s *Server) ScrapeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Topic      string        `json:"topic" validate:"required"`
			Limit      int           `json:"limit" validate:"omitempty,min=1,max=1000"`
			TimeFilter string        `json:"time_filter" validate:"omitempty,oneof=hour day week month year all"`
			IsCustom   bool          `json:"is_custom"`
			Subreddits subredditList `json:"subreddits"`
		}
		if !decodeAndValidate(w, r, &req) {
			return
		}
		accepted, err := s.Dispatcher.StartScrape(r.Context(), UserID(r), usecase.ScrapeRequest{
			Topic:      req.Topic,
			Limit:      req.Limit,
			TimeFilter: req.TimeFilter,
			IsCustom:   req.IsCustom,
			Subreddits: req.Subreddits,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, accepted)
	}
}

// AnalyzeHandler admits an analysis job.
func (s *Server) AnalyzeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Product             string `json:"product" validate:"required"`
			MaxPosts            int    `json:"max_posts" validate:"omitempty,min=1,max=1000"`
			SkipRecommendations bool   `json:"skip_recommendations"`
			Regenerate          bool   `json:"regenerate"`
		}
		if !decodeAndValidate(w, r, &req) {
			return
		}
		accepted, err := s.Dispatcher.StartAnalysis(r.Context(), UserID(r), usecase.AnalysisRequest{
			Product:             req.Product,
			MaxPosts:            req.MaxPosts,
			SkipRecommendations: req.SkipRecommendations,
			Regenerate:          req.Regenerate,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, accepted)
	}
}

// RecommendationsHandler admits a recommendations job.
func (s *Server) RecommendationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Products           []string `json:"products" validate:"required,min=1"`
			RecommendationType string   `json:"recommendation_type" validate:"omitempty,oneof=improve_product new_feature competing_product"`
			Context            string   `json:"context" validate:"omitempty,max=500"`
			Regenerate         bool     `json:"regenerate"`
		}
		if !decodeAndValidate(w, r, &req) {
			return
		}
		accepted, err := s.Dispatcher.StartRecommendations(r.Context(), UserID(r), usecase.RecommendationsRequest{
			Products:           req.Products,
			RecommendationType: req.RecommendationType,
			Context:            req.Context,
			Regenerate:         req.Regenerate,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, accepted)
	}
}

// jobResponse is the wire shape of a job.
type jobResponse struct {
	ID          string               `json:"id"`
	Type        domain.JobType       `json:"type"`
	Status      domain.JobState      `json:"status"`
	Parameters  domain.JobParameters `json:"parameters"`
	Results     *domain.JobResults   `json:"results"`
	Error       string               `json:"error,omitempty"`
	CreditsUsed *int                 `json:"credits_used"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   *time.Time           `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at"`
	Logs        []domain.LogEntry    `json:"logs"`
}

func toJobResponse(j domain.Job) jobResponse {
	logs := j.Logs
	if logs == nil {
		logs = []domain.LogEntry{}
	}
	return jobResponse{
		ID:          j.ID,
		Type:        j.Type,
		Status:      j.State,
		Parameters:  j.Parameters,
		Results:     j.Results,
		Error:       j.Error,
		CreditsUsed: j.CreditsUsed,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Logs:        logs,
	}
}

// JobsHandler lists the caller's jobs, optionally filtered by status.
func (s *Server) JobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := domain.JobState(r.URL.Query().Get("status"))
		jobs, err := s.Dispatcher.ListJobs(r.Context(), UserID(r), state)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobResponse, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toJobResponse(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
	}
}

// JobHandler returns one job with its logs.
func (s *Server) JobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := s.Dispatcher.GetJob(r.Context(), UserID(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(j))
	}
}

// CancelHandler cancels a pending or in-progress job.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Dispatcher.Cancel(r.Context(), UserID(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// ScrapeStatusHandler snapshots the caller's live scrape workers.
func (s *Server) ScrapeStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active, workers := s.Dispatcher.ScrapeStatus(r.Context(), UserID(r))
		writeJSON(w, http.StatusOK, map[string]any{
			"scrape_in_progress": active,
			"jobs":               workers,
		})
	}
}

// AnalysisGetHandler returns the caller's analysis document for a product.
func (s *Server) AnalysisGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		product := r.URL.Query().Get("product")
		if product == "" {
			writeError(w, r, fmt.Errorf("%w: product required", domain.ErrInvalidArgument), nil)
			return
		}
		a, err := s.Store.GetAnalysis(r.Context(), UserID(r), product)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"analyses": []domain.Analysis{a}})
	}
}

// RecommendationsGetHandler returns the caller's recommendation set for a
// (product, type) pair; a missing document reads as an empty list.
func (s *Server) RecommendationsGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		product := r.URL.Query().Get("product")
		if product == "" {
			writeError(w, r, fmt.Errorf("%w: product required", domain.ErrInvalidArgument), nil)
			return
		}
		recType := r.URL.Query().Get("recommendation_type")
		if recType == "" {
			recType = domain.RecommendationImproveProduct
		}
		if !domain.ValidRecommendationType(recType) {
			writeError(w, r, fmt.Errorf("%w: recommendation_type %q", domain.ErrInvalidArgument, recType), nil)
			return
		}
		rs, err := s.Store.GetRecommendations(r.Context(), UserID(r), product, recType)
		if err != nil {
			if errIsNotFound(err) {
				writeJSON(w, http.StatusOK, map[string]any{"recommendations": []domain.RecommendationSet{}})
				return
			}
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"recommendations": []domain.RecommendationSet{rs}})
	}
}

// ProductsHandler lists the caller's known products from past jobs.
func (s *Server) ProductsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		products, err := s.Dispatcher.Products(r.Context(), UserID(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	}
}

// CreditsHandler returns the caller's credit balance.
func (s *Server) CreditsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.Store.FindUser(r.Context(), UserID(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"credits": u.Credits})
	}
}

// HealthzHandler reports liveness.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports readiness of the store dependency.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DBCheck != nil {
			if err := s.DBCheck(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func errIsNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }
