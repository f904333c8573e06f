package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/apicache/cache"
	appmw "github.com/briangreenhill/apicache/internal/http/middleware"
	"github.com/briangreenhill/apicache/internal/jobs"
	"github.com/briangreenhill/apicache/stackexchange"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
)

// Engine is the cache surface the routes translate to.
type Engine interface {
	GetItemSet(ctx context.Context, ids []string, apiKey, site string, expiry, maxAge time.Duration) ([]json.RawMessage, error)
	GetRecentQuestions(ctx context.Context, apiKey, site string, expiry, maxAge time.Duration) ([]json.RawMessage, error)
	Invalidate(ctx context.Context, ids []string, site string, strict bool) error
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Server struct {
	Router *chi.Mux
	Engine Engine
	Queue  Enqueuer // optional; nil disables refresh requests
}

type ServerOptions struct {
	Engine Engine
	Queue  Enqueuer
	Log    zerolog.Logger
}

// Envelope wraps every successful listing
type Envelope struct {
	Items    []json.RawMessage `json:"items"`
	HasMore  bool              `json:"has_more"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
	Total    int               `json:"total"`
}

type apiError struct {
	ErrorID      int    `json:"error_id"`
	ErrorName    string `json:"error_name"`
	ErrorMessage string `json:"error_message"`
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{Router: r, Engine: opts.Engine, Queue: opts.Queue}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("apicache"))
	})

	r.Delete("/{site}/posts/{ids}", s.handleInvalidate)

	r.Group(func(kr chi.Router) {
		kr.Use(appmw.RequireKey)
		kr.Get("/{site}/posts/{ids}", s.handlePosts)
		kr.Get("/{site}/questions/recent", s.handleRecent)
		kr.Post("/{site}/questions/recent/refresh", s.handleRefresh)
	})

	return s
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	ids, err := parseIDs(chi.URLParam(r, "ids"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_parameter", err)
		return
	}
	expiry, maxAge, err := parseFreshness(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_parameter", err)
		return
	}
	page, pageSize, err := parsePaging(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_parameter", err)
		return
	}

	items, err := s.Engine.GetItemSet(r.Context(), ids, appmw.APIKey(r.Context()), site, expiry, maxAge)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, paginate(items, page, pageSize))
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	expiry, maxAge, err := parseFreshness(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_parameter", err)
		return
	}
	page, pageSize, err := parsePaging(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_parameter", err)
		return
	}

	items, err := s.Engine.GetRecentQuestions(r.Context(), appmw.APIKey(r.Context()), site, expiry, maxAge)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, paginate(items, page, pageSize))
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	ids, err := parseIDs(chi.URLParam(r, "ids"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_parameter", err)
		return
	}
	strict := r.URL.Query().Get("strict") == "true"

	if err := s.Engine.Invalidate(r.Context(), ids, site, strict); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.Queue == nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "queue_unavailable", errors.New("background refresh is not configured"))
		return
	}
	task, err := jobs.NewRefreshRecentTask(chi.URLParam(r, "site"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_parameter", err)
		return
	}
	info, err := s.Queue.Enqueue(task, asynq.MaxRetry(3), asynq.Timeout(time.Minute))
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "queue_unavailable", err)
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, map[string]string{"task_id": info.ID, "queue": info.Queue})
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		nf *cache.NotFoundError
		ce *cache.CorruptionError
		ue *stackexchange.UpstreamError
	)
	switch {
	case errors.As(err, &nf):
		s.writeError(w, r, http.StatusNotFound, "not_found", err)
	case errors.As(err, &ue):
		s.writeError(w, r, http.StatusBadGateway, "upstream_error", err)
	case errors.As(err, &ce):
		s.writeError(w, r, http.StatusInternalServerError, "corrupt_entry", err)
	default:
		s.writeError(w, r, http.StatusInternalServerError, "internal_error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, name string, err error) {
	if status >= http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Str("error_name", name).Msg("request failed")
	}
	s.writeJSON(w, r, status, apiError{ErrorID: status, ErrorName: name, ErrorMessage: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response")
	}
}

// parseIDs splits a semicolon-joined id list, rejecting non-numeric members
func parseIDs(raw string) ([]string, error) {
	ids := cache.SplitIDs(raw)
	if len(ids) == 0 {
		return nil, errors.New("at least one id is required")
	}
	if len(ids) > stackexchange.MaxBatchSize {
		return nil, fmt.Errorf("at most %d ids per request", stackexchange.MaxBatchSize)
	}
	for _, id := range ids {
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid id %q", id)
		}
	}
	return ids, nil
}

// parseFreshness reads expiry and max_age (seconds). Without max_age any
// cached entry is acceptable.
func parseFreshness(r *http.Request) (expiry, maxAge time.Duration, err error) {
	q := r.URL.Query()
	maxAge = cache.AnyAge
	if v := q.Get("max_age"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("invalid max_age %q", v)
		}
		maxAge = cache.Seconds(n)
	}
	if v := q.Get("expiry"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("invalid expiry %q", v)
		}
		expiry = cache.Seconds(n)
	}
	return expiry, maxAge, nil
}

func parsePaging(r *http.Request) (page, pageSize int, err error) {
	q := r.URL.Query()
	page, pageSize = 1, defaultPageSize
	if v := strings.TrimSpace(q.Get("page")); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 1 {
			return 0, 0, fmt.Errorf("invalid page %q", v)
		}
	}
	if v := strings.TrimSpace(q.Get("pagesize")); v != "" {
		if pageSize, err = strconv.Atoi(v); err != nil || pageSize < 1 || pageSize > maxPageSize {
			return 0, 0, fmt.Errorf("invalid pagesize %q", v)
		}
	}
	return page, pageSize, nil
}

func paginate(items []json.RawMessage, page, pageSize int) Envelope {
	// compare before multiplying so a huge page cannot overflow
	start := len(items)
	if page-1 <= len(items)/pageSize {
		start = min((page-1)*pageSize, len(items))
	}
	end := min(start+pageSize, len(items))
	out := items[start:end]
	if out == nil {
		out = []json.RawMessage{}
	}
	return Envelope{
		Items:    out,
		HasMore:  end < len(items),
		Page:     page,
		PageSize: pageSize,
		Total:    len(items),
	}
}
