// Package web serves the staff review API: pending drafts, ingest errors,
// manual sends and metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iqstrade/payinbox/internal/dispatch"
	"github.com/iqstrade/payinbox/internal/lease"
	"github.com/iqstrade/payinbox/internal/pipeline"
	"github.com/iqstrade/payinbox/internal/store"
)

const (
	defaultRateLimit  = 30
	defaultRateWindow = time.Minute
	defaultListLimit  = 50
	maxListLimit      = 500

	// batchTimeout bounds a manually triggered batch, which outlives the
	// request that started it.
	batchTimeout = 10 * time.Minute
)

// RateLimiter is a sliding-window limiter. Keys are arbitrary; the server
// uses a single key for draft sends.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

func (rl *RateLimiter) filterRecent(times []time.Time, windowStart time.Time) []time.Time {
	n := 0
	for _, t := range times {
		if t.After(windowStart) {
			times[n] = t
			n++
		}
	}
	return times[:n]
}

// Allow records a request for key and reports whether it fits in the window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	recent := rl.filterRecent(rl.requests[key], now.Add(-rl.window))

	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		return false
	}
	rl.requests[key] = append(recent, now)
	return true
}

// Store is the read side the review API needs.
type Store interface {
	ListDrafts(ctx context.Context, pendingOnly bool, limit int) ([]store.DraftReply, error)
	GetDraft(ctx context.Context, id int64) (*store.DraftReply, error)
	ListIngestErrors(ctx context.Context, limit int) ([]store.IngestError, error)
}

type Sender interface {
	SendDraft(ctx context.Context, id int64) (*store.DraftReply, error)
}

type Server struct {
	store       Store
	sender      Sender
	runner      pipeline.BatchRunner
	addr        string
	logger      *zap.Logger
	rateLimiter *RateLimiter
	httpServer  *http.Server
}

// NewServer builds the API. runner may be nil, in which case manual batch
// runs are not offered.
func NewServer(addr string, s Store, sender Sender, runner pipeline.BatchRunner, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:       s,
		sender:      sender,
		runner:      runner,
		addr:        addr,
		logger:      logger.Named("web"),
		rateLimiter: NewRateLimiter(defaultRateLimit, defaultRateWindow),
	}
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("review API listening", zap.String("addr", s.addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/drafts", s.handleListDrafts)
		r.Get("/drafts/{draftID}", s.handleGetDraft)
		r.Post("/drafts/{draftID}/send", s.handleSendDraft)
		r.Get("/errors", s.handleListErrors)
		r.Post("/batch", s.handleRunBatch)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// securityHeaders adds security headers to all responses
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		// Draft bodies quote customer mail.
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next.ServeHTTP(w, r)
	})
}

type draftJSON struct {
	ID                  int64           `json:"id"`
	EmailID             int64           `json:"email_id"`
	Recipient           string          `json:"recipient"`
	Subject             string          `json:"subject"`
	Body                string          `json:"body"`
	Author              string          `json:"author"`
	CreatedAt           time.Time       `json:"created_at"`
	IsDraft             bool            `json:"is_draft"`
	ConfidenceScore     float64         `json:"confidence_score"`
	ConfidenceReasoning json.RawMessage `json:"confidence_reasoning,omitempty"`
	AutoSendRecommended bool            `json:"auto_send_recommended"`
	AutoSent            bool            `json:"auto_sent"`
	SentAt              *time.Time      `json:"sent_at,omitempty"`
}

func toDraftJSON(d store.DraftReply) draftJSON {
	out := draftJSON{
		ID:                  d.ID,
		EmailID:             d.CustomerEmailID,
		Recipient:           d.Recipient,
		Subject:             d.Subject,
		Body:                d.Body,
		Author:              d.Sender,
		CreatedAt:           d.CreatedAt,
		IsDraft:             d.IsDraft,
		ConfidenceScore:     d.ConfidenceScore,
		AutoSendRecommended: d.AutoSendRecommended,
		AutoSent:            d.AutoSent,
	}
	if json.Valid([]byte(d.ConfidenceReasoning)) {
		out.ConfidenceReasoning = json.RawMessage(d.ConfidenceReasoning)
	}
	if !d.SentAt.IsZero() {
		at := d.SentAt
		out.SentAt = &at
	}
	return out
}

type ingestErrorJSON struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	Filename  string    `json:"filename,omitempty"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason"`
	RawText   string    `json:"raw_text,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	pending := true
	if v := r.URL.Query().Get("pending"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "pending must be true or false")
			return
		}
		pending = b
	}
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}

	drafts, err := s.store.ListDrafts(r.Context(), pending, limit)
	if err != nil {
		s.internalError(w, "failed to list drafts", err)
		return
	}
	out := make([]draftJSON, 0, len(drafts))
	for _, d := range drafts {
		out = append(out, toDraftJSON(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"drafts": out})
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := draftID(w, r)
	if !ok {
		return
	}
	d, err := s.store.GetDraft(r.Context(), id)
	if err != nil {
		s.internalError(w, "failed to load draft", err)
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "draft not found")
		return
	}
	writeJSON(w, http.StatusOK, toDraftJSON(*d))
}

func (s *Server) handleSendDraft(w http.ResponseWriter, r *http.Request) {
	// Rate limiting - prevent abuse of email sending
	if !s.rateLimiter.Allow("send") {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded, wait a moment before sending more replies")
		return
	}
	id, ok := draftID(w, r)
	if !ok {
		return
	}

	d, err := s.sender.SendDraft(r.Context(), id)
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		writeError(w, http.StatusNotFound, "draft not found")
	case errors.Is(err, dispatch.ErrAlreadySent):
		writeError(w, http.StatusConflict, "draft was already sent")
	case errors.Is(err, dispatch.ErrSendFailed):
		s.logger.Warn("manual send failed", zap.Int64("draft_id", id), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	case err != nil:
		s.internalError(w, "failed to send draft", err)
	default:
		writeJSON(w, http.StatusOK, toDraftJSON(*d))
	}
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}
	rows, err := s.store.ListIngestErrors(r.Context(), limit)
	if err != nil {
		s.internalError(w, "failed to list ingest errors", err)
		return
	}
	out := make([]ingestErrorJSON, 0, len(rows))
	for _, ie := range rows {
		out = append(out, ingestErrorJSON{
			ID:        ie.ID,
			MessageID: ie.MessageID,
			Filename:  ie.Filename,
			Kind:      string(ie.Kind),
			Reason:    ie.Reason,
			RawText:   ie.RawText,
			CreatedAt: ie.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": out})
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusNotImplemented, "batch runs are not enabled on this server")
		return
	}
	// A client hanging up must not abort a batch half way through a message.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), batchTimeout)
	defer cancel()
	stats, err := s.runner.RunBatch(ctx)
	switch {
	case errors.Is(err, lease.ErrHeld):
		writeError(w, http.StatusConflict, "a batch is already running")
	case err != nil && pipeline.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.internalError(w, "batch failed", err)
	default:
		writeJSON(w, http.StatusOK, map[string]int{
			"fetched":    stats.Fetched,
			"processed":  stats.Processed,
			"duplicates": stats.Duplicates,
			"failed":     stats.Failed,
			"auto_sent":  stats.AutoSent,
			"drafts":     stats.Drafts,
		})
	}
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, msg)
}

func draftID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "draftID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid draft id")
		return 0, false
	}
	return id, true
}

func listLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxListLimit), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
