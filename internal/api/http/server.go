package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appMessage "github.com/outbound-hub/outbound-hub/internal/application/message"
	domainMessage "github.com/outbound-hub/outbound-hub/internal/domain/message"
)

// MessageService is the slice of the message service the HTTP layer drives.
type MessageService interface {
	Create(ctx context.Context, in appMessage.CreateInput, actor domainMessage.Actor) (*appMessage.CreateResult, error)
	Approve(ctx context.Context, messageID uuid.UUID, decidedBy string, actor domainMessage.Actor, notes *string, decidedAt *time.Time) (*domainMessage.Message, error)
	Reject(ctx context.Context, messageID uuid.UUID, decidedBy string, actor domainMessage.Actor, notes *string, decidedAt *time.Time) (*domainMessage.Message, error)
	Cancel(ctx context.Context, messageID uuid.UUID, actor domainMessage.Actor, reason *string) (*domainMessage.Message, error)
	ClaimNextApproved(ctx context.Context, workerID string) (*domainMessage.Message, bool, error)
	RecordSendSuccess(ctx context.Context, messageID uuid.UUID, workerID string, smtpMessageID *string) (*domainMessage.Message, error)
	RecordSendFailure(ctx context.Context, messageID uuid.UUID, workerID, reason string) (*domainMessage.Message, error)
	GetByID(ctx context.Context, messageID uuid.UUID) (*domainMessage.Message, error)
	List(ctx context.Context, filter domainMessage.Filter, limit, offset int) ([]*domainMessage.Message, error)
	AuditTrail(ctx context.Context, messageID uuid.UUID) ([]*domainMessage.AuditEvent, error)
}

// RequestMetrics records per-request telemetry.
type RequestMetrics interface {
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	messageSvc     MessageService
	metrics        RequestMetrics
	metricsHandler http.Handler
	requestTimeout time.Duration
	logger         zerolog.Logger
}

// NewServer wires the handlers. metrics and metricsHandler may be nil.
func NewServer(
	messageSvc MessageService,
	metrics RequestMetrics,
	metricsHandler http.Handler,
	requestTimeout time.Duration,
	logger zerolog.Logger,
) *Server {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Server{
		messageSvc:     messageSvc,
		metrics:        metrics,
		metricsHandler: metricsHandler,
		requestTimeout: requestTimeout,
		logger:         logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireActor)

			r.Route("/messages", func(r chi.Router) {
				r.Post("/", s.createMessage)
				r.Get("/", s.listMessages)
				r.Get("/{messageId}", s.getMessage)
				r.Get("/{messageId}/audit", s.getAuditTrail)
				r.Post("/{messageId}/approve", s.approveMessage)
				r.Post("/{messageId}/reject", s.rejectMessage)
				r.Post("/{messageId}/cancel", s.cancelMessage)

				r.Group(func(r chi.Router) {
					r.Use(requireActorType(domainMessage.ActorWorker, domainMessage.ActorSystem))
					r.Post("/{messageId}/delivery/success", s.reportDeliverySuccess)
					r.Post("/{messageId}/delivery/failure", s.reportDeliveryFailure)
				})
			})

			r.With(requireActorType(domainMessage.ActorWorker, domainMessage.ActorSystem)).
				Post("/deliveries/claim", s.claimDelivery)
		})
	})

	return r
}

// observe records the matched route pattern, never the raw path.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(r.Method, route, status, elapsed)
		}
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request handled")
	})
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decodeOptionalBody is decodeBody for endpoints whose body may be omitted.
func decodeOptionalBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if err := decodeBody(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
