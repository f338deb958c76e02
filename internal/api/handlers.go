// Package api serves the manual trigger, health and metrics endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/darkden-lab/dispatchd/internal/audit"
	"github.com/darkden-lab/dispatchd/internal/dispatch"
	"github.com/darkden-lab/dispatchd/internal/health"
	"github.com/darkden-lab/dispatchd/internal/httputil"
)

const maxBodyBytes = 64 << 10

// Executor performs one send.
type Executor interface {
	Execute(ctx context.Context, in dispatch.Intent) dispatch.Record
}

// Appender makes a record durable.
type Appender interface {
	Append(ctx context.Context, rec dispatch.Record) (audit.Outcome, error)
}

// RecordLookup reads records back from the audit sink.
type RecordLookup interface {
	Get(ctx context.Context, id string) (dispatch.Record, error)
}

// HealthReporter evaluates service health.
type HealthReporter interface {
	Status(ctx context.Context) health.Status
}

// NotificationRequest is the body of POST /api/notifications.
type NotificationRequest struct {
	Recipient string `json:"recipient" validate:"required,max=320"`
	Message   string `json:"message" validate:"required,max=4096"`
	Type      string `json:"type" validate:"required,oneof=email sms push"`
	Subject   string `json:"subject,omitempty" validate:"max=255,singleline"`
}

// NotificationResponse reports the outcome of a manual send.
type NotificationResponse struct {
	NotificationID string `json:"notification_id"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

// Handlers provides the HTTP handlers of the service.
type Handlers struct {
	exec     Executor
	appender Appender
	records  RecordLookup
	health   HealthReporter
	metrics  http.Handler
	validate *validator.Validate
	log      zerolog.Logger
}

// NewHandlers creates a new Handlers. records may be nil, which disables the
// record lookup endpoint.
func NewHandlers(exec Executor, appender Appender, records RecordLookup, health HealthReporter, metrics http.Handler, log zerolog.Logger) *Handlers {
	v := validator.New()
	_ = v.RegisterValidation("singleline", func(fl validator.FieldLevel) bool {
		return !strings.ContainsAny(fl.Field().String(), "\r\n")
	})
	return &Handlers{
		exec:     exec,
		appender: appender,
		records:  records,
		health:   health,
		metrics:  metrics,
		validate: v,
		log:      log,
	}
}

// RegisterRoutes wires the endpoints onto r. protect wraps the notification
// endpoints only; health and metrics stay open for probes and scrapers.
func (h *Handlers) RegisterRoutes(r *mux.Router, protect ...mux.MiddlewareFunc) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", h.metrics).Methods("GET")

	api := r.NewRoute().Subrouter()
	api.Use(protect...)
	api.HandleFunc("/api/notifications", h.SendNotification).Methods("POST")
	api.HandleFunc("/notifications", h.SendNotification).Methods("POST")
	if h.records != nil {
		api.HandleFunc("/api/notifications/{id}", h.GetNotification).Methods("GET")
	}
}

// SendNotification handles POST /api/notifications
func (h *Handlers) SendNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := httputil.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Recipient = strings.TrimSpace(req.Recipient)
	if err := h.validate.Struct(req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	ch, _ := dispatch.ParseChannel(req.Type)
	if err := dispatch.ValidateRecipient(h.validate, ch, req.Recipient); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid recipient for channel "+req.Type)
		return
	}

	in := dispatch.Intent{
		Channel:       ch,
		Recipient:     req.Recipient,
		Subject:       req.Subject,
		Message:       req.Message,
		CorrelationID: dispatch.ManualID(strings.TrimSpace(r.Header.Get("Idempotency-Key"))),
	}

	rec := h.exec.Execute(r.Context(), in)
	if _, err := h.appender.Append(r.Context(), rec); err != nil {
		h.log.Error().Err(err).Str("notification_id", rec.NotificationID).Msg("manual notification not recorded")
		httputil.WriteError(w, http.StatusServiceUnavailable, "notification outcome could not be recorded")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, NotificationResponse{
		NotificationID: rec.NotificationID,
		Status:         string(rec.Status),
		Error:          rec.ErrorDetail,
	})
}

// GetNotification handles GET /api/notifications/{id}
func (h *Handlers) GetNotification(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := h.records.Get(r.Context(), id)
	if errors.Is(err, audit.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err != nil {
		h.log.Warn().Err(err).Str("notification_id", id).Msg("record lookup failed")
		httputil.WriteError(w, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	st := h.health.Status(r.Context())
	code := http.StatusOK
	if !st.Healthy() {
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, st)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return field + " must be one of: " + fe.Param()
	case "max":
		return field + " is too long"
	case "singleline":
		return field + " must not contain line breaks"
	}
	return field + " is invalid"
}
