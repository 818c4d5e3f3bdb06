package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/a-laz/transactly/internal/auth"
	"github.com/a-laz/transactly/internal/events"
	"github.com/a-laz/transactly/internal/outbox"
)

// MaxBodyBytes caps JSON request bodies.
const MaxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.deps.Outbox.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute outbox depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute outbox depth")
		return
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		OutboxPending: depth,
	})
}

// handleCreateInvoice handles POST /api/invoices. It issues an id and, when a
// target is configured, enqueues an invoice.created webhook.
func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req InvoiceRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	inv := Invoice{
		ID:          "inv_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Amount:      req.Amount,
		Currency:    strings.ToUpper(req.Currency),
		Description: req.Description,
		Metadata:    req.Metadata,
		Status:      "open",
		CreatedAt:   s.now().UTC(),
	}
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		inv.ProjectID = id.ProjectID
	}

	if s.config.InvoiceTarget != "" {
		payload, err := json.Marshal(inv)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to encode invoice")
			return
		}
		outboxID, err := s.deps.Outbox.Enqueue(r.Context(), outbox.Event{
			ID:        "evt_" + inv.ID,
			Type:      "invoice.created",
			TargetURL: s.config.InvoiceTarget,
			Payload:   payload,
		})
		if err != nil {
			s.logger.Error("failed to enqueue invoice webhook", "invoice_id", inv.ID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to enqueue webhook")
			return
		}
		s.deps.Events.Publish(events.WebhookEnqueued, map[string]any{
			"id":        outboxID,
			"eventType": "invoice.created",
		})
	}

	respondJSON(w, http.StatusCreated, inv)
}

// decodeAndValidate reads a JSON body into dst and runs struct validation,
// writing a 400 on failure.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.StructCtx(r.Context(), dst); err != nil {
		s.writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " required"
	default:
		return field + " is invalid (" + fe.Tag() + ")"
	}
}

// jsonFieldName reports validation errors under the field's JSON name.
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
