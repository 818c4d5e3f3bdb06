package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/a-laz/transactly/internal/auth"
	"github.com/a-laz/transactly/internal/events"
	"github.com/a-laz/transactly/internal/outbox"
	"github.com/a-laz/transactly/internal/quota"
)

// queryLimit parses ?limit=; anything unparsable falls back to the default.
func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	if n < 1 {
		return 1
	}
	return n
}

// handleListOutbox handles GET /api/webhooks/outbox?status=&limit=.
func (s *Server) handleListOutbox(w http.ResponseWriter, r *http.Request) {
	status := outbox.Status(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	rows, err := s.deps.Outbox.List(r.Context(), outbox.Filter{Status: status, Limit: queryLimit(r)})
	if err != nil {
		s.logger.Error("failed to list outbox", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list outbox")
		return
	}
	respondJSON(w, http.StatusOK, RowsResponse[outbox.Row]{Rows: rows})
}

// handleListDLQ handles GET /api/webhooks/dlq?limit=.
func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Outbox.ListDead(r.Context(), queryLimit(r))
	if err != nil {
		s.logger.Error("failed to list dlq", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list dlq")
		return
	}
	respondJSON(w, http.StatusOK, RowsResponse[outbox.DeadLetter]{Rows: rows})
}

// handleRequeue handles POST /api/webhooks/requeue/{id}.
func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Outbox.Requeue(r.Context(), id); err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "not found")
			return
		}
		if errors.Is(err, outbox.ErrNotRequeueable) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("failed to requeue webhook", "outbox_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to requeue")
		return
	}
	s.deps.Events.Publish(events.WebhookRequeued, map[string]any{"id": id})
	s.logger.Info("webhook requeued", "outbox_id", id)
	respondJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleReplay handles POST /api/webhooks/replay/{dlqID}.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	dlqID := chi.URLParam(r, "dlqID")
	outboxID, err := s.deps.Outbox.Replay(r.Context(), dlqID)
	if err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "not found")
			return
		}
		if errors.Is(err, outbox.ErrNotRequeueable) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("failed to replay dead letter", "dlq_id", dlqID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to replay")
		return
	}
	s.deps.Events.Publish(events.WebhookReplayed, map[string]any{"id": outboxID, "dlqId": dlqID})
	s.logger.Info("dead letter replayed", "dlq_id", dlqID, "outbox_id", outboxID)
	respondJSON(w, http.StatusOK, OKResponse{OK: true, OutboxID: outboxID})
}

// handleCreateKey handles POST /api/admin/keys.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req auth.CreateKeyRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	key, plaintext, err := s.deps.Keys.Create(r.Context(), req)
	if err != nil {
		s.logger.Error("failed to create api key", "project_id", req.ProjectID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create key")
		return
	}
	s.logger.Info("api key created", "key_id", key.ID, "project_id", key.ProjectID, "prefix", key.Prefix)
	respondJSON(w, http.StatusCreated, CreateKeyResponse{ID: key.ID, APIKey: plaintext, Prefix: key.Prefix})
}

// handleListKeys handles GET /api/admin/keys?projectId=.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.URL.Query().Get("projectId"))
	if projectID == "" {
		s.writeError(w, http.StatusBadRequest, "projectId required")
		return
	}
	keys, err := s.deps.Keys.ListByProject(r.Context(), projectID)
	if err != nil {
		s.logger.Error("failed to list api keys", "project_id", projectID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	if keys == nil {
		keys = []*auth.APIKey{}
	}
	respondJSON(w, http.StatusOK, RowsResponse[*auth.APIKey]{Rows: keys})
}

// handleRevokeKey handles POST /api/admin/keys/{id}/revoke.
func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Keys.Revoke(r.Context(), id); err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			s.writeError(w, http.StatusNotFound, "not found")
			return
		}
		s.logger.Error("failed to revoke api key", "key_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to revoke key")
		return
	}
	s.logger.Info("api key revoked", "key_id", id)
	respondJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleUpsertQuota handles POST /api/admin/quotas.
func (s *Server) handleUpsertQuota(w http.ResponseWriter, r *http.Request) {
	var req quota.Override
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	saved, err := s.deps.Quotas.Upsert(r.Context(), req)
	if err != nil {
		if errors.Is(err, quota.ErrInvalidOverride) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("failed to upsert quota", "project_id", req.ProjectID, "period", req.Period, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to save quota")
		return
	}
	s.logger.Info("quota override saved", "project_id", saved.ProjectID, "period", saved.Period,
		"limit", saved.Limit, "burst", saved.Burst)
	respondJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleListQuotas handles GET /api/admin/quotas?projectId=.
func (s *Server) handleListQuotas(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.URL.Query().Get("projectId"))
	if projectID == "" {
		s.writeError(w, http.StatusBadRequest, "projectId required")
		return
	}
	rows, err := s.deps.Quotas.List(r.Context(), projectID)
	if err != nil {
		s.logger.Error("failed to list quotas", "project_id", projectID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list quotas")
		return
	}
	if rows == nil {
		rows = []quota.Override{}
	}
	respondJSON(w, http.StatusOK, RowsResponse[quota.Override]{Rows: rows})
}

// handleDeleteQuota handles DELETE /api/admin/quotas/{projectId}/{period}.
func (s *Server) handleDeleteQuota(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	period := quota.Period(chi.URLParam(r, "period"))
	if err := s.deps.Quotas.Delete(r.Context(), projectID, period); err != nil {
		if errors.Is(err, quota.ErrOverrideNotFound) {
			s.writeError(w, http.StatusNotFound, "not found")
			return
		}
		s.logger.Error("failed to delete quota", "project_id", projectID, "period", period, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete quota")
		return
	}
	s.logger.Info("quota override removed", "project_id", projectID, "period", period)
	respondJSON(w, http.StatusOK, OKResponse{OK: true})
}
