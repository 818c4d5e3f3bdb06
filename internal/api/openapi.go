package api

import (
	"net/http"

	"gopkg.in/yaml.v3"
)

func operation(summary string, responses map[string]string, security string) map[string]any {
	rs := map[string]any{}
	for code, desc := range responses {
		rs[code] = map[string]any{"description": desc}
	}
	op := map[string]any{"summary": summary, "responses": rs}
	if security != "" {
		op["security"] = []any{map[string]any{security: []string{}}}
	}
	return op
}

// buildOpenAPIDoc describes the routes this server mounts.
func buildOpenAPIDoc(withKeys, withQuotas bool) map[string]any {
	paths := map[string]any{
		"/healthz": map[string]any{
			"get": operation("Liveness and outbox depth", map[string]string{"200": "OK"}, ""),
		},
		"/api/invoices": map[string]any{
			"post": operation("Create an invoice", map[string]string{
				"201": "Created",
				"400": "Invalid body",
				"401": "Unauthorized",
				"409": "Idempotency-Key reused with a different body",
				"429": "Rate limit exceeded",
			}, "ApiKey"),
		},
		"/api/webhooks/outbox": map[string]any{
			"get": operation("List outbox rows", map[string]string{"200": "OK", "400": "Unknown status"}, "AdminKey"),
		},
		"/api/webhooks/dlq": map[string]any{
			"get": operation("List dead letters", map[string]string{"200": "OK"}, "AdminKey"),
		},
		"/api/webhooks/requeue/{id}": map[string]any{
			"post": operation("Reset an outbox row to pending", map[string]string{
				"200": "OK", "404": "Not found", "409": "Row is delivering or delivered",
			}, "AdminKey"),
		},
		"/api/webhooks/replay/{dlqID}": map[string]any{
			"post": operation("Re-arm the row behind a dead letter", map[string]string{
				"200": "OK", "404": "Not found", "409": "Row is delivering or delivered",
			}, "AdminKey"),
		},
		"/api/webhooks/events": map[string]any{
			"get": operation("Delivery lifecycle event stream", map[string]string{"200": "text/event-stream"}, "AdminKey"),
		},
	}
	if withKeys {
		paths["/api/admin/keys"] = map[string]any{
			"post": operation("Mint an API key", map[string]string{"201": "Created", "400": "Invalid body"}, "AdminKey"),
			"get":  operation("List keys for a project", map[string]string{"200": "OK", "400": "projectId required"}, "AdminKey"),
		}
		paths["/api/admin/keys/{id}/revoke"] = map[string]any{
			"post": operation("Revoke an API key", map[string]string{"200": "OK", "404": "Not found"}, "AdminKey"),
		}
	}
	if withQuotas {
		paths["/api/admin/quotas"] = map[string]any{
			"post": operation("Set a project quota for a period", map[string]string{"200": "OK", "400": "Invalid body"}, "AdminKey"),
			"get":  operation("List quotas for a project", map[string]string{"200": "OK", "400": "projectId required"}, "AdminKey"),
		}
		paths["/api/admin/quotas/{projectId}/{period}"] = map[string]any{
			"delete": operation("Remove a project quota", map[string]string{"200": "OK", "404": "Not found"}, "AdminKey"),
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Transactly API",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"ApiKey":   map[string]any{"type": "apiKey", "in": "header", "name": "x-api-key"},
				"AdminKey": map[string]any{"type": "apiKey", "in": "header", "name": "x-admin-key"},
			},
		},
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	b, err := yaml.Marshal(buildOpenAPIDoc(s.deps.Keys != nil, s.deps.Quotas != nil))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to render openapi document")
		return
	}
	w.Header().Set("Content-Type", "text/yaml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// handleDocs serves a pointer to the OpenAPI document.
func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`<!DOCTYPE html><html><head><meta charset="utf-8"><title>Transactly API</title></head>` +
		`<body><p>The API is described by <a href="/api/openapi.yaml">/api/openapi.yaml</a>.</p></body></html>`))
}
