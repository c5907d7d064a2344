package api

import "net/http"

// buildOpenAPIDoc describes the status API as OpenAPI 3.1.
func buildOpenAPIDoc() map[string]any {
	get := func(summary, operationID string, responses map[string]any, secured bool) map[string]any {
		op := map[string]any{
			"operationId": operationID,
			"summary":     summary,
			"responses":   responses,
		}
		if secured {
			op["security"] = []any{map[string]any{"BearerAuth": []string{}}}
		}
		return map[string]any{"get": op}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "pipepulse",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/healthz": get("Pool health", "healthz", map[string]any{
				"200": map[string]any{"description": "At least one worker is running"},
				"503": map[string]any{"description": "No worker is running"},
			}, false),
			"/workers": get("Worker snapshots and launch failures", "listWorkers", map[string]any{
				"200": map[string]any{"description": "Pool status"},
				"401": map[string]any{"description": "Missing or invalid token"},
			}, true),
			"/workers/{id}": get("One worker", "getWorker", map[string]any{
				"200": map[string]any{"description": "Worker status"},
				"400": map[string]any{"description": "Bad worker id"},
				"404": map[string]any{"description": "Unknown worker"},
				"410": map[string]any{"description": "Worker never launched"},
			}, true),
			"/events": get("Server-sent event stream", "events", map[string]any{
				"200": map[string]any{
					"description": "text/event-stream of exchange and lifecycle events",
				},
			}, true),
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
