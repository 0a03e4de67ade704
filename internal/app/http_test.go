package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"whitenote/worker/internal/syncengine"
)

func serve(t *testing.T, env *testEnv, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	NewHTTPServer(env.svc, "*", nil).Handler().ServeHTTP(rr, req)

	var response map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, response
}

var authHeaders = map[string]string{"Authorization": "Bearer secret", "X-User-ID": "u1"}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	rr, response := serve(t, env, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	rr, response := serve(t, env, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if status := response["status"]; status != "ready" {
		t.Errorf("expected status=ready, got %v", status)
	}
	checks, ok := response["checks"].(map[string]any)
	if !ok {
		t.Fatalf("expected checks object, got %v", response["checks"])
	}
	queueCheck, ok := checks["queue"].(map[string]any)
	if !ok || queueCheck["status"] != "ok" {
		t.Fatalf("queue check %v", checks["queue"])
	}

	env.store.pingFn = func(context.Context) error { return errors.New("connection refused") }
	rr, response = serve(t, env, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable || response["status"] != "not_ready" {
		t.Fatalf("expected 503 not_ready, got %d %v", rr.Code, response)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name    string
		headers map[string]string
	}{
		{name: "missing", headers: nil},
		{name: "wrong", headers: map[string]string{"Authorization": "Bearer nope"}},
		{name: "not bearer", headers: map[string]string{"Authorization": "secret"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, response := serve(t, env, http.MethodPost, "/api/sync/import-all", "", tt.headers)
			if rr.Code != http.StatusUnauthorized || response["code"] != "UNAUTHORIZED" {
				t.Fatalf("expected 401, got %d %v", rr.Code, response)
			}
		})
	}
}

func TestEnqueueEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	rr, response := serve(t, env, http.MethodPost, "/api/jobs",
		`{"name":"auto-tag","data":{"userId":"u1","type":"message","id":"n1"},"opts":{"delay":500}}`, authHeaders)
	if rr.Code != http.StatusAccepted || response["jobId"] != "job-1" {
		t.Fatalf("expected 202, got %d %v", rr.Code, response)
	}
	if len(env.jobs.submitted) != 1 || env.jobs.submitted[0].Opts.Delay != 500 {
		t.Fatalf("submitted %+v", env.jobs.submitted)
	}

	rr, response = serve(t, env, http.MethodPost, "/api/jobs", `{"name":"nope","data":{}}`, authHeaders)
	if rr.Code != http.StatusUnprocessableEntity || response["code"] != "UNKNOWN_JOB" {
		t.Fatalf("expected 422, got %d %v", rr.Code, response)
	}

	rr, _ = serve(t, env, http.MethodPost, "/api/jobs", `{not json`, authHeaders)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestJobEndpointNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	rr, response := serve(t, env, http.MethodGet, "/api/jobs/missing", "", authHeaders)
	if rr.Code != http.StatusNotFound || response["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404, got %d %v", rr.Code, response)
	}
}

func TestExportAllEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mirror.exportFn = func(context.Context, string) (syncengine.ExportSummary, error) {
		return syncengine.ExportSummary{WorkspacesExported: 1, MessagesExported: 3, CommentsExported: 2}, nil
	}

	rr, _ := serve(t, env, http.MethodPost, "/api/sync/export-all", "", map[string]string{"Authorization": "Bearer secret"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing user: expected 400, got %d", rr.Code)
	}

	rr, response := serve(t, env, http.MethodPost, "/api/sync/export-all", "", authHeaders)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", rr.Code, response)
	}
	summary := response["summary"].(map[string]any)
	if summary["messagesExported"] != float64(3) || summary["commentsExported"] != float64(2) {
		t.Fatalf("summary %v", summary)
	}
}

func TestImportAllEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mirror.importFn = func(context.Context) (syncengine.ImportSummary, error) {
		return syncengine.ImportSummary{WorkspacesProcessed: 1, Imported: 2, Skipped: 1}, nil
	}
	rr, response := serve(t, env, http.MethodPost, "/api/sync/import-all", "", authHeaders)
	if rr.Code != http.StatusOK || response["imported"] != float64(2) {
		t.Fatalf("expected 200, got %d %v", rr.Code, response)
	}
}

func TestKnowledgeBaseResyncEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	rr, _ := serve(t, env, http.MethodPost, "/api/sync/knowledge-base", "", map[string]string{"Authorization": "Bearer secret"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing user: expected 400, got %d", rr.Code)
	}

	rr, response := serve(t, env, http.MethodPost, "/api/sync/knowledge-base", "", authHeaders)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", rr.Code, response)
	}
	if response["messagesSynced"] != float64(1) || response["commentsSynced"] != float64(2) {
		t.Fatalf("response %v", response)
	}
	if _, ok := response["errors"]; ok {
		t.Fatalf("unexpected errors %v", response["errors"])
	}
}

func TestSnapshotsDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	rr, response := serve(t, env, http.MethodGet, "/api/sync/snapshots", "", authHeaders)
	if rr.Code != http.StatusNotFound || response["code"] != "SNAPSHOTS_DISABLED" {
		t.Fatalf("expected 404, got %d %v", rr.Code, response)
	}
}

func TestDeleteEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rr, response := serve(t, env, http.MethodDelete, "/api/comments/c1", "", authHeaders)
	if rr.Code != http.StatusOK || response["deleted"] != "c1" {
		t.Fatalf("expected 200, got %d %v", rr.Code, response)
	}

	rr, response = serve(t, env, http.MethodDelete, "/api/comments/missing", "", authHeaders)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %v", rr.Code, response)
	}

	rr, response = serve(t, env, http.MethodDelete, "/api/messages/n1", "", authHeaders)
	if rr.Code != http.StatusOK || response["deleted"] != "n1" {
		t.Fatalf("expected 200, got %d %v", rr.Code, response)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	rr, _ := serve(t, env, http.MethodGet, "/api/nothing/here", "", authHeaders)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
