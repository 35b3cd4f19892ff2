package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/tunehub/internal/api"
	mw "github.com/kiranshivaraju/tunehub/internal/api/middleware"
	"github.com/kiranshivaraju/tunehub/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const adminKey = "th_admin_router_key"

func ok(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"data":{}}`))
}

func newTestRouter(t *testing.T, adminHash string, perMinute int) http.Handler {
	t.Helper()
	return api.NewRouter(api.Dependencies{
		AdminAuth:                 mw.NewAdminAuth(adminHash),
		RateLimit:                 mw.NewRateLimit(cache.NewMemoryCache(), perMinute),
		HealthHandler:             ok,
		CreateJobHandler:          ok,
		ListJobsHandler:           ok,
		GetJobHandler:             ok,
		JobStatusHandler:          ok,
		HideJobHandler:            ok,
		UnhideJobHandler:          ok,
		TrainingWebhookHandler:    ok,
		GenerationWebhookHandler:  ok,
		RetryRegistrationsHandler: ok,
		UnmatchedWebhooksHandler:  ok,
	})
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)["code"].(string)
}

func TestRouter_PublicEndpoints(t *testing.T) {
	router := newTestRouter(t, "", 60)

	endpoints := []struct {
		method string
		path   string
	}{
		{"GET", "/api/health"},
		{"POST", "/api/jobs"},
		{"GET", "/api/jobs"},
		{"GET", "/api/jobs/0b6f7c2e-8d0a-4c59-9b61-0f3e2d7f1a11"},
		{"GET", "/api/jobs/0b6f7c2e-8d0a-4c59-9b61-0f3e2d7f1a11/status"},
		{"POST", "/api/jobs/0b6f7c2e-8d0a-4c59-9b61-0f3e2d7f1a11/hide"},
		{"POST", "/api/jobs/0b6f7c2e-8d0a-4c59-9b61-0f3e2d7f1a11/unhide"},
		{"POST", "/api/training-webhook"},
		{"POST", "/api/generation-webhook"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestRouter_AdminDisabledWithoutHash(t *testing.T) {
	router := newTestRouter(t, "", 60)

	for _, ep := range []struct{ method, path string }{
		{"POST", "/api/admin/registrations/retry"},
		{"GET", "/api/admin/unmatched-webhooks"},
	} {
		req := httptest.NewRequest(ep.method, ep.path, nil)
		req.Header.Set("Authorization", "Bearer "+adminKey)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "FORBIDDEN", errCode(t, w))
	}
}

func TestRouter_AdminRequiresKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(adminKey), bcrypt.MinCost)
	require.NoError(t, err)
	router := newTestRouter(t, string(hash), 60)

	req := httptest.NewRequest("GET", "/api/admin/unmatched-webhooks", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errCode(t, w))

	req = httptest.NewRequest("GET", "/api/admin/unmatched-webhooks", nil)
	req.Header.Set("Authorization", "Bearer "+adminKey)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_RateLimitSkipsWebhooks(t *testing.T) {
	router := newTestRouter(t, "", 1)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/api/training-webhook", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}

	req := httptest.NewRequest("GET", "/api/jobs", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("GET", "/api/jobs", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRouter_NotImplementedPlaceholder(t *testing.T) {
	router := api.NewRouter(api.Dependencies{})

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Equal(t, "NOT_IMPLEMENTED", errCode(t, w))
}

func TestRouter_NotFound(t *testing.T) {
	router := newTestRouter(t, "", 60)

	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
