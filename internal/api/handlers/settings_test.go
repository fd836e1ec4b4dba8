package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printqueue/internal/config"
)

func TestGetServerConfigHidesSecrets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Defaults()
	cfg.Store.RedisURL = "redis://:hunter2@cache:6379/0"
	cfg.Webhooks.Targets = []config.WebhookTarget{
		{URL: "https://hooks.example.com/print", Secret: "topsecret", Events: []string{"job-failed"}},
	}

	r := gin.New()
	NewSettingsHandler(cfg).RegisterRoutes(r.Group("/api/v1"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/settings/server", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /settings/server = %d", rec.Code)
	}

	body := rec.Body.String()
	for _, secret := range []string{"topsecret", "hunter2"} {
		if strings.Contains(body, secret) {
			t.Fatalf("response leaks %q: %s", secret, body)
		}
	}

	var resp ServerConfigResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.MaxRetries != 3 || resp.StoreDriver != "sqlite" || len(resp.Webhooks) != 1 || !resp.Webhooks[0].Signed {
		t.Fatalf("resp = %+v", resp)
	}
}
