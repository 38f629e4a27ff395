package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/federated-storage/storage-market/internal/middleware"
	"github.com/federated-storage/storage-market/internal/registry"
	"github.com/federated-storage/storage-market/internal/services"
	"github.com/federated-storage/storage-market/internal/storage"
)

const jwtSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "market.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(""))

	reg := prometheus.NewRegistry()
	metrics := services.NewMetrics(reg)
	registryService := services.NewRegistryService(store, metrics)
	_, err = registryService.Bootstrap(context.Background(), "admin", "treasury", registry.DefaultParams(), nil)
	require.NoError(t, err)

	clk := clock.NewMock()
	return NewRouter(RouterConfig{
		Store:        store,
		Orders:       services.NewOrderService(store, clk, metrics),
		Registry:     registryService,
		Gatherer:     reg,
		JWTSecret:    jwtSecret,
		MaxClockSkew: time.Minute,
		Now:          clk.Now,
	})
}

func token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := middleware.GenerateToken(subject, middleware.JWTConfig{Secret: jwtSecret, Expiration: time.Hour})
	require.NoError(t, err)
	return "Bearer " + tok
}

func serve(router *gin.Engine, method, path, auth, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRouter_Health(t *testing.T) {
	router := newTestRouter(t)

	w := serve(router, "GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = serve(router, "GET", "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "market_orders_placed_total")
}

func TestOrderHandler_Lookup(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{name: "invalid id", path: "/api/v1/orders/xyz", status: http.StatusBadRequest},
		{name: "unknown order", path: "/api/v1/orders/" + strings.Repeat("ab", 32), status: http.StatusNotFound},
		{name: "unknown order payouts", path: "/api/v1/orders/" + strings.Repeat("ab", 32) + "/payouts", status: http.StatusNotFound},
		{name: "empty list", path: "/api/v1/orders", status: http.StatusOK},
		{name: "bad limit", path: "/api/v1/orders?limit=ten", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, "GET", tt.path, "", "")
			assert.Equal(t, tt.status, w.Code)
		})
	}

	w := serve(router, "GET", "/api/v1/orders/"+strings.Repeat("ab", 32), "", "")
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, services.Codespace, body["codespace"])
	assert.Equal(t, float64(404), body["code"])
}

func TestOrderHandler_RequiresSignature(t *testing.T) {
	router := newTestRouter(t)

	w := serve(router, "POST", "/api/v1/orders", "", `{"file_size":1}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(router, "POST", "/api/v1/orders/"+strings.Repeat("ab", 32)+"/register", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRegistryHandler(t *testing.T) {
	router := newTestRouter(t)
	adminAuth := token(t, "admin")
	otherAuth := token(t, "mallory")

	tests := []struct {
		name   string
		method string
		path   string
		auth   string
		body   string
		status int
	}{
		{name: "no token", method: "PUT", path: "/api/v1/registry/params/max_storage_providers_per_order", body: `{"value":5}`, status: http.StatusUnauthorized},
		{name: "not admin", method: "PUT", path: "/api/v1/registry/params/max_storage_providers_per_order", auth: otherAuth, body: `{"value":5}`, status: http.StatusForbidden},
		{name: "unknown param", method: "PUT", path: "/api/v1/registry/params/gas", auth: adminAuth, body: `{"value":5}`, status: http.StatusBadRequest},
		{name: "missing value", method: "PUT", path: "/api/v1/registry/params/min_file_size", auth: adminAuth, body: `{}`, status: http.StatusBadRequest},
		{name: "set param", method: "PUT", path: "/api/v1/registry/params/max_storage_providers_per_order", auth: adminAuth, body: `{"value":5}`, status: http.StatusOK},
		{name: "whitelist", method: "POST", path: "/api/v1/registry/whitelist/eva", auth: adminAuth, status: http.StatusOK},
		{name: "treasury", method: "PUT", path: "/api/v1/registry/treasury", auth: adminAuth, body: `{"address":"vault"}`, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, tt.method, tt.path, tt.auth, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	w := serve(router, "GET", "/api/v1/registry", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Treasury  string          `json:"treasury"`
		Params    registry.Params `json:"params"`
		Whitelist []string        `json:"whitelist"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "vault", body.Treasury)
	assert.Equal(t, uint64(5), body.Params.MaxProviders)
	assert.Equal(t, []string{"eva"}, body.Whitelist)
}
