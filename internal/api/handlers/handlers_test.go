// Package handlers_test provides behavior tests for the admin/status API
// handlers, exercised through a plain gin router in test mode.
package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jroosing/crappydns/internal/api/handlers"
	"github.com/jroosing/crappydns/internal/api/models"
	"github.com/jroosing/crappydns/internal/config"
	"github.com/jroosing/crappydns/internal/database"
	"github.com/jroosing/crappydns/internal/hosts"
	"github.com/jroosing/crappydns/internal/sessionmgr"
	"github.com/jroosing/crappydns/internal/trustednet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(h *handlers.Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	api := r.Group("/api/v1")
	api.GET("/health", h.Health)
	api.GET("/stats", h.Stats)
	api.GET("/config", h.GetConfig)
	api.GET("/trusted-net/probe", h.ProbeTrustedNet)
	api.GET("/hosts/stats", h.HostsStats)
	api.GET("/store/status", h.StoreStatus)

	return r
}

func TestHealth(t *testing.T) {
	h := handlers.New(&config.Config{}, nil)
	r := setupTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestStats_NoRuntimeWired(t *testing.T) {
	h := handlers.New(&config.Config{}, nil)
	r := setupTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.ServerStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Uptime)
	assert.Zero(t, resp.SessionsInFlight)
	assert.Zero(t, resp.HostsRules)
}

func TestStats_WithRuntimeWired(t *testing.T) {
	h := handlers.New(&config.Config{}, nil)

	idx := hosts.NewIndex()
	rule, err := hosts.Parse("<1> 10.0.0.5 internal.lan", nil)
	require.NoError(t, err)
	idx.AddRule(rule)

	mgr := sessionmgr.New(nil, idx, nil, 0, nil)
	defer mgr.Close()

	h.SetRuntime(mgr, nil, idx, nil)
	r := setupTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.ServerStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.HostsRules)
	assert.Equal(t, 0, resp.SessionsInFlight)
}

func TestGetConfig(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			Host:      "127.0.0.1",
			Port:      1053,
			EnableTCP: true,
		},
		API: config.APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
	}
	h := handlers.New(cfg, nil)
	r := setupTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.ConfigResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "127.0.0.1", resp.Server.Host)
	assert.Equal(t, 1053, resp.Server.Port)
	assert.True(t, resp.Server.EnableTCP)
	assert.Equal(t, 8080, resp.API.Port)
}

func TestGetConfig_NilConfig(t *testing.T) {
	h := handlers.New(nil, nil)
	r := setupTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestProbeTrustedNet_Trusted(t *testing.T) {
	h := handlers.New(&config.Config{}, nil)

	b := trustednet.NewBuilder(false)
	require.NoError(t, b.AddCIDR("93.184.216.0/24"))
	table := b.Build()

	h.SetRuntime(nil, table, nil, nil)
	r := setupTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trusted-net/probe?addr=93.184.216.34", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp handlers.TrustedNetProbeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Trusted)
}

func TestProbeTrustedNet_Untrusted(t *testing.T) {
	h := handlers.New(&config.Config{}, nil)

	b := trustednet.NewBuilder(false)
	require.NoError(t, b.AddCIDR("93.184.216.0/24"))
	table := b.Build()

	h.SetRuntime(nil, table, nil, nil)
	r := setupTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trusted-net/probe?addr=10.20.30.40", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp handlers.TrustedNetProbeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Trusted)
}

func TestProbeTrustedNet_InvalidAddr(t *testing.T) {
	h := handlers.New(&config.Config{}, nil)
	r := setupTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trusted-net/probe?addr=not-an-ip", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHostsStats_NoHostsLoaded(t *testing.T) {
	h := handlers.New(&config.Config{}, nil)
	r := setupTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/hosts/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp handlers.HostsRuleCountResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Zero(t, resp.Rules)
	assert.Zero(t, resp.Groups)
}

func TestStoreStatus_NotWired(t *testing.T) {
	h := handlers.New(&config.Config{}, nil)
	r := setupTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/store/status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.StoreStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Enabled)
}

func TestStoreStatus_Wired(t *testing.T) {
	h := handlers.New(&config.Config{}, nil)

	db, err := database.Open(t.TempDir() + "/store.db")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.ReplaceUpstreamServers([]string{"9.9.9.9"}, nil))
	h.SetStore(db)

	r := setupTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/store/status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.StoreStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Enabled)
	assert.Equal(t, 1, resp.UpstreamCount)
}
