package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperasset/sentinel/internal/config"
	"github.com/hyperasset/sentinel/internal/testutil"
	"github.com/hyperasset/sentinel/internal/userconfig"
)

func newTestGateway(t *testing.T, cfg config.GatewayConfig) (*Gateway, *userconfig.Manager) {
	t.Helper()
	coreDB := testutil.NewTestDB(t, "core")
	mgr := userconfig.NewManager(coreDB.Conn())

	g, err := New(cfg, mgr, zerolog.Nop())
	require.NoError(t, err)
	return g, mgr
}

func TestHealthEndpoint(t *testing.T) {
	g, _ := newTestGateway(t, config.GatewayConfig{
		NewsServiceURL: "http://127.0.0.1:1", DisclosureServiceURL: "http://127.0.0.1:1",
		ChartServiceURL: "http://127.0.0.1:1", ReportServiceURL: "http://127.0.0.1:1", FlowServiceURL: "http://127.0.0.1:1",
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestUnknownServiceReturns404(t *testing.T) {
	g, _ := newTestGateway(t, config.GatewayConfig{
		NewsServiceURL: "http://127.0.0.1:1", DisclosureServiceURL: "http://127.0.0.1:1",
		ChartServiceURL: "http://127.0.0.1:1", ReportServiceURL: "http://127.0.0.1:1", FlowServiceURL: "http://127.0.0.1:1",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/nonexistent/execute", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unknown_service", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestProxiesToBackendAndInjectsUserIDHeader(t *testing.T) {
	var gotHeader string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-User-ID")
		assert.Equal(t, "/execute", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	g, _ := newTestGateway(t, config.GatewayConfig{
		NewsServiceURL: backend.URL, DisclosureServiceURL: "http://127.0.0.1:1",
		ChartServiceURL: "http://127.0.0.1:1", ReportServiceURL: "http://127.0.0.1:1", FlowServiceURL: "http://127.0.0.1:1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/news/execute", nil)
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", gotHeader)
}

func TestBackend5xxBecomes502WithStructuredBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	g, _ := newTestGateway(t, config.GatewayConfig{
		NewsServiceURL: backend.URL, DisclosureServiceURL: "http://127.0.0.1:1",
		ChartServiceURL: "http://127.0.0.1:1", ReportServiceURL: "http://127.0.0.1:1", FlowServiceURL: "http://127.0.0.1:1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/news/execute", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "backend_error", body.Error.Code)
	assert.Equal(t, "news", body.Error.Service)
}

func TestRateLimitReturns429AfterBurstExhausted(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	g, _ := newTestGateway(t, config.GatewayConfig{
		NewsServiceURL: backend.URL, DisclosureServiceURL: "http://127.0.0.1:1",
		ChartServiceURL: "http://127.0.0.1:1", ReportServiceURL: "http://127.0.0.1:1", FlowServiceURL: "http://127.0.0.1:1",
		RateLimitRPS: 1, RateLimitBurst: 1,
	})

	var lastCode int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/news/execute", nil)
		req.Header.Set("X-User-ID", "u1")
		rec := httptest.NewRecorder()
		g.Router().ServeHTTP(rec, req)
		lastCode = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, lastCode)
}

func TestUserConfigRoutesAreServedInProcess(t *testing.T) {
	g, mgr := newTestGateway(t, config.GatewayConfig{
		NewsServiceURL: "http://127.0.0.1:1", DisclosureServiceURL: "http://127.0.0.1:1",
		ChartServiceURL: "http://127.0.0.1:1", ReportServiceURL: "http://127.0.0.1:1", FlowServiceURL: "http://127.0.0.1:1",
	})
	_ = mgr

	req := httptest.NewRequest(http.MethodGet, "/api/user/config/nobody", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "user_not_found", body.Error.Code)
}
