package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testApiKey = "test-api-key"

func newTestApi(t *testing.T) (*ApiServer, IRoutes, IRegistry) {
	t.Helper()
	routes := NewRoutes()
	registry := NewRegistry()
	metrics := NewMetricsBuilder(MetricsBackendDiscard, nil).BuildConnectorMetrics()
	return NewApiServer(testApiKey, routes, registry, metrics), routes, registry
}

func doRequest(t *testing.T, api *ApiServer, method, path, body string, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if apiKey != "" {
		req.Header.Set(apiKeyHeader, apiKey)
	}
	recorder := httptest.NewRecorder()
	api.Handler().ServeHTTP(recorder, req)
	return recorder
}

func TestApi_Auth(t *testing.T) {
	api, _, _ := newTestApi(t)

	resp := doRequest(t, api, http.MethodGet, "/routes", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = doRequest(t, api, http.MethodGet, "/routes", "", "wrong-key")
	assert.Equal(t, http.StatusForbidden, resp.Code)

	resp = doRequest(t, api, http.MethodGet, "/routes", "", testApiKey)
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestApi_RouteCrud(t *testing.T) {
	api, _, _ := newTestApi(t)

	// create
	resp := doRequest(t, api, http.MethodPost, "/routes",
		`{"domain": "Example.Com", "host": "10.0.0.1", "port": 25565}`, testApiKey)
	require.Equal(t, http.StatusCreated, resp.Code)

	// duplicate
	resp = doRequest(t, api, http.MethodPost, "/routes",
		`{"domain": "example.com", "host": "10.0.0.2", "port": 25566}`, testApiKey)
	assert.Equal(t, http.StatusConflict, resp.Code)

	// list
	resp = doRequest(t, api, http.MethodGet, "/routes", "", testApiKey)
	require.Equal(t, http.StatusOK, resp.Code)
	listed := make(map[string]Backend)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &listed))
	assert.Equal(t, Backend{Host: "10.0.0.1", Port: 25565}, listed["example.com"])

	// get
	resp = doRequest(t, api, http.MethodGet, "/routes/example.com", "", testApiKey)
	require.Equal(t, http.StatusOK, resp.Code)
	var backend Backend
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &backend))
	assert.Equal(t, Backend{Host: "10.0.0.1", Port: 25565}, backend)

	// update
	resp = doRequest(t, api, http.MethodPut, "/routes/example.com",
		`{"host": "10.0.0.3", "port": 25567}`, testApiKey)
	assert.Equal(t, http.StatusOK, resp.Code)

	// update absent
	resp = doRequest(t, api, http.MethodPut, "/routes/absent.com",
		`{"host": "10.0.0.3", "port": 25567}`, testApiKey)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	// delete
	resp = doRequest(t, api, http.MethodDelete, "/routes/example.com", "", testApiKey)
	assert.Equal(t, http.StatusNoContent, resp.Code)

	resp = doRequest(t, api, http.MethodGet, "/routes/example.com", "", testApiKey)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestApi_RouteValidation(t *testing.T) {
	api, _, _ := newTestApi(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "missing domain", body: `{"host": "10.0.0.1", "port": 25565}`},
		{name: "missing host", body: `{"domain": "example.com", "port": 25565}`},
		{name: "zero port", body: `{"domain": "example.com", "host": "10.0.0.1", "port": 0}`},
		{name: "port out of range", body: `{"domain": "example.com", "host": "10.0.0.1", "port": 65536}`},
		{name: "garbage body", body: `{not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, api, http.MethodPost, "/routes", tt.body, testApiKey)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
		})
	}
}

func TestApi_ListConnections(t *testing.T) {
	api, _, registry := newTestApi(t)

	registry.Insert(testRecord(t, "alice", "1.2.3.4", "", 25565))

	resp := doRequest(t, api, http.MethodGet, "/connections", "", testApiKey)
	require.Equal(t, http.StatusOK, resp.Code)

	var records []ConnectionRecord
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].Username)
}

func TestApi_KickById(t *testing.T) {
	api, _, registry := newTestApi(t)

	id := registry.Insert(testRecord(t, "alice", "1.2.3.4", "", 25565))

	resp := doRequest(t, api, http.MethodDelete, fmt.Sprintf("/connections/%d", id), "", testApiKey)
	assert.Equal(t, http.StatusNoContent, resp.Code)

	resp = doRequest(t, api, http.MethodDelete, fmt.Sprintf("/connections/%d", id), "", testApiKey)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestApi_KickByUsername(t *testing.T) {
	api, _, registry := newTestApi(t)

	registry.Insert(testRecord(t, "alice", "1.2.3.4", "", 25565))
	registry.Insert(testRecord(t, "alice", "1.2.3.5", "", 25565))
	registry.Insert(testRecord(t, "bob", "1.2.3.6", "", 25565))
	registry.Insert(testRecord(t, "alice", "1.2.3.7", "", 25566))

	resp := doRequest(t, api, http.MethodPost, "/connections/kick/username",
		`{"name": "alice", "port": 25565}`, testApiKey)
	require.Equal(t, http.StatusOK, resp.Code)

	var result map[string]int
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.Equal(t, 2, result["kicked"])

	// bob and the other-port alice remain
	assert.Len(t, registry.ByUsername("bob", 25565), 1)
	assert.Len(t, registry.ByUsername("alice", 25566), 1)

	// nothing left to kick
	resp = doRequest(t, api, http.MethodPost, "/connections/kick/username",
		`{"name": "alice", "port": 25565}`, testApiKey)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestApi_KickByIpAndUuid(t *testing.T) {
	api, _, registry := newTestApi(t)

	registry.Insert(testRecord(t, "alice", "1.2.3.4", "069a79f444e94726a5befca90e38aaf5", 25565))
	registry.Insert(testRecord(t, "bob", "1.2.3.5", "169a79f444e94726a5befca90e38aaf5", 25565))

	resp := doRequest(t, api, http.MethodPost, "/connections/kick/ip",
		`{"ip": "1.2.3.4", "port": 25565}`, testApiKey)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = doRequest(t, api, http.MethodPost, "/connections/kick/uuid",
		`{"uuid": "169a79f444e94726a5befca90e38aaf5", "port": 25565}`, testApiKey)
	require.Equal(t, http.StatusOK, resp.Code)

	assert.Empty(t, registry.Enumerate())
}

func TestApi_KickValidation(t *testing.T) {
	api, _, _ := newTestApi(t)

	resp := doRequest(t, api, http.MethodPost, "/connections/kick/username",
		`{"port": 25565}`, testApiKey)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = doRequest(t, api, http.MethodPost, "/connections/kick/username",
		`{"name": "alice", "port": 0}`, testApiKey)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}
