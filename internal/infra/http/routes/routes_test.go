package routes_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scansvc "github.com/openctemio/scanregistry/internal/app/scan"
	"github.com/openctemio/scanregistry/internal/config"
	infrahttp "github.com/openctemio/scanregistry/internal/infra/http"
	"github.com/openctemio/scanregistry/internal/infra/gitinfo"
	"github.com/openctemio/scanregistry/internal/infra/http/handler"
	"github.com/openctemio/scanregistry/internal/infra/http/routes"
	"github.com/openctemio/scanregistry/pkg/apierror"
	"github.com/openctemio/scanregistry/pkg/domain/scan"
	"github.com/openctemio/scanregistry/pkg/jwt"
	"github.com/openctemio/scanregistry/pkg/logger"
	"github.com/openctemio/scanregistry/pkg/validator"
)

type noopLauncher struct{}

func (noopLauncher) Launch(scan.Snapshot) {}

func noGit(string) (gitinfo.Info, error) { return gitinfo.Info{}, gitinfo.ErrNotRepository }

type testAPI struct {
	handler  http.Handler
	registry *scansvc.Registry
	tokens   *jwt.Generator
}

func newTestAPI(t *testing.T, withAuth bool) *testAPI {
	t.Helper()
	log := logger.NewNop()
	cfg := config.Defaults()
	cfg.RateLimit.Enabled = false

	registry := scansvc.NewRegistry(log)
	service := scansvc.NewService(registry, log,
		scansvc.WithLauncher(noopLauncher{}),
		scansvc.WithGitInspector(noGit),
	)

	var tokens *jwt.Generator
	if withAuth {
		tokens = jwt.NewGenerator(jwt.TokenConfig{
			Secret: "test-secret-that-is-long-enough-for-hs256",
			Issuer: "scanregistry",
		})
	}

	server := infrahttp.NewServer(cfg, log)
	routes.Register(server.Router(), routes.Handlers{
		Health:  handler.NewHealthHandler(registry, "test"),
		Scan:    handler.NewScanHandler(service, validator.New(), infrahttp.PathParam, log),
		Results: handler.NewResultsHandler(service, log),
	}, tokens, log)

	return &testAPI{handler: server.Handler(), registry: registry, tokens: tokens}
}

func (a *testAPI) do(t *testing.T, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *testAPI) startScan(t *testing.T, dir, token string) scansvc.StartResult {
	t.Helper()
	body, err := json.Marshal(scansvc.StartParams{DirectoryPath: dir})
	require.NoError(t, err)
	rec := a.do(t, http.MethodPost, "/api/v1/scans", string(body), token)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decode[scansvc.StartResult](t, rec)
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, false)

	rec := api.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[handler.HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, 0, resp.TrackedScans)
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t, false)
	rec := api.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStartAndGetScan(t *testing.T) {
	api := newTestAPI(t, false)
	dir := t.TempDir()

	started := api.startScan(t, dir, "")
	assert.True(t, started.Success)
	assert.Equal(t, scan.StatusPending, started.Status)
	assert.Equal(t, "MEDIUM", started.SeverityThreshold)
	assert.Equal(t, filepath.Join(dir, ".ash", "ash_output"), started.OutputDirectory)

	rec := api.do(t, http.MethodGet, "/api/v1/scans/"+started.ScanID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[handler.ScanResponse](t, rec)
	assert.Equal(t, started.ScanID, got.Scan.ScanID)

	rec = api.do(t, http.MethodGet, "/api/v1/scans/by-directory?path="+dir, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, started.ScanID, decode[handler.ScanResponse](t, rec).Scan.ScanID)

	rec = api.do(t, http.MethodGet, "/api/v1/scans?active_only=true", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[scansvc.ScanListResult](t, rec).Count)

	rec = api.do(t, http.MethodGet, "/api/v1/scans/stats", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[scansvc.StatisticsResult](t, rec)
	assert.Equal(t, 1, stats.TotalScans)
	assert.Equal(t, 1, stats.ActiveScans)
}

func TestStartScan_Validation(t *testing.T) {
	api := newTestAPI(t, false)

	tests := []struct {
		name     string
		body     string
		status   int
		category apierror.Category
	}{
		{"missing directory", `{}`, http.StatusBadRequest, apierror.CategoryInvalidParameter},
		{"unknown field", `{"directory_path":"/tmp","bogus":1}`, http.StatusBadRequest, apierror.CategoryInvalidFormat},
		{"bad severity", `{"directory_path":"/tmp","severity_threshold":"EXTREME"}`, http.StatusBadRequest, apierror.CategoryInvalidParameter},
		{"bad config extension", `{"directory_path":"/tmp","config_path":"ash.toml"}`, http.StatusBadRequest, apierror.CategoryInvalidParameter},
		{"missing directory on disk", `{"directory_path":"/does/not/exist"}`, http.StatusNotFound, apierror.CategoryFileNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/api/v1/scans", tt.body, "")
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decode[apierror.Response](t, rec)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.category, resp.ErrorCategory)
			assert.Equal(t, scansvc.OpStartScan, resp.Operation)
		})
	}
}

func TestStartScan_DuplicateDirectory(t *testing.T) {
	api := newTestAPI(t, false)
	dir := t.TempDir()
	api.startScan(t, dir, "")

	rec := api.do(t, http.MethodPost, "/api/v1/scans", `{"directory_path":"`+dir+`"}`, "")
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestGetScan_NotFound(t *testing.T) {
	api := newTestAPI(t, false)

	rec := api.do(t, http.MethodGet, "/api/v1/scans/missing", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode[apierror.Response](t, rec)
	assert.Equal(t, apierror.CategoryScanNotFound, resp.ErrorCategory)
	assert.NotEmpty(t, resp.RequestID)
}

func TestGetByDirectory_RequiresPath(t *testing.T) {
	api := newTestAPI(t, false)
	rec := api.do(t, http.MethodGet, "/api/v1/scans/by-directory", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelScan(t *testing.T) {
	api := newTestAPI(t, false)
	started := api.startScan(t, t.TempDir(), "")

	rec := api.do(t, http.MethodPost, "/api/v1/scans/"+started.ScanID+"/cancel", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[scansvc.CancelResult](t, rec)
	assert.True(t, result.Success)

	// Cancelling a finished scan is a conflict, not an error envelope.
	rec = api.do(t, http.MethodPost, "/api/v1/scans/"+started.ScanID+"/cancel", "", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	result = decode[scansvc.CancelResult](t, rec)
	assert.False(t, result.Success)
	assert.Equal(t, scan.StatusCancelled, result.Status)
}

func TestProgress_NoResultsYet(t *testing.T) {
	api := newTestAPI(t, false)
	started := api.startScan(t, t.TempDir(), "")

	rec := api.do(t, http.MethodGet, "/api/v1/scans/"+started.ScanID+"/progress", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[handler.ProgressResponse](t, rec)
	assert.True(t, resp.Success)
}

func TestDeleteScan_RemovesOutput(t *testing.T) {
	api := newTestAPI(t, false)
	started := api.startScan(t, t.TempDir(), "")

	rec := api.do(t, http.MethodDelete, "/api/v1/scans/"+started.ScanID+"?remove_output=true", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[scansvc.CleanupResult](t, rec)
	assert.True(t, result.RemovedFromRegistry)
	assert.True(t, result.RemovedOutput)

	_, err := os.Stat(started.OutputDirectory)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, api.registry.ScanCount())
}

func (a *testAPI) startScanWithOutput(t *testing.T, dir, output string) scansvc.StartResult {
	t.Helper()
	body, err := json.Marshal(scansvc.StartParams{DirectoryPath: dir, OutputDirectory: output})
	require.NoError(t, err)
	rec := a.do(t, http.MethodPost, "/api/v1/scans", string(body), "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decode[scansvc.StartResult](t, rec)
}

func TestDeleteScan_RefusesForeignOutputDirectory(t *testing.T) {
	api := newTestAPI(t, false)
	foreign := t.TempDir()
	keep := filepath.Join(foreign, "keep.txt")
	require.NoError(t, os.WriteFile(keep, []byte("data"), 0o600))

	started := api.startScanWithOutput(t, t.TempDir(), foreign)

	rec := api.do(t, http.MethodDelete, "/api/v1/scans/"+started.ScanID+"?remove_output=true", "", "")
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	resp := decode[apierror.Response](t, rec)
	assert.Equal(t, apierror.CategoryPermissionDenied, resp.ErrorCategory)
	assert.Equal(t, foreign, resp.Context["output_directory"])

	assert.FileExists(t, keep)
	assert.Equal(t, 1, api.registry.ScanCount(), "scan stays registered")

	rec = api.do(t, http.MethodDelete, "/api/v1/scans/"+started.ScanID, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[scansvc.CleanupResult](t, rec).RemovedOutput)
	assert.FileExists(t, keep)
}

func TestDeleteScan_RemovesCreatedOutputDirectory(t *testing.T) {
	api := newTestAPI(t, false)
	created := filepath.Join(t.TempDir(), "fresh", "results")

	started := api.startScanWithOutput(t, t.TempDir(), created)
	require.DirExists(t, created)

	rec := api.do(t, http.MethodDelete, "/api/v1/scans/"+started.ScanID+"?remove_output=true", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[scansvc.CleanupResult](t, rec).RemovedOutput)
	assert.NoDirExists(t, created)
}

func TestDeleteScan_BadBool(t *testing.T) {
	api := newTestAPI(t, false)
	rec := api.do(t, http.MethodDelete, "/api/v1/scans/abc?remove_output=maybe", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCleanupOld(t *testing.T) {
	api := newTestAPI(t, false)

	rec := api.do(t, http.MethodPost, "/api/v1/scans/cleanup", "", "")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPost, "/api/v1/scans/cleanup", `{"max_age_hours":-1}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestArchive_NotConfigured(t *testing.T) {
	api := newTestAPI(t, false)
	started := api.startScan(t, t.TempDir(), "")

	rec := api.do(t, http.MethodPost, "/api/v1/scans/"+started.ScanID+"/archive", "", "")
	assert.GreaterOrEqual(t, rec.Code, 400)
	assert.False(t, decode[apierror.Response](t, rec).Success)
}

func TestResultPaths(t *testing.T) {
	api := newTestAPI(t, false)
	out := t.TempDir()

	rec := api.do(t, http.MethodGet, "/api/v1/results/paths?output_dir="+out, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[scansvc.ResultPathsResult](t, rec).Success)
}

func TestResults_MissingAggregate(t *testing.T) {
	api := newTestAPI(t, false)

	rec := api.do(t, http.MethodGet, "/api/v1/results?output_dir="+t.TempDir(), "", "")
	assert.GreaterOrEqual(t, rec.Code, 400)
	resp := decode[apierror.Response](t, rec)
	assert.Equal(t, scansvc.OpGetScanResults, resp.Operation)
}

func TestAuth(t *testing.T) {
	api := newTestAPI(t, true)

	operator, _, err := api.tokens.GenerateAccessToken("ci-bot", jwt.RoleOperator)
	require.NoError(t, err)
	viewer, _, err := api.tokens.GenerateAccessToken("dashboard", jwt.RoleViewer)
	require.NoError(t, err)

	// Health stays public.
	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/health", "", "").Code)

	assert.Equal(t, http.StatusUnauthorized, api.do(t, http.MethodGet, "/api/v1/scans", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, api.do(t, http.MethodGet, "/api/v1/scans", "", "garbage").Code)
	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/v1/scans", "", viewer).Code)

	dir := t.TempDir()
	rec := api.do(t, http.MethodPost, "/api/v1/scans", `{"directory_path":"`+dir+`"}`, viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	started := api.startScan(t, dir, operator)
	assert.True(t, started.Success)
}

func TestRouteTable(t *testing.T) {
	log := logger.NewNop()
	server := infrahttp.NewServer(config.Defaults(), log)
	routes.Register(server.Router(), routes.Handlers{
		Health:  handler.NewHealthHandler(nil, ""),
		Scan:    &handler.ScanHandler{},
		Results: &handler.ResultsHandler{},
	}, nil, log)

	var b strings.Builder
	require.NoError(t, infrahttp.PrintRoutes(&b, infrahttp.CollectRoutes(server.Router()), "table",
		infrahttp.RouteFilters{Method: "POST"}))

	out := b.String()
	assert.Contains(t, out, "/api/v1/scans/{id}/cancel")
	assert.Contains(t, out, "/api/v1/scans/cleanup")
	assert.NotContains(t, out, "/health")
}
