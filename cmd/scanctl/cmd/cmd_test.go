package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scansvc "github.com/openctemio/scanregistry/internal/app/scan"
	ws "github.com/openctemio/scanregistry/internal/infra/websocket"
	"github.com/openctemio/scanregistry/pkg/apierror"
	"github.com/openctemio/scanregistry/pkg/domain/scan"
	"github.com/openctemio/scanregistry/pkg/jwt"
	"github.com/openctemio/scanregistry/pkg/logger"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// runCLI executes the root command against server and returns stdout.
func runCLI(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()

	flagServer, flagToken, flagOutput, flagVerbose = "", "", outputTable, false
	flagRemoveOutput, flagListActive, flagListDirectory = false, false, ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(append([]string{"--server", server}, args...))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestClient_ParseAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(apierror.Response{
			Success:       false,
			Operation:     "get_scan",
			Error:         "Scan abc not found",
			ErrorType:     "ScanNotFound",
			ErrorCategory: apierror.CategoryScanNotFound,
			Suggestions:   []string{"List scans to find valid IDs"},
		})
	}))
	defer srv.Close()

	_, status, err := NewClient(srv.URL, "", nil).Do(context.Background(), http.MethodGet, "/api/v1/scans/abc", nil, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierror.CategoryScanNotFound, apiErr.Category)
	assert.Equal(t, "Scan abc not found", apiErr.Message)
	assert.Contains(t, err.Error(), "List scans to find valid IDs")
}

func TestClient_StatusFallbackMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "", nil).GetJSON(context.Background(), "/", nil, &struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operator role required")
}

func TestClient_SendsBearerTokenAndLogsVerbose(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	var verbose bytes.Buffer
	var dst map[string]any
	err := NewClient(srv.URL+"/", "tok", &verbose).GetJSON(context.Background(), "/api/v1/scans", nil, &dst)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, true, dst["success"])
	assert.Contains(t, verbose.String(), ">>> GET "+srv.URL+"/api/v1/scans")
	assert.Contains(t, verbose.String(), "<<< 200 OK")
}

func TestListCommand_Table(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(scansvc.ScanListResult{
			Success: true,
			Count:   1,
			Scans: []scan.Snapshot{{
				ScanID:            "3f2a9c1e-0000-0000-0000-000000000000",
				DirectoryPath:     "/src/app",
				SeverityThreshold: "MEDIUM",
				Status:            scan.StatusRunning,
				StartTime:         time.Now().Add(-time.Minute),
			}},
		})
	}))
	defer srv.Close()

	out, err := runCLI(t, srv.URL, "list", "--active")
	require.NoError(t, err)
	assert.Equal(t, "active_only=true", gotQuery)
	assert.Contains(t, out, "SCAN ID")
	assert.Contains(t, out, "Running")
	assert.Contains(t, out, "/src/app")
}

func TestListCommand_JSONAndEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(scansvc.ScanListResult{Success: true, Scans: []scan.Snapshot{}})
	}))
	defer srv.Close()

	out, err := runCLI(t, srv.URL, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No scans found.")

	out, err = runCLI(t, srv.URL, "list", "-o", "json")
	require.NoError(t, err)
	var decoded scansvc.ScanListResult
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.True(t, decoded.Success)

	_, err = runCLI(t, srv.URL, "list", "-o", "xml")
	require.Error(t, err)
}

func TestCancelCommand_FinishedScan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/scans/abc/cancel", r.URL.Path)
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(scansvc.CancelResult{
			ScanID:  "abc",
			Status:  scan.StatusCompleted,
			Message: "Scan abc is already completed and cannot be cancelled",
		})
	}))
	defer srv.Close()

	out, err := runCLI(t, srv.URL, "cancel", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not cancelled")
	assert.Contains(t, out, "already completed")
}

func TestCleanupCommand_RemoveOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "true", r.URL.Query().Get("remove_output"))
		_ = json.NewEncoder(w).Encode(scansvc.CleanupResult{
			Success: true, ScanID: "abc", RemovedOutput: true, RemovedFromRegistry: true,
			Message: "Scan abc cleaned up",
		})
	}))
	defer srv.Close()

	out, err := runCLI(t, srv.URL, "cleanup", "abc", "--remove-output")
	require.NoError(t, err)
	assert.Contains(t, out, "Scan abc cleaned up")
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", testSecret)

	out, err := runCLI(t, "http://unused", "token", "--subject", "ci", "--role", "OPERATOR", "--ttl", "1h")
	require.NoError(t, err)

	claims, err := jwt.ValidateToken(strings.TrimSpace(out), testSecret)
	require.NoError(t, err)
	assert.Equal(t, "ci", claims.Subject)
	assert.Equal(t, jwt.RoleOperator, claims.Role)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)

	_, err = runCLI(t, "http://unused", "token", "--subject", "ci", "--role", "admin")
	require.ErrorIs(t, err, jwt.ErrInvalidRole)
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		server  string
		want    string
		wantErr bool
	}{
		{server: "http://localhost:8080", want: "ws://localhost:8080/api/v1/ws"},
		{server: "https://scans.example.com/", want: "wss://scans.example.com/api/v1/ws"},
		{server: "https://example.com/registry", want: "wss://example.com/registry/api/v1/ws"},
		{server: "ftp://example.com", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.server, func(t *testing.T) {
			got, err := websocketURL(tt.server)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWatchCommand_ReturnsOnFinalEvent(t *testing.T) {
	log := logger.NewNop()
	hub := ws.NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ws", ws.NewHandler(hub, nil, log).ServeWS)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	channel := ws.ScanChannel("abc")
	ws.NewScanPublisher(hub).Publish("abc", scansvc.ProgressEvent{
		Type:              scansvc.EventCompleted,
		ScanID:            "abc",
		Status:            scan.StatusCompleted,
		Progress:          100,
		Message:           "Scan completed",
		CompletedScanners: 3,
		TotalScanners:     3,
		Timestamp:         time.Now(),
	})
	require.Eventually(t, func() bool {
		_, ok := hub.LastEvent(channel)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	out, err := runCLI(t, srv.URL, "watch", "abc")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "3/3 (100%)")
}
