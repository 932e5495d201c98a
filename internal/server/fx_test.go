package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/multisession-harvester/internal/config"
	"github.com/JakeFAU/multisession-harvester/internal/harvest"
)

func newListingService(t *testing.T, items int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/swan/auth/login/pwd", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `{"success":true,"result":{"userId":"u-1"}}`)
	})
	for _, path := range []string{"/swan/auth/newinfo", "/swan/user-settings/get", "/swan/ab/user"} {
		mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = fmt.Fprint(w, `{"success":true,"result":{}}`)
		})
	}
	mux.HandleFunc("/swan/recommend/list/jobs", func(w http.ResponseWriter, _ *http.Request) {
		list := make([]map[string]any, 0, items)
		for i := 0; i < items; i++ {
			list = append(list, map[string]any{
				"jobResult": map[string]any{
					"jobId":    fmt.Sprintf("job-%d", i),
					"jobTitle": fmt.Sprintf("Go Engineer %d", i),
				},
				"companyResult": map[string]any{"companyName": "Acme"},
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"jobList": list},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildRunOnceExportsToLocalDir(t *testing.T) {
	listing := newListingService(t, 3)
	dir := t.TempDir()
	accounts := filepath.Join(dir, "accounts.json")
	require.NoError(t, os.WriteFile(accounts,
		[]byte(`{"accounts":[{"email":"a@example.com","password":"pw","name":"A"}]}`), 0o600))

	cfg := &config.Config{
		Server:      config.ServerConfig{Port: 8080},
		Credentials: config.CredentialsConfig{Path: accounts},
		Remote: config.RemoteConfig{
			BaseURL:               listing.URL,
			TimeoutSeconds:        5,
			MaxRetries:            1,
			PoolSize:              2,
			AcquireTimeoutSeconds: 1,
		},
		Harvest: config.HarvestConfig{
			HardCapPages:      5,
			MinPages:          1,
			PageSizeHeuristic: 15,
			Workers:           1,
			QueueDepth:        1,
			RetainMinutes:     5,
		},
		Export: config.ExportConfig{
			Backend: config.BackendLocal,
			Local:   config.LocalExportConfig{BaseDir: filepath.Join(dir, "exports")},
		},
	}

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	result, err := app.RunOnce(context.Background(), harvest.RunRequest{Sheet: "weekly", Target: 10})
	require.NoError(t, err)
	require.True(t, result.Success, result.Message)
	require.Equal(t, 3, result.TotalJobs)
	require.Equal(t, 1, result.AccountsUsed)
	require.Len(t, result.Exports, 1)
	require.Equal(t, harvest.ExportAll, result.Exports[0].Label)
	require.True(t, strings.HasPrefix(result.Exports[0].ResourceID, "file://"))

	path := strings.TrimPrefix(result.Exports[0].ResourceID, "file://")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "Go Engineer 2")

	tracker, ok := app.registry.Get(result.RunID)
	require.True(t, ok)
	require.True(t, tracker.Peek().Completed)

	_, err = app.RunOnce(context.Background(), harvest.RunRequest{Target: 10})
	require.Error(t, err)
}
