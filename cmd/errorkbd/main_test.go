package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/errorkb/internal/config"
	kbhttp "github.com/fyrsmithlabs/errorkb/internal/http"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Central.Driver = "sqlite"
	cfg.Central.DSN = config.Secret(filepath.Join(t.TempDir(), "central.db"))
	cfg.Server.Port = freePort(t)
	cfg.Server.ShutdownTimeout = config.Duration(2 * time.Second)
	cfg.Logging.Level = "error"
	return cfg
}

func TestRun_RequiresDSN(t *testing.T) {
	cfg := testConfig(t)
	cfg.Central.DSN = ""
	err := run(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "central.dsn is required")
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan *kbhttp.Server, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg, ready) }()

	select {
	case <-ready:
	case err := <-errCh:
		t.Fatalf("run() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server was not constructed in time")
	}

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
	assert.Contains(t, string(body), `go_sql_max_open_connections{db_name="central"}`)

	client, err := kbhttp.NewClient(kbhttp.ClientConfig{BaseURL: base})
	require.NoError(t, err)
	sum, err := client.GetSummary(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.TotalPatterns)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
