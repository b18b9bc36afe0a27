package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dydact/omni/internal/config"
	"github.com/dydact/omni/pkg/models"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(func(key string) string {
		switch key {
		case "PORT":
			return fmt.Sprintf("%d", freePort(t))
		case "DATABASE_URL":
			return filepath.Join(t.TempDir(), "omni.db")
		default:
			return ""
		}
	})
	require.NoError(t, err)
	return cfg
}

func TestNewWiresEverything(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(context.Background(), cfg, hclog.NewNullLogger())
	require.NoError(t, err)

	assert.NotNil(t, s.DB)
	assert.NotNil(t, s.Objects)
	assert.NotNil(t, s.Contents)
	assert.NotNil(t, s.Queue)
	assert.NotNil(t, s.Manager)
	assert.NotNil(t, s.orchestrator)
	assert.Nil(t, s.relay)

	// Migration ran.
	assert.True(t, s.DB.Migrator().HasTable(&models.Document{}))
	assert.True(t, s.DB.Migrator().HasTable(&models.BatchJob{}))
}

func TestNewRejectsBadChunkMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Batch.ChunkMode = "paragraph"
	_, err := New(context.Background(), cfg, hclog.NewNullLogger())
	require.Error(t, err)
}

func TestRunServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	// Fast loops so shutdown does not wait on long tickers.
	cfg.Batch.AccumulationPoll = 10 * time.Millisecond
	cfg.Batch.MonitorPoll = 10 * time.Millisecond

	s, err := New(context.Background(), cfg, hclog.NewNullLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	base := fmt.Sprintf("http://localhost:%d", cfg.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 10*time.Millisecond)

	// The API is live end to end.
	body, err := json.Marshal(map[string]interface{}{
		"name":        "smoke source",
		"source_type": "hubspot",
	})
	require.NoError(t, err)
	resp, err := http.Post(base+"/sources", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("server did not shut down")
	}
}
