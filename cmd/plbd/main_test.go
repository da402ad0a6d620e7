package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/plb/pkg/api"
	"github.com/cuemby/plb/pkg/config"
	"github.com/cuemby/plb/pkg/metrics"
	"github.com/cuemby/plb/pkg/simulator"
	"github.com/cuemby/plb/pkg/storage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfigCommand(t *testing.T) {
	path := writeFile(t, "plbd.yaml", `
log:
  level: debug
server:
  httpAddr: ":8000"
plb:
  minPlacementInterval: 2s
`)

	out, err := execute(t, "config", "-c", path, "--log-level", "")
	require.NoError(t, err)

	var got config.File
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, "debug", got.Log.Level)
	assert.Equal(t, ":8000", got.Server.HTTPAddr)
	assert.Equal(t, ":9191", got.Server.GRPCAddr, "defaults survive")
	require.NotNil(t, got.PLB)
	assert.Equal(t, 2*time.Second, got.PLB.MinPlacementInterval)
	assert.Equal(t, config.Default().PLBRefreshGap, got.PLB.PLBRefreshGap)
}

func TestConfigCommandRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		args []string
		want string
	}{
		{"invalid engine option", "plb:\n  plbRefreshGap: -1s\n", nil, "invalid configuration"},
		{"unknown log level", "log:\n  level: loud\n", nil, `unknown log level "loud"`},
		{"flag overrides file", "log:\n  level: info\n", []string{"--log-level", "chatty"}, `unknown log level "chatty"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "plbd.yaml", tt.yaml)
			args := append([]string{"config", "-c", path, "--log-level", ""}, tt.args...)
			_, err := execute(t, args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSimulateCommand(t *testing.T) {
	scenario := writeFile(t, "scenario.yaml", `
name: pair
seed: 5
refreshes: 8
nodes:
  - {id: n1, faultDomain: /r1, capacities: {CPU: 50}}
  - {id: n2, faultDomain: /r2, capacities: {CPU: 50}}
services:
  - name: web
    replicas: 2
    metrics: [{name: CPU, primaryLoad: 10}]
`)
	traces := t.TempDir()

	out, err := execute(t, "simulate", "-c", "", "--log-level", "error",
		"-f", scenario, "--refreshes", "3", "--trace-dir", traces)
	require.NoError(t, err)

	var report simulator.Report
	require.NoError(t, yaml.Unmarshal([]byte(out), &report))
	assert.Equal(t, "pair", report.Scenario)
	assert.Equal(t, 3, report.Refreshes, "flag overrides the scenario")
	require.Len(t, report.Partitions, 1)
	assert.Len(t, report.Partitions[0].Replicas, 2)

	store, err := storage.NewBoltTraceStore(traces)
	require.NoError(t, err)
	defer store.Close()
	refreshes, err := store.ListRefreshes(storage.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, refreshes, 3)
}

func TestHealthCommand(t *testing.T) {
	metrics.RegisterComponent(metrics.ComponentEngine, true, "")
	metrics.RegisterComponent(metrics.ComponentRefresh, true, "")

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := api.NewGRPCServer(10 * time.Millisecond)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	out, err := execute(t, "health", "-c", "", "--log-level", "", "--addr", lis.Addr().String())
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "SERVING"`)

	metrics.UpdateComponent(metrics.ComponentEngine, false, "disposed")
	assert.Eventually(t, func() bool {
		_, err := execute(t, "health", "-c", "", "--log-level", "", "--addr", lis.Addr().String())
		return err != nil
	}, time.Second, 20*time.Millisecond)
}

func TestStaleAfter(t *testing.T) {
	tests := []struct {
		gap  time.Duration
		want time.Duration
	}{
		{time.Second, 30 * time.Second},
		{10 * time.Second, 100 * time.Second},
	}
	for _, tt := range tests {
		cfg := config.Default()
		cfg.PLBRefreshGap = tt.gap
		assert.Equal(t, tt.want, staleAfter(cfg), "gap %s", tt.gap)
	}
}

func TestPruneTracesStops(t *testing.T) {
	store, err := storage.NewBoltTraceStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	assert.NoError(t, pruneTraces(context.Background(), store, 0, zerolog.Nop()), "zero retention keeps everything")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, pruneTraces(ctx, store, time.Hour, zerolog.Nop()))
}
