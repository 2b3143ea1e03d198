package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/reelflow/pkg/videoproc"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reelflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DriverSQLite, cfg.Storage.Driver)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, []int{320, 240, 128}, cfg.Video.Bitrates)
	require.Equal(t, 30*time.Second, cfg.Video.ApprovalTimeout)
	require.Equal(t, 15*time.Second, cfg.Video.PeriodicInterval)
	require.Equal(t, 4, cfg.Worker.Concurrency)
	require.Empty(t, cfg.Schedules)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: redis
  dsn: redis://localhost:6379/0
worker:
  concurrency: 8
  max_attempts: 5
  initial_backoff: 250ms
  activities:
    A_TranscodeVideo:
      max_attempts: 2
      backoff: 10s
video:
  bitrates: [1080, 720]
  approval_timeout: 2m
  host: https://videos.example.com
schedules:
  - name: nightly
    cron: "0 3 * * *"
    workflow: O_PeriodicTask
    input: "0"
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DriverRedis, cfg.Storage.Driver)
	require.Equal(t, "redis://localhost:6379/0", cfg.Storage.DSN)
	require.Equal(t, 8, cfg.Worker.Concurrency)
	require.Equal(t, 250*time.Millisecond, cfg.Worker.InitialBackoff)
	require.Equal(t, []int{1080, 720}, cfg.Video.Bitrates)
	require.Equal(t, 2*time.Minute, cfg.Video.ApprovalTimeout)
	require.Len(t, cfg.Schedules, 1)
	require.Equal(t, "O_PeriodicTask", cfg.Schedules[0].Workflow)
	require.Equal(t, "debug", cfg.Log.Level)

	vp := cfg.VideoProc()
	require.Equal(t, "https://videos.example.com", vp.Host)
	require.Equal(t, 15*time.Second, vp.PeriodicInterval)

	wc := cfg.WorkerConfig()
	require.Equal(t, 8, wc.Concurrency)
	require.Equal(t, 5, wc.Retry.MaxAttempts)
	require.Equal(t, 2.0, wc.Retry.BackoffMultiplier)
	require.Equal(t, 250*time.Millisecond, wc.Retry.Backoff(1))
	require.Equal(t, time.Minute, wc.Retry.MaxBackoff)

	// viper lower-cases map keys.
	transcode := wc.ActivityRetry[strings.ToLower(videoproc.ActivityTranscodeVideo)]
	require.Equal(t, 2, transcode.MaxAttempts)
	require.Equal(t, 10*time.Second, transcode.Backoff(1))
	require.Equal(t, 10*time.Second, transcode.Backoff(2))

	thumb := wc.ActivityRetry[videoproc.ActivityExtractThumbnail]
	require.Equal(t, 1, thumb.MaxAttempts)
	require.Zero(t, thumb.Backoff(1))
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "http:\n  addr: \":9000\"\n")
	t.Setenv("REELFLOW_HTTP_ADDR", ":9999")
	t.Setenv("REELFLOW_STORAGE_DRIVER", "memory")
	t.Setenv("REELFLOW_VIDEO_APPROVAL_TIMEOUT", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.HTTP.Addr)
	require.Equal(t, DriverMemory, cfg.Storage.Driver)
	require.Equal(t, 45*time.Second, cfg.Video.ApprovalTimeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: cassandra
worker:
  concurrency: 0
schedules:
  - name: broken
`)

	_, err := Load(path)
	require.Error(t, err)
	require.ErrorContains(t, err, "storage.driver")
	require.ErrorContains(t, err, "worker.concurrency")
	require.ErrorContains(t, err, "schedules[0]")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
