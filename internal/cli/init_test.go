package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger/internal/config"
	"ledger/internal/log"
	"ledger/internal/profiles"
)

func quietLogger() *log.Logger {
	return log.New(log.Config{Format: "json", Output: &bytes.Buffer{}})
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.SourceBackend = config.SourceMemory
	cfg.SourceSeedFile = filepath.Join(t.TempDir(), "missing.json")
	cfg.SQLiteDBPath = ""
	cfg.AMQPURL = ""
	cfg.OTELEndpoint = ""
	cfg.DrainTick = time.Millisecond
	return cfg
}

func TestLoadAndValidateConfig(t *testing.T) {
	t.Setenv("SQLITE_DB_PATH", filepath.Join(t.TempDir(), "ledger.db"))
	t.Setenv("SOURCE_BACKEND", "ftp")
	_, err := LoadAndValidateConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid source backend")

	t.Setenv("SOURCE_BACKEND", "memory")
	cfg, err := LoadAndValidateConfig()
	require.NoError(t, err)
	assert.Equal(t, config.SourceMemory, cfg.SourceBackend)
}

func TestSetupLogger(t *testing.T) {
	cfg := config.Load()
	cfg.LogLevel = "verbose"
	logger := SetupLogger(cfg, log.ComponentCLI)
	require.NotNil(t, logger)
	assert.Equal(t, log.ComponentCLI, logger.Component())
}

func TestInitHistory(t *testing.T) {
	cfg := testConfig(t)

	repo, err := InitHistory(quietLogger(), cfg)
	require.NoError(t, err)
	assert.Nil(t, repo, "empty path disables history")

	cfg.SQLiteDBPath = filepath.Join(t.TempDir(), "nested", "ledger.db")
	repo, err = InitHistory(quietLogger(), cfg)
	require.NoError(t, err)
	require.NotNil(t, repo)
	require.NoError(t, repo.Close())
	_, err = os.Stat(cfg.SQLiteDBPath)
	assert.NoError(t, err)
}

func TestBuildService(t *testing.T) {
	cfg := testConfig(t)
	cfg.SQLiteDBPath = filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	rt, err := BuildService(ctx, cfg, quietLogger(), "test", nil)
	require.NoError(t, err)
	require.NotNil(t, rt.Service)
	require.NotNil(t, rt.History)

	sess, err := rt.Service.Create(ctx, profiles.Earned)
	require.NoError(t, err)
	_, err = rt.Service.Execute(ctx, sess.ID(), "start")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Wait(waitCtx))

	// Closing the service flushes the finished run into history.
	require.NoError(t, rt.Service.Close(ctx))
	runs, err := rt.Service.History(ctx, profiles.Earned, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "done", runs[0].Status)

	require.NoError(t, rt.Close(ctx))
}

func TestBuildService_InvalidBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.SourceBackend = "ftp"

	_, err := BuildService(context.Background(), cfg, quietLogger(), "test", nil)
	assert.Error(t, err)
}

func TestGracefulShutdown(t *testing.T) {
	sigs := make(chan os.Signal, 1)
	stopped := false
	cleaned := make(chan struct{})

	ctx, done := gracefulShutdown(quietLogger(), time.Second, func(ctx context.Context) {
		assert.NoError(t, ctx.Err())
		close(cleaned)
	}, sigs, func() { stopped = true })

	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before a signal")
	default:
	}

	sigs <- syscall.SIGTERM
	WaitForShutdown(ctx, done)

	assert.True(t, stopped)
	select {
	case <-cleaned:
	default:
		t.Fatal("cleanup did not run")
	}
}

func TestGracefulShutdown_Timeout(t *testing.T) {
	sigs := make(chan os.Signal, 1)
	release := make(chan struct{})
	defer close(release)

	ctx, done := gracefulShutdown(quietLogger(), 10*time.Millisecond, func(ctx context.Context) {
		<-release
	}, sigs, func() {})

	sigs <- syscall.SIGINT
	finished := make(chan struct{})
	go func() {
		WaitForShutdown(ctx, done)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not give up after the timeout")
	}
}
