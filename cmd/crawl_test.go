package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlctl/internal/config"
)

type fakeApp struct {
	cfg    *config.Config
	runErr error
	ran    bool
	closed bool
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return f.runErr
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func withFakeApp(t *testing.T, fake *fakeApp) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, cfg *config.Config) (App, error) {
		fake.cfg = cfg
		return fake, nil
	}
	t.Cleanup(func() {
		newApp = orig
		cfgFile = ""
	})
}

func execute(args ...string) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(new(nopWriter))
	root.SetErr(new(nopWriter))
	return root.Execute()
}

type nopWriter struct{}

func (*nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestCrawlCommand_FlagsOverrideConfig(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	dir := t.TempDir()
	path := filepath.Join(dir, "crawlctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("crawl:\n  pool_size: 3\n  seeds: [\"https://example.com/\"]\n"), 0o600))

	err := execute("crawl",
		"--config", path,
		"--seed", "https://example.org/",
		"--pool-size", "9",
		"--recover-from", "/cp/cp-000004",
		"--working-dir", dir,
		"--pause-at-start",
		"--port", "9191",
	)
	require.NoError(t, err)

	require.True(t, fake.ran)
	require.True(t, fake.closed)
	assert.Equal(t, 9, fake.cfg.Crawl.PoolSize)
	assert.Equal(t, []string{"https://example.com/", "https://example.org/"}, fake.cfg.Crawl.Seeds)
	assert.Equal(t, "/cp/cp-000004", fake.cfg.Crawl.RecoverFrom)
	assert.Equal(t, dir, fake.cfg.Dirs.Working)
	assert.True(t, fake.cfg.Crawl.PauseAtStart)
	assert.Equal(t, 9191, fake.cfg.Server.Port)
	assert.Equal(t, path, fake.cfg.Path())
}

func TestCrawlCommand_ConfigDefaultsWithoutFlags(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	require.NoError(t, execute("crawl"))

	assert.Equal(t, 4, fake.cfg.Crawl.PoolSize)
	assert.Empty(t, fake.cfg.Crawl.RecoverFrom)
}

func TestCrawlCommand_InvalidFlagValue(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	err := execute("crawl", "--pool-size", "-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crawl.pool_size")
	assert.False(t, fake.ran)
}

func TestCrawlCommand_RunErrorStillCloses(t *testing.T) {
	fake := &fakeApp{runErr: errors.New("boom")}
	withFakeApp(t, fake)

	err := execute("crawl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, fake.closed)
}

func TestCrawlCommand_MissingConfigFile(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	err := execute("crawl", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}
