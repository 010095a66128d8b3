package config

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadExpandsEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ATTENDSYNC_TEST_REDIS", "redis://cache:6379/2")
	path := writeFile(t, dir, "config.yaml", `
server:
  allowed_origins: ["http://localhost:3000"]
database:
  path: `+filepath.Join(dir, "data", "a.db")+`
redis:
  url: ${ATTENDSYNC_TEST_REDIS}
edit:
  elevation_window_minutes: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.Console.HubURL)
	assert.Equal(t, "configs/employees.yaml", cfg.Directory.Path)
	assert.DirExists(t, filepath.Join(dir, "data"))

	assert.Equal(t, 5*time.Minute, cfg.ElevationWindow())
	assert.Equal(t, 10*time.Second, cfg.CommitTimeout())
	rate, burst := cfg.MessageRate()
	assert.Equal(t, 20.0, rate)
	assert.Equal(t, 40, burst)
	assert.Zero(t, cfg.FeedCacheTTL())
	assert.Equal(t, 15*time.Minute, cfg.FeedRefreshInterval())
	assert.Equal(t, 30*time.Second, cfg.DirectoryReloadInterval())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeFile(t, t.TempDir(), "bad.yaml", "server: [")
	_, err = Load(path)
	assert.Error(t, err)
}

const validDirectory = `
employees:
  - id: E1
    punch_code: P1
    name: Anita
    reporting_groups: [assembly]
  - id: E2
    punch_code: P2
    name: Marcus
    reporting_groups: [assembly, packing]
`

func TestLoadDirectory(t *testing.T) {
	path := writeFile(t, t.TempDir(), "employees.yaml", validDirectory)

	cfg, err := LoadDirectory(path)
	require.NoError(t, err)
	require.Len(t, cfg.Employees, 2)
	assert.Equal(t, "P2", cfg.Employees[1].PunchCode)
	assert.Equal(t, []string{"assembly", "packing"}, cfg.Groups())
}

func TestDirectoryValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", "employees: []"},
		{"missing id", "employees:\n  - punch_code: P1\n    name: A\n    reporting_groups: [g]"},
		{"duplicate id", "employees:\n  - {id: E1, punch_code: P1, name: A, reporting_groups: [g]}\n  - {id: E1, punch_code: P2, name: B, reporting_groups: [g]}"},
		{"duplicate punch", "employees:\n  - {id: E1, punch_code: P1, name: A, reporting_groups: [g]}\n  - {id: E2, punch_code: P1, name: B, reporting_groups: [g]}"},
		{"missing name", "employees:\n  - {id: E1, punch_code: P1, reporting_groups: [g]}"},
		{"no groups", "employees:\n  - {id: E1, punch_code: P1, name: A}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "employees.yaml", tt.body)
			_, err := LoadDirectory(path)
			assert.Error(t, err)
		})
	}
}

func newWatcher(path string, interval time.Duration) *DirectoryWatcher {
	logger := zerolog.New(io.Discard)
	return NewDirectoryWatcher(path, interval, &logger)
}

type directoryUpdates struct {
	mu    sync.Mutex
	sizes []int
}

func (u *directoryUpdates) record(cfg *DirectoryConfig) {
	u.mu.Lock()
	u.sizes = append(u.sizes, len(cfg.Employees))
	u.mu.Unlock()
}

func (u *directoryUpdates) snapshot() []int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]int(nil), u.sizes...)
}

func touch(t *testing.T, path string, offset time.Duration) {
	t.Helper()
	later := time.Now().Add(offset)
	require.NoError(t, os.Chtimes(path, later, later))
}

func TestDirectoryWatcherReloadsOnChange(t *testing.T) {
	path := writeFile(t, t.TempDir(), "employees.yaml", validDirectory)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := &directoryUpdates{}
	require.NoError(t, newWatcher(path, 10*time.Millisecond).Start(ctx, updates.record))

	updated := validDirectory + `  - id: E3
    punch_code: P3
    name: Sofia
    reporting_groups: [packing]
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	touch(t, path, time.Minute)

	assert.Eventually(t, func() bool {
		sizes := updates.snapshot()
		return len(sizes) >= 2 && sizes[len(sizes)-1] == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, updates.snapshot()[0])
}

func TestDirectoryWatcherSkipsUnchangedAndInvalid(t *testing.T) {
	path := writeFile(t, t.TempDir(), "employees.yaml", validDirectory)
	w := newWatcher(path, time.Hour)
	updates := &directoryUpdates{}
	require.NoError(t, w.Start(context.Background(), updates.record))

	// Same bytes, newer mtime.
	touch(t, path, time.Minute)
	w.poll(updates.record)
	assert.Equal(t, []int{2}, updates.snapshot())

	// Fails validation; the previous directory stays applied.
	require.NoError(t, os.WriteFile(path, []byte("employees: []"), 0o644))
	touch(t, path, 2*time.Minute)
	w.poll(updates.record)
	assert.Equal(t, []int{2}, updates.snapshot())

	// Reverting to the applied content is not a change either.
	require.NoError(t, os.WriteFile(path, []byte(validDirectory), 0o644))
	touch(t, path, 3*time.Minute)
	w.poll(updates.record)
	assert.Equal(t, []int{2}, updates.snapshot())
}

func TestDirectoryWatcherInitialLoadFails(t *testing.T) {
	path := writeFile(t, t.TempDir(), "employees.yaml", "employees: []")
	err := newWatcher(path, time.Second).Start(context.Background(), nil)
	assert.Error(t, err)

	err = newWatcher(filepath.Join(t.TempDir(), "missing.yaml"), time.Second).Start(context.Background(), nil)
	assert.Error(t, err)
}
