package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// DirectoryWatcher polls employees.yaml and hands every new valid version of
// the directory to a callback. A touched file with identical content, or an
// edit that fails validation, keeps the last applied directory.
type DirectoryWatcher struct {
	path     string
	interval time.Duration
	logger   zerolog.Logger

	lastMod time.Time
	lastSum [sha256.Size]byte
}

// NewDirectoryWatcher creates a watcher; empty path and zero interval fall
// back to configs/employees.yaml every 30s.
func NewDirectoryWatcher(path string, interval time.Duration, logger *zerolog.Logger) *DirectoryWatcher {
	if path == "" {
		path = "configs/employees.yaml"
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DirectoryWatcher{
		path:     path,
		interval: interval,
		logger:   logger.With().Str("component", "directory").Str("path", path).Logger(),
	}
}

// Start loads the directory once, failing if it is unusable, then polls in
// the background until ctx is done.
func (w *DirectoryWatcher) Start(ctx context.Context, onUpdate func(*DirectoryConfig)) error {
	cfg, err := w.load()
	if err != nil {
		return err
	}
	w.apply(cfg, onUpdate)

	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.poll(onUpdate)
			}
		}
	}()
	return nil
}

func (w *DirectoryWatcher) poll(onUpdate func(*DirectoryConfig)) {
	info, err := os.Stat(w.path)
	if err != nil || !info.ModTime().After(w.lastMod) {
		return
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return
	}
	sum := sha256.Sum256(data)
	if bytes.Equal(sum[:], w.lastSum[:]) {
		w.lastMod = info.ModTime()
		w.logger.Debug().Msg("directory touched without changes")
		return
	}
	cfg, err := parseDirectory(data)
	if err != nil {
		// Retried on the next change only.
		w.lastMod = info.ModTime()
		w.logger.Warn().Err(err).Msg("keeping previous employee directory")
		return
	}
	w.lastMod, w.lastSum = info.ModTime(), sum
	w.apply(cfg, onUpdate)
}

func (w *DirectoryWatcher) load() (*DirectoryConfig, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	cfg, err := parseDirectory(data)
	if err != nil {
		return nil, err
	}
	w.lastMod, w.lastSum = info.ModTime(), sha256.Sum256(data)
	return cfg, nil
}

func (w *DirectoryWatcher) apply(cfg *DirectoryConfig, onUpdate func(*DirectoryConfig)) {
	w.logger.Info().
		Int("employees", len(cfg.Employees)).
		Int("groups", len(cfg.Groups())).
		Msg("employee directory loaded")
	if onUpdate != nil {
		onUpdate(cfg)
	}
}
