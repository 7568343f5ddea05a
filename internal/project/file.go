package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileProvider serves project configuration from a YAML file.
type FileProvider struct {
	*StaticProvider
	path   string
	logger zerolog.Logger
}

// LoadFile reads and validates the projects file at path.
func LoadFile(path string, logger zerolog.Logger) (*FileProvider, error) {
	set, err := readSet(path)
	if err != nil {
		return nil, err
	}
	return &FileProvider{
		StaticProvider: NewStaticProvider(set),
		path:           path,
		logger:         logger.With().Str("component", "project-config").Logger(),
	}, nil
}

func readSet(path string) (*Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project config: %w", err)
	}
	return Parse(raw)
}

// Reload re-reads the file. An invalid file leaves the previous configuration in place.
func (p *FileProvider) Reload() error {
	set, err := readSet(p.path)
	if err != nil {
		return err
	}
	p.Replace(set)
	return nil
}

// Watch reloads the file whenever it changes until ctx is done. Editors that replace the file are
// handled by watching the containing directory.
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return err
	}
	target := filepath.Clean(p.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Warn().Err(err).Str("path", p.path).Msg("project config reload failed, keeping previous")
				continue
			}
			p.logger.Info().Str("path", p.path).Msg("project config reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn().Err(err).Msg("project config watcher error")
		}
	}
}
