package tokenbridge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// FileSource reads the token from a file and follows changes to it. A
// missing or empty file means no credential.
type FileSource struct {
	Path   string
	Logger *slog.Logger
}

// Read returns the current token.
func (s *FileSource) Read() (string, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Watch pushes the current token, then every change, until ctx is
// cancelled.
func (s *FileSource) Watch(ctx context.Context, push PushFunc) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("token_file", s.Path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic replace-by-rename is seen.
	if err := watcher.Add(filepath.Dir(s.Path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.Path), err)
	}

	last, err := s.Read()
	if err != nil {
		return err
	}
	_ = push(ctx, last)

	baseName := filepath.Base(s.Path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != baseName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}

			token, err := s.Read()
			if err != nil {
				logger.Warn("token file unreadable", "error", err)
				continue
			}
			if token == last {
				continue
			}
			last = token
			logger.Debug("token file changed", "empty", token == "")
			_ = push(ctx, token)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("token file watcher error", "error", err)
		}
	}
}
