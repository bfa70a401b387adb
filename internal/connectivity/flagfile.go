package connectivity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/dinovending/dino/backend/internal/logging"
)

// FlagFile follows a file the host rewrites on network changes. The device
// is online while the file exists and does not read "offline", "0" or
// "false".
type FlagFile struct {
	*Manual
	path string
}

// NewFlagFile creates a FlagFile and reads the current state.
func NewFlagFile(path string) *FlagFile {
	f := &FlagFile{Manual: NewManual(false), path: path}
	f.Manual.online = readFlag(path)
	return f
}

func readFlag(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "offline", "0", "false":
		return false
	}
	return true
}

// Refresh rereads the file.
func (f *FlagFile) Refresh() bool {
	online := readFlag(f.path)
	if f.Set(online) {
		logging.Info("connectivity changed", map[string]interface{}{"online": online, "source": "file"})
	}
	return online
}

// Run watches the file's directory until ctx is done. The directory is
// watched rather than the file so that deletes and atomic renames are seen.
func (f *FlagFile) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	f.Refresh()

	name := filepath.Clean(f.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) == name {
				f.Refresh()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Error("connectivity watcher error", err)
		}
	}
}
