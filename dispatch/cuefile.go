package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const cueReloadDebounce = 100 * time.Millisecond

// ParseCues decodes a cue list. Accepted forms: a YAML/JSON list, a mapping
// with a "cues" list, or plain text separated by commas or newlines.
func ParseCues(data []byte) []string {
	var list []string
	if err := yaml.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return list
	}
	var doc struct {
		Cues []string `yaml:"cues"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Cues) > 0 {
		return doc.Cues
	}
	return strings.FieldsFunc(string(data), func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
}

// LoadCueFile reads and parses a cue file.
func LoadCueFile(path string) ([]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read cue file: %w", err)
	}
	return ParseCues(data), nil
}

// WatchCueFile loads path into set and reloads it on every change until ctx
// is done. The initial load must succeed; later failures keep the previous
// list and are logged.
func WatchCueFile(ctx context.Context, path string, set *CueSet, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve cue file: %w", err)
	}
	cues, err := LoadCueFile(abs)
	if err != nil {
		return err
	}
	set.Replace(cues)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create cue watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch cue dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(cueReloadDebounce, func() {
					cues, err := LoadCueFile(abs)
					if err != nil {
						logger.Warn("imageguard: cue reload failed", "path", abs, "error", err)
						return
					}
					set.Replace(cues)
					logger.Info("imageguard: cues reloaded", "path", abs, "count", len(cues))
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("imageguard: cue watcher error", "error", err)
			}
		}
	}()
	return nil
}
