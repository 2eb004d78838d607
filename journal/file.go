package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
)

const maxLineBytes = 64 * 1024

// File is a JSON-lines journal on local disk.
type File struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
	f  *os.File
}

// OpenFile opens (creating if needed) the journal at path for appending.
func OpenFile(path string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &File{path: path, logger: logger, f: f}, nil
}

func (j *File) Append(_ context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return fs.ErrClosed
	}
	if _, err := j.f.Write(line); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

func (j *File) Replay(ctx context.Context, fn func(Record) error) error {
	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open journal for replay: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			j.logger.Warn("imageguard: skipping malformed journal line", "path", j.path, "line", lineNo, "error", err)
			continue
		}
		if err := r.Validate(); err != nil {
			j.logger.Warn("imageguard: skipping invalid journal record", "path", j.path, "line", lineNo, "error", err)
			continue
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	return nil
}

func (j *File) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}
