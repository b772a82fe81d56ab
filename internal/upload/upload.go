// ABOUTME: Script file upload, one-shot and on-save watch mode
// ABOUTME: Watch mode hashes file contents and suppresses duplicate uploads inside a debounce window

package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/FayCarsons/pidgeon/internal/dedupe"
)

// Device is what uploads need from the device link.
type Device interface {
	WriteScript(src string) error
	ReadLine(ctx context.Context) (string, error)
	Discard() int
	Monitor(ctx context.Context, fn func(line string)) error
}

// Once uploads the script at path and prints the first line the device
// answers with inside replyTimeout. Silence is not an error.
func Once(ctx context.Context, dev Device, path string, replyTimeout time.Duration, out io.Writer) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}

	dev.Discard()
	if err := dev.WriteScript(string(src)); err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}

	rctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()

	line, err := dev.ReadLine(rctx)
	switch {
	case err == nil:
		fmt.Fprintln(out, line)
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return nil
	default:
		return fmt.Errorf("reading reply: %w", err)
	}
}

// WatchOptions tunes Watch.
type WatchOptions struct {
	// Debounce is how long an identical upload of the same file is suppressed.
	Debounce time.Duration
	Out      io.Writer
	Logger   *slog.Logger
}

type uploadKey struct {
	path string
	sum  uint64
}

// Watch uploads path, then uploads it again whenever it changes, until ctx is
// done or the device fails. Device output is printed to opts.Out throughout.
func Watch(ctx context.Context, dev Device, path string, opts WatchOptions) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	logger := opts.Logger.With("component", "upload", "path", abs)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// editors often replace the file, so watch its directory
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	recent := dedupe.New[uploadKey](opts.Debounce, 16)
	defer recent.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var outMu sync.Mutex
	monitorErr := make(chan error, 1)
	go func() {
		monitorErr <- dev.Monitor(ctx, func(line string) {
			outMu.Lock()
			defer outMu.Unlock()
			fmt.Fprintln(opts.Out, line)
		})
	}()

	upload := func(src []byte) error {
		key := uploadKey{path: abs, sum: xxhash.Sum64(src)}
		if recent.CheckAndMark(key) {
			logger.Debug("unchanged, skipping upload", "hash", key.sum)
			return nil
		}
		if err := dev.WriteScript(string(src)); err != nil {
			return fmt.Errorf("uploading: %w", err)
		}
		logger.Info("uploaded script", "bytes", len(src), "hash", key.sum)
		return nil
	}

	src, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}
	if err := upload(src); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-monitorErr:
			if err != nil {
				return fmt.Errorf("device: %w", err)
			}
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			src, err := os.ReadFile(abs)
			if err != nil {
				// mid-save; the next event retries
				logger.Warn("script not readable yet", "error", err)
				continue
			}
			if len(src) == 0 {
				// truncated before the new contents are written
				continue
			}
			if err := upload(src); err != nil {
				return err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("file watcher error", "error", err)
		}
	}
}
