// Package outbox sends files dropped into a directory as chat messages.
// Text files become message content; anything else is uploaded as an
// attachment. Sent files are removed; failed ones are renamed with a
// .failed suffix so their content can be resubmitted.
package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"github.com/alexjbarnes/chatsync/internal/models"
)

const (
	dirPerm = fs.FileMode(0o700)

	// debounceInterval is how often pending events are checked.
	debounceInterval = 100 * time.Millisecond

	// settleDelay is how long a file must be quiet before it is sent.
	settleDelay = 300 * time.Millisecond

	// maxTextSize is the largest file sent as message content.
	maxTextSize = 64 << 10

	// FailedSuffix marks files whose send failed.
	FailedSuffix = ".failed"
)

// Sender is the subset of the message engine the watcher uses.
type Sender interface {
	Send(ctx context.Context, content string) (*models.Message, error)
	SendAttachment(ctx context.Context, name, contentType string, r io.Reader) (*models.Message, error)
}

// Watcher monitors the outbox directory.
type Watcher struct {
	dir    string
	sender Sender
	online func() bool
	logger *slog.Logger

	// queued holds files seen while offline, keyed by absolute path so
	// repeated events for the same file collapse to one.
	queued map[string]struct{}
}

// NewWatcher creates a watcher for dir. online reports whether sends
// can be attempted; while it is false files are queued.
func NewWatcher(dir string, sender Sender, online func() bool, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:    dir,
		sender: sender,
		online: online,
		logger: logger,
		queued: make(map[string]struct{}),
	}
}

// Watch blocks until ctx is cancelled. Files already in the directory
// are sent first.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, dirPerm); err != nil {
		return fmt.Errorf("creating outbox dir: %w", err)
	}

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching outbox dir: %w", err)
	}

	w.logger.Info("outbox watcher started", slog.String("dir", w.dir))

	pending := make(map[string]time.Time)

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("listing outbox dir: %w", err)
	}

	for _, e := range entries {
		if e.Type().IsRegular() && !w.shouldIgnore(e.Name()) {
			pending[filepath.Join(w.dir, e.Name())] = time.Time{}
		}
	}

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if w.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
				delete(w.queued, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("outbox watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			w.drainQueue(ctx)

			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < settleDelay {
					continue
				}

				delete(pending, path)
				w.handle(ctx, path)
			}
		}
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	if !w.online() {
		w.queued[path] = struct{}{}
		w.logger.Debug("queued outbox file (offline)", slog.String("path", path))

		return
	}

	info, err := os.Lstat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("stat failed", slog.String("path", path), slog.String("error", err.Error()))
		}

		return
	}

	if !info.Mode().IsRegular() {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("reading outbox file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	name := filepath.Base(path)

	var msg *models.Message

	if isText(name, data) {
		msg, err = w.sender.Send(ctx, string(data))
	} else {
		msg, err = w.sender.SendAttachment(ctx, name, contentType(name, data), bytes.NewReader(data))
	}

	if err != nil {
		if !w.online() {
			w.queued[path] = struct{}{}
			w.logger.Debug("re-queued outbox file after failure", slog.String("path", path))

			return
		}

		w.logger.Warn("sending outbox file failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		if rerr := os.Rename(path, path+FailedSuffix); rerr != nil {
			w.logger.Error("marking outbox file failed", slog.String("path", path), slog.String("error", rerr.Error()))
		}

		return
	}

	if err := os.Remove(path); err != nil {
		w.logger.Warn("removing sent outbox file", slog.String("path", path), slog.String("error", err.Error()))
	}

	w.logger.Info("outbox file sent", slog.String("file", name), slog.String("id", msg.ID))
}

// drainQueue retries files queued while offline. Files are re-read
// since they may have changed.
func (w *Watcher) drainQueue(ctx context.Context) {
	if len(w.queued) == 0 || !w.online() {
		return
	}

	w.logger.Info("draining outbox queue", slog.Int("count", len(w.queued)))

	paths := make([]string, 0, len(w.queued))
	for p := range w.queued {
		paths = append(paths, p)
	}

	for _, p := range paths {
		delete(w.queued, p)
		w.handle(ctx, p)

		if !w.online() {
			break
		}
	}
}

func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)

	return strings.HasPrefix(base, ".") ||
		strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".tmp") ||
		strings.HasSuffix(base, FailedSuffix)
}

// isText reports whether data should be sent as message content.
func isText(name string, data []byte) bool {
	if len(data) > maxTextSize || !utf8.Valid(data) {
		return false
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".text", "":
		return true
	}

	return strings.HasPrefix(http.DetectContentType(data), "text/plain")
}

func contentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}

	return http.DetectContentType(data)
}
