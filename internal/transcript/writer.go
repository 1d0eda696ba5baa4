// Package transcript mirrors the message list to a Markdown file with
// YAML frontmatter. Edits are shown as an inline diff against the
// content last written for that message.
package transcript

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/chatsync/internal/models"
)

// Frontmatter is the YAML header of a transcript file.
type Frontmatter struct {
	Channel string    `yaml:"channel"`
	Count   int       `yaml:"count"`
	Updated time.Time `yaml:"updated"`
}

// Writer renders message lists to path.
type Writer struct {
	path    string
	channel string
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]string

	latest  []models.Message
	dirty   bool
	changed chan struct{}
}

// NewWriter creates a Writer for path.
func NewWriter(path, channel string, logger *slog.Logger) *Writer {
	return &Writer{
		path:    path,
		channel: channel,
		logger:  logger,
		now:     time.Now,
		seen:    make(map[string]string),
		changed: make(chan struct{}, 1),
	}
}

// Notify records msgs as the latest list. Run writes it.
func (w *Writer) Notify(msgs []models.Message) {
	w.mu.Lock()
	w.latest = msgs
	w.dirty = true
	w.mu.Unlock()

	select {
	case w.changed <- struct{}{}:
	default:
	}
}

// Run writes the latest list after every Notify until ctx is done.
// Notifications arriving during a write collapse into one more write.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.changed:
		}

		w.mu.Lock()
		msgs, dirty := w.latest, w.dirty
		w.dirty = false
		w.mu.Unlock()

		if !dirty {
			continue
		}

		if err := w.Write(msgs); err != nil {
			w.logger.Warn("writing transcript", slog.String("path", w.path), slog.String("error", err.Error()))
		}
	}
}

// Write renders msgs and replaces the file atomically.
func (w *Writer) Write(msgs []models.Message) error {
	w.mu.Lock()
	body, err := w.render(msgs)
	w.mu.Unlock()

	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("creating transcript dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(w.path), ".transcript-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing transcript: %w", err)
	}

	return nil
}

// render builds the file. w.mu must be held.
func (w *Writer) render(msgs []models.Message) ([]byte, error) {
	fm, err := yaml.Marshal(Frontmatter{
		Channel: w.channel,
		Count:   len(msgs),
		Updated: w.now().UTC().Truncate(time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding frontmatter: %w", err)
	}

	var buf bytes.Buffer

	buf.WriteString("---\n")
	buf.Write(fm)
	buf.WriteString("---\n\n")
	fmt.Fprintf(&buf, "# %s\n", w.channel)

	live := make(map[string]struct{}, len(msgs))

	for _, m := range msgs {
		live[m.ID] = struct{}{}

		fmt.Fprintf(&buf, "\n**%s** · %s", m.AuthorID, m.CreatedAt.UTC().Format(time.RFC3339))

		if m.Pinned {
			buf.WriteString(" · pinned")
		}

		if m.Edited() {
			buf.WriteString(" · edited")
		}

		if m.Pending {
			buf.WriteString(" · sending")
		}

		buf.WriteString("\n\n")

		content := m.Content
		if prev, ok := w.seen[m.ID]; ok && prev != m.Content {
			content = inlineDiff(prev, m.Content)
		}

		buf.WriteString(quote(content))
		buf.WriteString("\n")

		if r := reactions(m.Reactions); r != "" {
			buf.WriteString("\n")
			buf.WriteString(r)
			buf.WriteString("\n")
		}

		if !m.Pending {
			w.seen[m.ID] = m.Content
		}
	}

	for id := range w.seen {
		if _, ok := live[id]; !ok {
			delete(w.seen, id)
		}
	}

	return buf.Bytes(), nil
}

// inlineDiff marks deletions with ~~strike~~ and insertions with **bold**.
func inlineDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))

	var sb strings.Builder

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			sb.WriteString(d.Text)
		case diffmatchpatch.DiffDelete:
			sb.WriteString("~~" + d.Text + "~~")
		case diffmatchpatch.DiffInsert:
			sb.WriteString("**" + d.Text + "**")
		}
	}

	return sb.String()
}

func quote(s string) string {
	return "> " + strings.ReplaceAll(s, "\n", "\n> ")
}

func reactions(rs map[string]models.Reaction) string {
	if len(rs) == 0 {
		return ""
	}

	emojis := make([]string, 0, len(rs))
	for e := range rs {
		emojis = append(emojis, e)
	}

	slices.Sort(emojis)

	parts := make([]string, 0, len(emojis))
	for _, e := range emojis {
		parts = append(parts, fmt.Sprintf("%s %d", e, rs[e].Count))
	}

	return strings.Join(parts, "  ")
}

// ReadFrontmatter parses the YAML header of the transcript at path.
func ReadFrontmatter(path string) (*Frontmatter, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if !bytes.HasPrefix(content, []byte("---\n")) {
		return nil, fmt.Errorf("%s: no frontmatter", path)
	}

	rest := content[4:]

	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, fmt.Errorf("%s: unterminated frontmatter", path)
	}

	var fm Frontmatter
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return nil, fmt.Errorf("%s: parsing frontmatter: %w", path, err)
	}

	return &fm, nil
}
