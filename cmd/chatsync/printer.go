package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/alexjbarnes/chatsync/internal/models"
)

// printer writes chat lines for tail. It remembers what it has printed so
// list updates only emit new or edited messages.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	self string
	seen map[string]string

	stamp  *color.Color
	author *color.Color
	own    *color.Color
	muted  *color.Color
}

func newPrinter(out io.Writer, self string, noColor bool) *printer {
	p := &printer{
		out:    out,
		self:   self,
		seen:   make(map[string]string),
		stamp:  color.New(color.FgHiBlack),
		author: color.New(color.FgCyan, color.Bold),
		own:    color.New(color.FgGreen, color.Bold),
		muted:  color.New(color.FgYellow),
	}

	if noColor {
		for _, c := range []*color.Color{p.stamp, p.author, p.own, p.muted} {
			c.DisableColor()
		}
	}

	return p
}

// History prints the last n confirmed messages of msgs and marks every
// message as seen.
func (p *printer) History(msgs []models.Message, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	confirmed := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Pending {
			continue
		}

		confirmed = append(confirmed, m)
		p.seen[m.ID] = version(m)
	}

	if n >= 0 && len(confirmed) > n {
		confirmed = confirmed[len(confirmed)-n:]
	}

	for _, m := range confirmed {
		fmt.Fprintln(p.out, p.line(m, false))
	}
}

// Update prints messages of msgs that are new or changed since the last
// call. Pending records are skipped until the service confirms them.
func (p *printer) Update(msgs []models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range msgs {
		if m.Pending {
			continue
		}

		v := version(m)

		prev, ok := p.seen[m.ID]
		if ok && prev == v {
			continue
		}

		p.seen[m.ID] = v
		fmt.Fprintln(p.out, p.line(m, ok))
	}
}

func (p *printer) line(m models.Message, changed bool) string {
	var b strings.Builder

	b.WriteString(p.stamp.Sprint(m.CreatedAt.Local().Format(time.TimeOnly)))
	b.WriteByte(' ')

	name := p.author
	if m.AuthorID == p.self {
		name = p.own
	}

	b.WriteString(name.Sprint(m.AuthorID))
	b.WriteString(": ")
	b.WriteString(m.Content)

	if m.Pinned {
		b.WriteString(p.muted.Sprint(" [pinned]"))
	}

	if m.Edited() {
		b.WriteString(p.muted.Sprint(" (edited)"))
	}

	if r := reactionSummary(m.Reactions); r != "" {
		b.WriteString(" ")
		b.WriteString(p.muted.Sprint(r))
	}

	if changed {
		b.WriteString(p.stamp.Sprint(" *"))
	}

	return b.String()
}

// version captures the parts of a message whose change is worth a reprint.
func version(m models.Message) string {
	var edited string
	if m.Edited() {
		edited = m.EditedAt.UTC().Format(time.RFC3339Nano)
	}

	return fmt.Sprintf("%s|%t|%s|%s", edited, m.Pinned, reactionSummary(m.Reactions), m.Content)
}

func reactionSummary(rs map[string]models.Reaction) string {
	if len(rs) == 0 {
		return ""
	}

	emojis := make([]string, 0, len(rs))
	for e, r := range rs {
		if r.Count > 0 {
			emojis = append(emojis, e)
		}
	}

	slices.Sort(emojis)

	parts := make([]string, len(emojis))
	for i, e := range emojis {
		parts[i] = fmt.Sprintf("%s %d", e, rs[e].Count)
	}

	return strings.Join(parts, " ")
}
