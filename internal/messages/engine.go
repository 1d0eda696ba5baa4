// Package messages merges row events, broadcast echoes and local writes
// into one ordered, duplicate-free message list.
package messages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/alexjbarnes/chatsync/internal/backend"
	"github.com/alexjbarnes/chatsync/internal/channel"
	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/metrics"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/observe"
	"github.com/alexjbarnes/chatsync/internal/retry"
)

// DefaultFetchLimit bounds the initial and resync fetches.
const DefaultFetchLimit = 100

// Broadcast event names.
const (
	EventMessageSent    = "message_sent"
	EventMessageUpdated = "message_updated"
	EventMessageDeleted = "message_deleted"
)

// Ingestion sources, used as metric labels.
const (
	SourceRowInsert = "row_insert"
	SourceRowUpdate = "row_update"
	SourceRowDelete = "row_delete"
	SourceBroadcast = "broadcast"
	SourceFetch     = "fetch"
	SourceCache     = "cache"
	SourceLocal     = "local"
)

// Session hands out credentials that are valid for the next write.
type Session interface {
	EnsureValid(ctx context.Context, force bool) (*models.Credential, error)
}

// ConnSource returns the connection handle operations are routed through.
type ConnSource func(ctx context.Context) backend.Conn

// Broadcaster publishes same-origin echoes. *channel.Subscription
// implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, payload any) error
}

// Cache persists confirmed messages between runs.
type Cache interface {
	Put(m models.Message) error
	Delete(id string) error
	Recent(limit int) ([]models.Message, error)
}

// Toucher is notified after each successful send.
type Toucher interface {
	Touch(ctx context.Context) error
}

// SendError is a send that failed after validation. Content is kept so
// the caller can offer it for resubmission.
type SendError struct {
	Content string
	Err     error
}

func (e *SendError) Error() string { return "sending message: " + e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// Engine is the message store. Records are indexed by id; the ordered
// view is rebuilt only when the index changes.
type Engine struct {
	conns   ConnSource
	session Session
	logger  *slog.Logger
	metrics *metrics.Metrics
	cache   Cache
	toucher Toucher
	limit   int

	mu          sync.Mutex
	byID        map[string]models.Message
	fromCache   map[string]struct{}
	broadcaster Broadcaster
	inflight    int

	list    *observe.Value[[]models.Message]
	sending *observe.Value[bool]
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records ingestion and send outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCache writes confirmed messages through to c and seeds from it.
func WithCache(c Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithToucher marks the user active after each send.
func WithToucher(t Toucher) Option {
	return func(e *Engine) { e.toucher = t }
}

// WithFetchLimit overrides DefaultFetchLimit.
func WithFetchLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

// New creates an empty Engine.
func New(conns ConnSource, session Session, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		conns:     conns,
		session:   session,
		logger:    logger,
		limit:     DefaultFetchLimit,
		byID:      make(map[string]models.Message),
		fromCache: make(map[string]struct{}),
		list:      observe.NewValue[[]models.Message](nil, nil),
		sending:   observe.NewValue(false, observe.Equal[bool]),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// SetBroadcaster sets where echoes are published. Nil disables echoes.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.broadcaster = b
}

// Messages returns the ordered list.
func (e *Engine) Messages() []models.Message {
	return slices.Clone(e.list.Get())
}

// List is the observable ordered list. Subscribers must not modify the
// slice they receive.
func (e *Engine) List() *observe.Value[[]models.Message] {
	return e.list
}

// Sending is true while at least one send is in flight.
func (e *Engine) Sending() *observe.Value[bool] {
	return e.sending
}

// Get returns the message with id.
func (e *Engine) Get(id string) (models.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.byID[id]

	return m, ok
}

// publishLocked rebuilds the ordered view. e.mu must be held; the
// returned slice is handed to observers after unlocking.
func (e *Engine) publishLocked() []models.Message {
	view := slices.Collect(maps.Values(e.byID))
	slices.SortFunc(view, models.Compare)

	return view
}

// upsert replaces or inserts m by id. When keepConfirmed is set an
// existing confirmed record wins over m.
func (e *Engine) upsert(m models.Message, source string, keepConfirmed bool) {
	e.mu.Lock()
	if old, ok := e.byID[m.ID]; ok && keepConfirmed && !old.Pending {
		e.mu.Unlock()
		return
	}

	e.byID[m.ID] = m
	delete(e.fromCache, m.ID)
	view := e.publishLocked()
	e.mu.Unlock()

	e.list.Set(view)
	e.metrics.Ingested(source)

	if e.cache != nil && !m.Pending {
		if err := e.cache.Put(m); err != nil {
			e.logger.Warn("caching message", slog.String("id", m.ID), slog.String("error", err.Error()))
		}
	}
}

// remove deletes id. Unknown ids are ignored.
func (e *Engine) remove(id, source string) {
	e.mu.Lock()
	if _, ok := e.byID[id]; !ok {
		e.mu.Unlock()
		return
	}

	delete(e.byID, id)
	delete(e.fromCache, id)
	view := e.publishLocked()
	e.mu.Unlock()

	e.list.Set(view)
	e.metrics.Ingested(source)

	if e.cache != nil {
		if err := e.cache.Delete(id); err != nil {
			e.logger.Warn("uncaching message", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
}

// Handle ingests a channel event. It is the channel.Handler for the
// message topic.
func (e *Engine) Handle(ev channel.Event) {
	switch ev := ev.(type) {
	case channel.RowInserted:
		e.ingestRecord(ev.Record, SourceRowInsert)
	case channel.RowUpdated:
		e.ingestRecord(ev.Record, SourceRowUpdate)
	case channel.RowDeleted:
		e.ingestDelete(ev.OldRecord, SourceRowDelete)
	case channel.BroadcastReceived:
		switch ev.Name {
		case EventMessageSent, EventMessageUpdated:
			e.ingestRecord(ev.Payload, SourceBroadcast)
		case EventMessageDeleted:
			e.ingestDelete(ev.Payload, SourceBroadcast)
		}
	}
}

func (e *Engine) ingestRecord(raw json.RawMessage, source string) {
	var m models.Message
	if err := json.Unmarshal(raw, &m); err != nil || m.ID == "" {
		e.logger.Warn("dropping malformed message event", slog.String("source", source))
		return
	}

	e.upsert(m, source, false)
}

func (e *Engine) ingestDelete(raw json.RawMessage, source string) {
	var key struct {
		ID string `json:"id"`
	}

	if err := json.Unmarshal(raw, &key); err != nil || key.ID == "" {
		e.logger.Warn("dropping malformed delete event", slog.String("source", source))
		return
	}

	e.remove(key.ID, source)
}

// Load seeds the list from the cache, then fetches the most recent
// messages. Fetched records replace cached copies of the same id.
func (e *Engine) Load(ctx context.Context) error {
	if e.cache != nil {
		cached, err := e.cache.Recent(e.limit)
		if err != nil {
			e.logger.Warn("reading message cache", slog.String("error", err.Error()))
		}

		e.mu.Lock()
		for _, m := range cached {
			if _, ok := e.byID[m.ID]; !ok {
				e.byID[m.ID] = m
				e.fromCache[m.ID] = struct{}{}
			}
		}
		view := e.publishLocked()
		e.mu.Unlock()

		if len(cached) > 0 {
			e.list.Set(view)
			e.metrics.Ingested(SourceCache)
		}
	}

	return e.Resync(ctx)
}

// Resync fetches the most recent messages and adds ids not yet in the
// list. Visible history is never truncated or replaced, except records
// that only came from the cache.
func (e *Engine) Resync(ctx context.Context) error {
	fetched, err := e.conns(ctx).ListMessages(ctx, e.limit)
	if err != nil {
		return fmt.Errorf("fetching messages: %w", err)
	}

	var added []models.Message

	e.mu.Lock()
	for _, m := range fetched {
		_, present := e.byID[m.ID]
		_, cached := e.fromCache[m.ID]

		if present && !cached {
			continue
		}

		e.byID[m.ID] = m
		delete(e.fromCache, m.ID)
		added = append(added, m)
	}
	view := e.publishLocked()
	e.mu.Unlock()

	if len(added) == 0 {
		return nil
	}

	e.list.Set(view)
	e.metrics.Ingested(SourceFetch)

	if e.cache != nil {
		for _, m := range added {
			if err := e.cache.Put(m); err != nil {
				e.logger.Warn("caching message", slog.String("id", m.ID), slog.String("error", err.Error()))
			}
		}
	}

	e.logger.Debug("resynced messages", slog.Int("added", len(added)))

	return nil
}

func (e *Engine) beginSend() {
	e.mu.Lock()
	e.inflight++
	e.mu.Unlock()

	e.sending.Set(true)
}

func (e *Engine) endSend() {
	e.mu.Lock()
	e.inflight--
	idle := e.inflight == 0
	e.mu.Unlock()

	if idle {
		e.sending.Set(false)
	}
}

// authorised runs op with a valid session. An authentication-flavoured
// failure gets exactly one more attempt after a forced refresh.
func (e *Engine) authorised(ctx context.Context, op func(ctx context.Context, conn backend.Conn, cred *models.Credential) error) error {
	cred, err := e.session.EnsureValid(ctx, false)
	if err != nil {
		return err
	}

	if cred.SubjectID == "" {
		return apperrors.ErrNoIdentity
	}

	attempt := 0

	return retry.Do(ctx, retry.Policy{
		Attempts: 2,
	}, func(ctx context.Context) error {
		attempt++

		err := op(ctx, e.conns(ctx), cred)
		if err == nil {
			return nil
		}

		if !backend.IsAuthError(err) || attempt > 1 {
			return retry.Permanent(err)
		}

		e.logger.Info("write rejected by auth, refreshing session", slog.String("error", err.Error()))

		fresh, rerr := e.session.EnsureValid(ctx, true)
		if rerr != nil {
			return retry.Permanent(rerr)
		}

		cred = fresh

		return err
	})
}

// Send validates content, appends an optimistic record, inserts it and
// replaces the optimistic record with the confirmed one. On success a
// same-origin echo is broadcast.
func (e *Engine) Send(ctx context.Context, content string) (*models.Message, error) {
	content = norm.NFC.String(strings.TrimSpace(content))
	if content == "" {
		return nil, apperrors.ErrEmptyContent
	}

	e.beginSend()
	defer e.endSend()

	id := uuid.NewString()

	var confirmed *models.Message

	err := e.authorised(ctx, func(ctx context.Context, conn backend.Conn, cred *models.Credential) error {
		if _, ok := e.Get(id); !ok {
			e.upsert(models.Message{
				ID:        id,
				AuthorID:  cred.SubjectID,
				Content:   content,
				CreatedAt: time.Now().UTC(),
				Pending:   true,
			}, SourceLocal, false)
		}

		m, err := conn.InsertMessage(ctx, backend.NewMessage{ID: id, AuthorID: cred.SubjectID, Content: content})
		if err != nil {
			return err
		}

		confirmed = m

		return nil
	})
	if err != nil {
		e.dropPending(id)
		e.metrics.Send(metrics.ResultFailure)

		e.logger.Warn("send failed", slog.String("id", id), slog.String("error", err.Error()))

		return nil, &SendError{Content: content, Err: err}
	}

	e.upsert(*confirmed, SourceLocal, true)
	e.metrics.Send(metrics.ResultSuccess)
	e.echo(ctx, EventMessageSent, confirmed)

	if e.toucher != nil {
		if err := e.toucher.Touch(ctx); err != nil {
			e.logger.Debug("touching last active", slog.String("error", err.Error()))
		}
	}

	return confirmed, nil
}

// dropPending removes id if it is still the optimistic record.
func (e *Engine) dropPending(id string) {
	e.mu.Lock()
	m, ok := e.byID[id]
	e.mu.Unlock()

	if ok && m.Pending {
		e.remove(id, SourceLocal)
	}
}

func (e *Engine) echo(ctx context.Context, event string, payload any) {
	e.mu.Lock()
	b := e.broadcaster
	e.mu.Unlock()

	if b == nil {
		return
	}

	if err := b.Broadcast(ctx, event, payload); err != nil {
		e.logger.Warn("broadcasting echo", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// SendAttachment uploads r to object storage and sends its public URL.
func (e *Engine) SendAttachment(ctx context.Context, name, contentType string, r io.Reader) (*models.Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}

	var url string

	err = e.authorised(ctx, func(ctx context.Context, conn backend.Conn, cred *models.Credential) error {
		path := fmt.Sprintf("%s/%d-%s", cred.SubjectID, time.Now().UnixMilli(), name)
		if err := conn.Upload(ctx, path, contentType, bytes.NewReader(data)); err != nil {
			return err
		}

		url = conn.PublicURL(path)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", name, err)
	}

	return e.Send(ctx, url)
}

// Edit replaces the content of one of the acting identity's messages.
func (e *Engine) Edit(ctx context.Context, id, content string) error {
	content = norm.NFC.String(strings.TrimSpace(content))
	if content == "" {
		return apperrors.ErrEmptyContent
	}

	var updated *models.Message

	err := e.authorised(ctx, func(ctx context.Context, conn backend.Conn, cred *models.Credential) error {
		m, err := conn.UpdateMessage(ctx, id, cred.SubjectID, content)
		if err != nil {
			return err
		}

		updated = m

		return nil
	})
	if err != nil {
		return fmt.Errorf("editing %s: %w", id, err)
	}

	e.upsert(*updated, SourceLocal, false)
	e.echo(ctx, EventMessageUpdated, updated)

	return nil
}

// Delete removes one of the acting identity's messages.
func (e *Engine) Delete(ctx context.Context, id string) error {
	err := e.authorised(ctx, func(ctx context.Context, conn backend.Conn, cred *models.Credential) error {
		return conn.DeleteMessage(ctx, id, cred.SubjectID)
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}

	e.remove(id, SourceLocal)
	e.echo(ctx, EventMessageDeleted, map[string]string{"id": id})

	return nil
}

// React toggles the acting identity's emoji reaction. The list changes
// when the row update arrives.
func (e *Engine) React(ctx context.Context, id, emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return apperrors.ErrEmptyContent
	}

	err := e.authorised(ctx, func(ctx context.Context, conn backend.Conn, _ *models.Credential) error {
		return conn.ToggleReaction(ctx, id, emoji)
	})
	if err != nil {
		return fmt.Errorf("reacting to %s: %w", id, err)
	}

	return nil
}

// Pin toggles the pinned flag of a visible message. The list changes
// when the row update arrives.
func (e *Engine) Pin(ctx context.Context, id string) error {
	m, ok := e.Get(id)
	if !ok {
		return fmt.Errorf("pinning %s: %w", id, apperrors.ErrNotFound)
	}

	err := e.authorised(ctx, func(ctx context.Context, conn backend.Conn, _ *models.Credential) error {
		return conn.SetPinned(ctx, id, !m.Pinned)
	})
	if err != nil {
		return fmt.Errorf("pinning %s: %w", id, err)
	}

	return nil
}
