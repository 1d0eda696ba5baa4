// Package backendtest provides an in-memory backing service for tests.
// A Service holds the shared rows, sessions and realtime topics; every
// Fake created from it is one connection handle onto that service, so
// several handles (a primary and its fallback, or two "views" of the same
// client) observe the same data and broadcasts.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/backend"
	"github.com/alexjbarnes/chatsync/internal/models"
)

// DefaultTokenTTL is the lifetime of credentials issued by a Service.
const DefaultTokenTTL = time.Hour

// Service is the shared state behind a set of Fake handles.
type Service struct {
	mu sync.Mutex

	now      func() time.Time
	tokenTTL time.Duration
	serial   int

	rows    map[string]models.Message
	objects map[string][]byte

	// refresh token -> subject
	refreshTokens map[string]string
	// access token -> expiry
	accessTokens map[string]accessToken
	// email -> password
	passwords map[string]string

	channels []*channel

	refreshCalls int
	insertCalls  int
	touchCalls   int
	conns        []*Fake

	refreshErr   error
	refreshErrs  []error
	refreshBlock chan struct{}
	insertErrs   []error
}

type accessToken struct {
	subject string
	expires time.Time
}

// NewService returns an empty Service using the real clock.
func NewService() *Service {
	return &Service{
		now:           time.Now,
		tokenTTL:      DefaultTokenTTL,
		rows:          make(map[string]models.Message),
		objects:       make(map[string][]byte),
		refreshTokens: make(map[string]string),
		accessTokens:  make(map[string]accessToken),
		passwords:     make(map[string]string),
	}
}

// SetTokenTTL changes the lifetime of credentials issued from now on.
func (s *Service) SetTokenTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokenTTL = d
}

// IssueCredential creates a valid credential for subject, as a sign-in
// would.
func (s *Service) IssueCredential(subject string) *models.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.issueLocked(subject)
}

func (s *Service) issueLocked(subject string) *models.Credential {
	s.serial++
	n := strconv.Itoa(s.serial)
	expires := s.now().Add(s.tokenTTL)

	cred := &models.Credential{
		AccessToken:  "access-" + n,
		RefreshToken: "refresh-" + n,
		ExpiresAt:    expires.Unix(),
		SubjectID:    subject,
	}

	s.refreshTokens[cred.RefreshToken] = subject
	s.accessTokens[cred.AccessToken] = accessToken{subject: subject, expires: expires}

	return cred
}

// SetPassword registers an account for password sign-in. The subject of
// the issued credential is the email.
func (s *Service) SetPassword(email, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.passwords[email] = password
}

// RevokeSubject invalidates every token of subject, as if the user was
// deleted server side.
func (s *Service) RevokeSubject(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tok, sub := range s.refreshTokens {
		if sub == subject {
			delete(s.refreshTokens, tok)
		}
	}

	for tok, at := range s.accessTokens {
		if at.subject == subject {
			delete(s.accessTokens, tok)
		}
	}
}

// ExpireAccessTokens invalidates all issued access tokens while keeping
// refresh tokens usable.
func (s *Service) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.accessTokens)
}

// FailRefresh makes every refresh fail with err until cleared with nil.
func (s *Service) FailRefresh(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshErr = err
}

// FailRefreshes makes the next len(errs) refreshes fail with the given
// errors, in order.
func (s *Service) FailRefreshes(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshErrs = append(s.refreshErrs, errs...)
}

// BlockRefresh holds every refresh until the returned function is
// called.
func (s *Service) BlockRefresh() (release func()) {
	ch := make(chan struct{})

	s.mu.Lock()
	s.refreshBlock = ch
	s.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.refreshBlock = nil
			s.mu.Unlock()
			close(ch)
		})
	}
}

// FailInserts makes the next len(errs) inserts fail with the given
// errors, in order.
func (s *Service) FailInserts(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertErrs = append(s.insertErrs, errs...)
}

// Seed stores messages directly, without publishing row events.
func (s *Service) Seed(msgs ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		s.rows[m.ID] = m
	}
}

// Row returns the stored message with id.
func (s *Service) Row(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.rows[id]

	return m, ok
}

// Object returns an uploaded object.
func (s *Service) Object(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.objects[path]

	return b, ok
}

// RefreshCalls returns how many refresh requests reached the service.
func (s *Service) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.refreshCalls
}

// InsertCalls returns how many insert requests reached the service.
func (s *Service) InsertCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertCalls
}

// TouchCalls returns how many touch_last_active RPCs reached the service.
func (s *Service) TouchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.touchCalls
}

// Conns returns every handle created from the service, in creation order.
func (s *Service) Conns() []*Fake {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.conns)
}

// InjectChannelError reports EventErrored on every channel joined to
// topic and drops them, as a server-side channel crash would.
func (s *Service) InjectChannelError(topic string) {
	s.terminate(topic, backend.ChannelEvent{Type: backend.EventErrored, Err: fmt.Errorf("injected channel error on %s", topic)})
}

// InjectChannelTimeout reports EventTimedOut on every channel joined to
// topic and drops them.
func (s *Service) InjectChannelTimeout(topic string) {
	s.terminate(topic, backend.ChannelEvent{Type: backend.EventTimedOut, Err: fmt.Errorf("injected join timeout on %s", topic)})
}

func (s *Service) terminate(topic string, ev backend.ChannelEvent) {
	s.mu.Lock()

	var hit []*channel

	s.channels = slices.DeleteFunc(s.channels, func(c *channel) bool {
		if c.topic == topic {
			hit = append(hit, c)
			return true
		}

		return false
	})
	s.mu.Unlock()

	for _, c := range hit {
		c.deliver(ev)
	}
}

// Broadcast publishes a broadcast on topic from outside any handle, as
// another client would.
func (s *Service) Broadcast(topic, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.publish(func(c *channel) bool { return c.topic == topic }, backend.ChannelEvent{
		Type:    backend.EventBroadcast,
		Name:    event,
		Payload: raw,
	})

	return nil
}

// Subscribers returns how many live channels are joined to topic.
func (s *Service) Subscribers(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, c := range s.channels {
		if c.topic == topic {
			n++
		}
	}

	return n
}

func (s *Service) authenticate(token string) (string, error) {
	at, ok := s.accessTokens[token]
	if !ok || !s.now().Before(at.expires) {
		return "", &backend.APIError{Status: http.StatusUnauthorized, Code: "PGRST301", Message: "JWT expired"}
	}

	return at.subject, nil
}

func (s *Service) publish(match func(*channel) bool, ev backend.ChannelEvent) {
	s.mu.Lock()

	var targets []*channel

	for _, c := range s.channels {
		if match(c) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.deliver(ev)
	}
}

func (s *Service) publishRow(typ backend.ChannelEventType, rec, old *models.Message) {
	ev := backend.ChannelEvent{Type: typ, Table: "messages"}

	if rec != nil {
		ev.Record, _ = json.Marshal(rec)
	}

	if old != nil {
		ev.OldRecord, _ = json.Marshal(map[string]string{"id": old.ID})
	}

	s.publish(func(c *channel) bool { return c.opts.Table == "messages" }, ev)
}

func (s *Service) sortedRows() []models.Message {
	rows := slices.Collect(maps.Values(s.rows))
	slices.SortFunc(rows, models.Compare)

	return rows
}

func (s *Service) waitRefresh(ctx context.Context) error {
	s.mu.Lock()
	block := s.refreshBlock
	s.mu.Unlock()

	if block == nil {
		return nil
	}

	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
