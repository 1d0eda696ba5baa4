package backendtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/chatsync/internal/backend"
	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
)

// PublicURLBase prefixes every URL returned by Fake.PublicURL.
const PublicURLBase = "https://fake.local/storage/v1/object/public/attachments/"

var errClosed = errors.New("connection handle closed")

// Fake is one connection handle onto a Service. It implements
// backend.Conn.
type Fake struct {
	svc      *Service
	realtime *Realtime

	mu        sync.Mutex
	session   *models.Credential
	pingErr   error
	pingHang  bool
	pingCalls int
	closed    bool
}

var _ backend.Conn = (*Fake)(nil)

// NewConn creates a handle. A non-nil cred is installed as its session.
func (s *Service) NewConn(cred *models.Credential) *Fake {
	f := &Fake{svc: s}
	f.realtime = &Realtime{fake: f, connected: true}

	if cred != nil {
		cp := *cred
		f.session = &cp
	}

	s.mu.Lock()
	s.conns = append(s.conns, f)
	s.mu.Unlock()

	return f
}

// Factory adapts the service to the handle constructor used by the
// health monitor.
func (s *Service) Factory() func(ctx context.Context, cred *models.Credential) (backend.Conn, error) {
	return func(_ context.Context, cred *models.Credential) (backend.Conn, error) {
		return s.NewConn(cred), nil
	}
}

// SetPingError makes Ping fail with err. Nil restores success.
func (f *Fake) SetPingError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pingErr = err
}

// SetPingHang makes Ping block until its context is done.
func (f *Fake) SetPingHang(hang bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pingHang = hang
}

// PingCalls returns how many probes reached this handle.
func (f *Fake) PingCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.pingCalls
}

// Closed reports whether Close has been called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

// FakeRealtime returns the realtime side of the handle.
func (f *Fake) FakeRealtime() *Realtime {
	return f.realtime
}

func (f *Fake) check() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errClosed
	}

	return nil
}

// subject authenticates the handle's session against the service.
func (f *Fake) subject() (string, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return "", errClosed
	}

	var token string
	if f.session != nil {
		token = f.session.AccessToken
	}
	f.mu.Unlock()

	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()

	return f.svc.authenticate(token)
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	f.pingCalls++
	closed, pingErr, hang := f.closed, f.pingErr, f.pingHang
	anonymous := f.session == nil
	f.mu.Unlock()

	if closed {
		return errClosed
	}

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}

	if pingErr != nil {
		return pingErr
	}

	// Like the REST probe, a signed-in ping carries the access token.
	// Anonymous pings use the API key and are always accepted.
	if anonymous {
		return nil
	}

	if _, err := f.subject(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	return nil
}

func (f *Fake) ListMessages(_ context.Context, limit int) ([]models.Message, error) {
	if err := f.check(); err != nil {
		return nil, err
	}

	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()

	rows := f.svc.sortedRows()
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}

	return rows, nil
}

func (f *Fake) SearchMessages(_ context.Context, query string, limit int) ([]models.Message, error) {
	if err := f.check(); err != nil {
		return nil, err
	}

	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()

	q := strings.ToLower(query)

	var out []models.Message

	for _, m := range f.svc.sortedRows() {
		if strings.Contains(strings.ToLower(m.Content), q) {
			out = append(out, m)
		}
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}

	return out, nil
}

func (f *Fake) InsertMessage(_ context.Context, nm backend.NewMessage) (*models.Message, error) {
	sub, authErr := f.subject()

	f.svc.mu.Lock()
	f.svc.insertCalls++

	if len(f.svc.insertErrs) > 0 {
		err := f.svc.insertErrs[0]
		f.svc.insertErrs = f.svc.insertErrs[1:]
		f.svc.mu.Unlock()

		return nil, err
	}

	if authErr != nil {
		f.svc.mu.Unlock()
		return nil, fmt.Errorf("inserting message: %w", authErr)
	}

	if nm.AuthorID != sub {
		f.svc.mu.Unlock()
		return nil, fmt.Errorf("inserting message: %w", &backend.APIError{Status: http.StatusForbidden, Code: "42501", Message: "new row violates row-level security policy"})
	}

	m := models.Message{
		ID:        nm.ID,
		AuthorID:  nm.AuthorID,
		Content:   nm.Content,
		CreatedAt: f.svc.now().UTC(),
	}
	f.svc.rows[m.ID] = m
	f.svc.mu.Unlock()

	f.svc.publishRow(backend.EventInsert, &m, nil)

	return &m, nil
}

func (f *Fake) UpdateMessage(_ context.Context, id, authorID, content string) (*models.Message, error) {
	if _, err := f.subject(); err != nil {
		return nil, fmt.Errorf("updating message: %w", err)
	}

	f.svc.mu.Lock()

	m, ok := f.svc.rows[id]
	if !ok || m.AuthorID != authorID {
		f.svc.mu.Unlock()
		return nil, fmt.Errorf("updating message %s: %w", id, apperrors.ErrForbidden)
	}

	now := f.svc.now().UTC()
	m.Content = content
	m.EditedAt = &now
	f.svc.rows[id] = m
	f.svc.mu.Unlock()

	f.svc.publishRow(backend.EventUpdate, &m, &m)

	return &m, nil
}

func (f *Fake) DeleteMessage(_ context.Context, id, authorID string) error {
	if _, err := f.subject(); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	f.svc.mu.Lock()

	m, ok := f.svc.rows[id]
	if !ok || m.AuthorID != authorID {
		f.svc.mu.Unlock()
		return fmt.Errorf("deleting message %s: %w", id, apperrors.ErrForbidden)
	}

	delete(f.svc.rows, id)
	f.svc.mu.Unlock()

	f.svc.publishRow(backend.EventDelete, nil, &m)

	return nil
}

func (f *Fake) SetPinned(_ context.Context, id string, pinned bool) error {
	if _, err := f.subject(); err != nil {
		return fmt.Errorf("pinning message: %w", err)
	}

	f.svc.mu.Lock()

	m, ok := f.svc.rows[id]
	if !ok {
		f.svc.mu.Unlock()
		return fmt.Errorf("pinning message %s: %w", id, apperrors.ErrNotFound)
	}

	m.Pinned = pinned
	f.svc.rows[id] = m
	f.svc.mu.Unlock()

	f.svc.publishRow(backend.EventUpdate, &m, &m)

	return nil
}

func (f *Fake) CountMessages(context.Context) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}

	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()

	return len(f.svc.rows), nil
}

func (f *Fake) ToggleReaction(_ context.Context, messageID, emoji string) error {
	sub, err := f.subject()
	if err != nil {
		return fmt.Errorf("toggling reaction: %w", err)
	}

	f.svc.mu.Lock()

	m, ok := f.svc.rows[messageID]
	if !ok {
		f.svc.mu.Unlock()
		return fmt.Errorf("toggling reaction on %s: %w", messageID, apperrors.ErrNotFound)
	}

	reactions := maps.Clone(m.Reactions)
	if reactions == nil {
		reactions = make(map[string]models.Reaction)
	}

	r := reactions[emoji]
	if r.HasUser(sub) {
		r.Users = slices.DeleteFunc(slices.Clone(r.Users), func(u string) bool { return u == sub })
	} else {
		r.Users = append(append([]string(nil), r.Users...), sub)
	}

	r.Count = len(r.Users)
	if r.Count == 0 {
		delete(reactions, emoji)
	} else {
		reactions[emoji] = r
	}

	m.Reactions = reactions
	f.svc.rows[messageID] = m
	f.svc.mu.Unlock()

	f.svc.publishRow(backend.EventUpdate, &m, &m)

	return nil
}

func (f *Fake) TouchLastActive(context.Context) error {
	if _, err := f.subject(); err != nil {
		return fmt.Errorf("touching last active: %w", err)
	}

	f.svc.mu.Lock()
	f.svc.touchCalls++
	f.svc.mu.Unlock()

	return nil
}

func (f *Fake) Session(context.Context) (*models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, errClosed
	}

	if f.session == nil {
		return nil, nil
	}

	cp := *f.session

	return &cp, nil
}

func (f *Fake) SetSession(cred *models.Credential) {
	f.mu.Lock()
	if cred == nil {
		f.session = nil
	} else {
		cp := *cred
		f.session = &cp
	}
	f.mu.Unlock()

	if cred != nil {
		f.realtime.SetAuth(cred.AccessToken)
	}
}

func (f *Fake) RefreshSession(ctx context.Context, refreshToken string) (*models.Credential, error) {
	if err := f.check(); err != nil {
		return nil, err
	}

	f.svc.mu.Lock()
	f.svc.refreshCalls++
	f.svc.mu.Unlock()

	if err := f.svc.waitRefresh(ctx); err != nil {
		return nil, fmt.Errorf("requesting token: %w", err)
	}

	f.svc.mu.Lock()

	if len(f.svc.refreshErrs) > 0 {
		err := f.svc.refreshErrs[0]
		f.svc.refreshErrs = f.svc.refreshErrs[1:]
		f.svc.mu.Unlock()

		return nil, fmt.Errorf("requesting token: %w", err)
	}

	if f.svc.refreshErr != nil {
		err := f.svc.refreshErr
		f.svc.mu.Unlock()

		return nil, fmt.Errorf("requesting token: %w", err)
	}

	sub, ok := f.svc.refreshTokens[refreshToken]
	if !ok {
		f.svc.mu.Unlock()
		return nil, fmt.Errorf("requesting token: %w", &backend.APIError{
			Status:  http.StatusBadRequest,
			Code:    "refresh_token_not_found",
			Message: "Invalid Refresh Token: Refresh Token Not Found",
		})
	}

	delete(f.svc.refreshTokens, refreshToken)
	cred := f.svc.issueLocked(sub)
	f.svc.mu.Unlock()

	f.SetSession(cred)

	return cred, nil
}

// SignInWithPassword mirrors backend.Client: it issues a credential for a
// registered account and installs it on the handle.
func (f *Fake) SignInWithPassword(_ context.Context, email, password string) (*models.Credential, error) {
	if err := f.check(); err != nil {
		return nil, err
	}

	f.svc.mu.Lock()
	want, ok := f.svc.passwords[email]
	if !ok || want != password {
		f.svc.mu.Unlock()
		return nil, fmt.Errorf("requesting token: %w", &backend.APIError{
			Status:  http.StatusBadRequest,
			Code:    "invalid_credentials",
			Message: "Invalid login credentials",
		})
	}

	cred := f.svc.issueLocked(email)
	f.svc.mu.Unlock()

	f.SetSession(cred)

	return cred, nil
}

func (f *Fake) SignOut(context.Context) error {
	f.mu.Lock()
	sess := f.session
	f.session = nil
	f.mu.Unlock()

	if sess != nil {
		f.svc.mu.Lock()
		delete(f.svc.refreshTokens, sess.RefreshToken)
		delete(f.svc.accessTokens, sess.AccessToken)
		f.svc.mu.Unlock()
	}

	return nil
}

func (f *Fake) CurrentUser(context.Context) (*models.User, error) {
	sub, err := f.subject()
	if err != nil {
		return nil, fmt.Errorf("fetching current user: %w", err)
	}

	return &models.User{ID: sub, Email: sub + "@example.com"}, nil
}

func (f *Fake) Upload(_ context.Context, path, _ string, r io.Reader) error {
	if _, err := f.subject(); err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	f.svc.mu.Lock()
	f.svc.objects[path] = data
	f.svc.mu.Unlock()

	return nil
}

func (f *Fake) PublicURL(path string) string {
	return PublicURLBase + path
}

func (f *Fake) Realtime() backend.Realtime {
	return f.realtime
}

// Close marks the handle closed and closes its realtime channels.
func (f *Fake) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}

	f.closed = true
	f.mu.Unlock()

	f.realtime.disconnect(backend.ChannelEvent{Type: backend.EventClosed, Err: apperrors.ErrChannelClosed})

	return nil
}

// Now returns the service clock.
func (s *Service) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.now()
}
