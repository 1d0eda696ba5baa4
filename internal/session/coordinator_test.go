package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/alexjbarnes/chatsync/internal/backend"
	"github.com/alexjbarnes/chatsync/internal/backend/backendtest"
	apperrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/alexjbarnes/chatsync/internal/retry"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store enforcing the same invariant as the
// bbolt store.
type memStore struct {
	mu   sync.Mutex
	cred *models.Credential
	sets int
}

func (s *memStore) Credential() (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred == nil {
		return nil, nil
	}

	cp := *s.cred

	return &cp, nil
}

func (s *memStore) SetCredential(c models.Credential) error {
	if !c.Valid(time.Now()) {
		return apperrors.ErrInvalidCredential
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cred = &c
	s.sets++

	return nil
}

func (s *memStore) ClearCredential() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cred = nil

	return nil
}

type fixedHandles []backend.Conn

func (h fixedHandles) Current() backend.Conn  { return h[0] }
func (h fixedHandles) Conns() []backend.Conn { return h }

type fixture struct {
	svc   *backendtest.Service
	conn  *backendtest.Fake
	store *memStore
	coord *Coordinator
}

// newFixture signs "alice" in with a credential expiring in ttl.
func newFixture(t *testing.T, ttl time.Duration, opts ...Option) *fixture {
	t.Helper()

	svc := backendtest.NewService()
	svc.SetTokenTTL(ttl)
	cred := svc.IssueCredential("alice")
	svc.SetTokenTTL(backendtest.DefaultTokenTTL)

	conn := svc.NewConn(cred)
	store := &memStore{cred: cred}

	return &fixture{
		svc:   svc,
		conn:  conn,
		store: store,
		coord: New(store, fixedHandles{conn}, slog.New(slog.DiscardHandler), opts...),
	}
}

func TestEnsureValid_FreshCredentialSkipsNetwork(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, time.Hour)

		cred, err := f.coord.EnsureValid(t.Context(), false)
		require.NoError(t, err)
		assert.Equal(t, "access-1", cred.AccessToken)
		assert.Equal(t, 0, f.svc.RefreshCalls())
		assert.Equal(t, models.AuthSignedIn, f.coord.State().Get())
	})
}

func TestEnsureValid_NearExpiryRefreshes(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, 4*time.Minute)

		cred, err := f.coord.EnsureValid(t.Context(), false)
		require.NoError(t, err)
		assert.NotEqual(t, "access-1", cred.AccessToken)
		assert.Equal(t, "alice", cred.SubjectID)
		assert.Equal(t, 1, f.svc.RefreshCalls())

		stored, _ := f.store.Credential()
		assert.Equal(t, cred.AccessToken, stored.AccessToken)
		assert.Contains(t, f.conn.FakeRealtime().Tokens(), cred.AccessToken)
	})
}

func TestEnsureValid_ForceRefreshesFreshCredential(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, time.Hour)

		_, err := f.coord.EnsureValid(t.Context(), true)
		require.NoError(t, err)
		assert.Equal(t, 1, f.svc.RefreshCalls())
	})
}

func TestEnsureValid_SingleFlight(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, time.Hour)
		release := f.svc.BlockRefresh()

		const callers = 10

		var wg sync.WaitGroup

		results := make([]*models.Credential, callers)
		errs := make([]error, callers)

		for i := range callers {
			wg.Add(1)

			go func() {
				defer wg.Done()
				results[i], errs[i] = f.coord.EnsureValid(t.Context(), true)
			}()
		}

		synctest.Wait()
		assert.Equal(t, 1, f.svc.RefreshCalls())

		release()
		wg.Wait()

		assert.Equal(t, 1, f.svc.RefreshCalls())

		for i := range callers {
			require.NoError(t, errs[i])
			assert.Equal(t, results[0].AccessToken, results[i].AccessToken)
		}
	})
}

func TestEnsureValid_UnforcedCallerJoinsInflightRefresh(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, time.Hour)
		release := f.svc.BlockRefresh()

		var forced, unforced *models.Credential

		var wg sync.WaitGroup

		wg.Add(1)

		go func() {
			defer wg.Done()

			forced, _ = f.coord.EnsureValid(t.Context(), true)
		}()

		synctest.Wait()

		wg.Add(1)

		go func() {
			defer wg.Done()

			unforced, _ = f.coord.EnsureValid(t.Context(), false)
		}()

		synctest.Wait()
		release()
		wg.Wait()

		require.NotNil(t, forced)
		require.NotNil(t, unforced)
		assert.Equal(t, forced.AccessToken, unforced.AccessToken)
		assert.NotEqual(t, "access-1", unforced.AccessToken)
		assert.Equal(t, 1, f.svc.RefreshCalls())
	})
}

// staleReadStore returns the credential as it was before running
// beforeFirst, simulating a caller whose read lands just ahead of
// another caller's refresh.
type staleReadStore struct {
	*memStore

	fired       atomic.Bool
	beforeFirst func()
}

func (s *staleReadStore) Credential() (*models.Credential, error) {
	stale, err := s.memStore.Credential()

	if s.fired.CompareAndSwap(false, true) {
		s.beforeFirst()
	}

	return stale, err
}

func TestEnsureValid_UnforcedCallerAfterFinishedRefreshSkipsNetwork(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, 4*time.Minute)

		store := &staleReadStore{memStore: f.store}
		coord := New(store, fixedHandles{f.conn}, slog.New(slog.DiscardHandler))

		var forced *models.Credential

		store.beforeFirst = func() {
			var err error
			forced, err = coord.EnsureValid(t.Context(), true)
			require.NoError(t, err)
		}

		cred, err := coord.EnsureValid(t.Context(), false)
		require.NoError(t, err)
		require.NotNil(t, forced)

		assert.Equal(t, forced.AccessToken, cred.AccessToken)
		assert.Equal(t, 1, f.svc.RefreshCalls(), "one refresh per expiry episode")
	})
}

func TestEnsureValid_RetriesWithBackoff(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, time.Hour)
		transient := &backend.TransientError{Err: errors.New("connection reset")}
		f.svc.FailRefreshes(transient, transient)

		start := time.Now()

		cred, err := f.coord.EnsureValid(t.Context(), true)
		require.NoError(t, err)
		assert.NotEmpty(t, cred.AccessToken)
		assert.Equal(t, 3, f.svc.RefreshCalls())
		assert.Equal(t, 3*time.Second, time.Since(start))
	})
}

func TestEnsureValid_ExhaustedRetriesFail(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, time.Hour)
		f.svc.FailRefresh(&backend.TransientError{Err: errors.New("service unavailable")})

		_, err := f.coord.EnsureValid(t.Context(), true)
		require.ErrorIs(t, err, apperrors.ErrRefreshFailed)
		assert.NotErrorIs(t, err, apperrors.ErrSessionExpired)
		assert.Equal(t, 3, f.svc.RefreshCalls())
		assert.Equal(t, models.AuthRefreshFailed, f.coord.State().Get())

		// The stored credential is kept; the session may recover later.
		stored, _ := f.store.Credential()
		require.NotNil(t, stored)

		f.svc.FailRefresh(nil)

		_, err = f.coord.EnsureValid(t.Context(), true)
		require.NoError(t, err)
		assert.Equal(t, models.AuthSignedIn, f.coord.State().Get())
	})
}

func TestEnsureValid_AttemptTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, time.Hour)
		release := f.svc.BlockRefresh()
		defer release()

		start := time.Now()

		_, err := f.coord.EnsureValid(t.Context(), true)
		require.ErrorIs(t, err, apperrors.ErrRefreshFailed)
		assert.ErrorIs(t, err, retry.ErrAttemptTimeout)
		assert.Equal(t, 3, f.svc.RefreshCalls())
		assert.Equal(t, 3*refreshAttemptTimeout+3*time.Second, time.Since(start))
	})
}

func TestEnsureValid_OfflineFailsWithoutNetwork(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, time.Minute, WithOnline(func() bool { return false }))

		_, err := f.coord.EnsureValid(t.Context(), false)
		require.ErrorIs(t, err, apperrors.ErrRefreshFailed)
		assert.Equal(t, 0, f.svc.RefreshCalls())
	})
}

func TestEnsureValid_RejectedIdentitySignsOut(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, time.Minute)
		f.svc.RevokeSubject("alice")

		_, err := f.coord.EnsureValid(t.Context(), false)
		require.ErrorIs(t, err, apperrors.ErrRefreshFailed)
		assert.ErrorIs(t, err, apperrors.ErrSessionExpired)
		assert.Equal(t, 1, f.svc.RefreshCalls(), "a rejected identity is not retried")

		stored, _ := f.store.Credential()
		assert.Nil(t, stored)

		sess, _ := f.conn.Session(t.Context())
		assert.Nil(t, sess)
		assert.Equal(t, models.AuthExpired, f.coord.State().Get())
	})
}

func TestEnsureValid_NoCredential(t *testing.T) {
	svc := backendtest.NewService()
	coord := New(&memStore{}, fixedHandles{svc.NewConn(nil)}, slog.New(slog.DiscardHandler))

	_, err := coord.EnsureValid(context.Background(), false)
	require.ErrorIs(t, err, apperrors.ErrRefreshFailed)
	assert.ErrorIs(t, err, apperrors.ErrNoSession)
	assert.Equal(t, models.AuthSignedOut, coord.State().Get())
}

func TestEnsureValid_ReconnectsSeveredRealtime(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, time.Minute)
		f.conn.FakeRealtime().Sever()
		require.False(t, f.conn.Realtime().Connected())

		_, err := f.coord.EnsureValid(t.Context(), false)
		require.NoError(t, err)

		assert.Equal(t, 1, f.conn.FakeRealtime().Reconnects())
		assert.True(t, f.conn.Realtime().Connected())
	})
}

func TestEnsureValid_PropagatesToAllHandles(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		svc := backendtest.NewService()
		cred := svc.IssueCredential("alice")
		primary := svc.NewConn(cred)
		fallback := svc.NewConn(cred)
		store := &memStore{cred: cred}

		coord := New(store, fixedHandles{primary, fallback}, slog.New(slog.DiscardHandler))

		next, err := coord.EnsureValid(t.Context(), true)
		require.NoError(t, err)

		sess, _ := fallback.Session(t.Context())
		assert.Equal(t, next.AccessToken, sess.AccessToken)
		assert.Equal(t, []string{next.AccessToken}, fallback.FakeRealtime().Tokens())
	})
}

func TestEnsureValid_CallerCancelDoesNotCancelSharedRefresh(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, time.Hour)
		release := f.svc.BlockRefresh()

		ctx, cancel := context.WithCancel(t.Context())

		done := make(chan error, 1)

		go func() {
			_, err := f.coord.EnsureValid(ctx, true)
			done <- err
		}()

		synctest.Wait()
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)

		var wg sync.WaitGroup

		var cred *models.Credential

		wg.Add(1)

		go func() {
			defer wg.Done()

			cred, _ = f.coord.EnsureValid(t.Context(), true)
		}()

		synctest.Wait()
		release()
		wg.Wait()

		require.NotNil(t, cred)
		assert.Equal(t, 1, f.svc.RefreshCalls())
	})
}

func TestSignOut_ClearsEverywhere(t *testing.T) {
	f := newFixture(t, time.Hour)

	require.NoError(t, f.coord.SignOut(context.Background()))

	stored, _ := f.store.Credential()
	assert.Nil(t, stored)

	sess, _ := f.conn.Session(context.Background())
	assert.Nil(t, sess)
	assert.Equal(t, models.AuthSignedOut, f.coord.State().Get())
}

func TestAdopt_PersistsAndPropagates(t *testing.T) {
	svc := backendtest.NewService()
	conn := svc.NewConn(nil)
	store := &memStore{}
	coord := New(store, fixedHandles{conn}, slog.New(slog.DiscardHandler))

	cred := svc.IssueCredential("bob")
	require.NoError(t, coord.Adopt(context.Background(), *cred))

	stored, _ := store.Credential()
	assert.Equal(t, "bob", stored.SubjectID)

	sess, _ := conn.Session(context.Background())
	assert.Equal(t, cred.AccessToken, sess.AccessToken)
	assert.Equal(t, models.AuthSignedIn, coord.State().Get())
}

func TestFillFromClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "carol",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	cred := &models.Credential{AccessToken: token, RefreshToken: "r"}
	fillFromClaims(cred)

	assert.Equal(t, "carol", cred.SubjectID)
	assert.Equal(t, exp.Unix(), cred.ExpiresAt)
}

func TestFillFromClaims_KeepsExplicitValues(t *testing.T) {
	cred := &models.Credential{AccessToken: "not-a-jwt", ExpiresAt: 42, SubjectID: "dave"}
	fillFromClaims(cred)

	assert.Equal(t, int64(42), cred.ExpiresAt)
	assert.Equal(t, "dave", cred.SubjectID)
}
