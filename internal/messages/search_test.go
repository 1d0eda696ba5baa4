package messages

import (
	"context"
	"testing"
	"testing/synctest"

	"github.com/alexjbarnes/chatsync/internal/backend"
	"github.com/alexjbarnes/chatsync/internal/backend/backendtest"
	"github.com/alexjbarnes/chatsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowSearch blocks searches for "slow" until released or cancelled.
type slowSearch struct {
	backend.Conn
	release chan struct{}
}

func (s *slowSearch) SearchMessages(ctx context.Context, query string, limit int) ([]models.Message, error) {
	if query == "slow" {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return s.Conn.SearchMessages(ctx, query, limit)
}

func TestSearcher_Search(t *testing.T) {
	svc := backendtest.NewService()
	svc.Seed(msg("a", t0), models.Message{ID: "b", Content: "Hello World", CreatedAt: t0})
	conn := svc.NewConn(nil)

	s := NewSearcher(func(context.Context) backend.Conn { return conn }, 0)

	res, err := s.Search(t.Context(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(res))
}

func TestSearcher_SupersededSearchIsDiscarded(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		svc := backendtest.NewService()
		svc.Seed(models.Message{ID: "s", Content: "slow result", CreatedAt: t0})
		conn := &slowSearch{Conn: svc.NewConn(nil), release: make(chan struct{})}

		s := NewSearcher(func(context.Context) backend.Conn { return conn }, 10)

		type outcome struct {
			res []models.Message
			err error
		}

		first := make(chan outcome, 1)

		go func() {
			res, err := s.Search(context.Background(), "slow")
			first <- outcome{res, err}
		}()

		synctest.Wait()

		res, err := s.Search(t.Context(), "result")
		require.NoError(t, err)
		assert.Equal(t, []string{"s"}, ids(res))

		got := <-first
		require.ErrorIs(t, got.err, context.Canceled)
		assert.Nil(t, got.res)
	})
}

func TestSearcher_LateResultAfterSupersessionIsDropped(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		svc := backendtest.NewService()
		conn := &slowSearch{Conn: svc.NewConn(nil), release: make(chan struct{})}
		s := NewSearcher(func(context.Context) backend.Conn { return conn }, 10)

		done := make(chan error, 1)

		go func() {
			_, err := s.Search(context.Background(), "slow")
			done <- err
		}()

		synctest.Wait()

		_, err := s.Search(t.Context(), "other")
		require.NoError(t, err)

		close(conn.release)

		assert.ErrorIs(t, <-done, context.Canceled)
	})
}
