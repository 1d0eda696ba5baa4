package messages

import (
	"context"
	"fmt"
	"sync"

	"github.com/alexjbarnes/chatsync/internal/models"
)

// Searcher runs message searches where each new search supersedes the
// previous one. A superseded search returns context.Canceled and its
// result is discarded.
type Searcher struct {
	conns ConnSource
	limit int

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// NewSearcher creates a Searcher returning at most limit results.
func NewSearcher(conns ConnSource, limit int) *Searcher {
	if limit <= 0 {
		limit = DefaultFetchLimit
	}

	return &Searcher{conns: conns, limit: limit}
}

// Search cancels any in-flight search and runs query.
func (s *Searcher) Search(ctx context.Context, query string) ([]models.Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}

	s.seq++
	seq := s.seq
	s.cancel = cancel
	s.mu.Unlock()

	res, err := s.conns(ctx).SearchMessages(ctx, query, s.limit)

	s.mu.Lock()
	superseded := s.seq != seq
	if !superseded {
		s.cancel = nil
	}
	s.mu.Unlock()

	if superseded {
		return nil, context.Canceled
	}

	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}

	return res, nil
}
