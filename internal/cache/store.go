// Package cache is the on-disk message cache. It lets the message list
// render at start before the first network fetch completes.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/cockroachdb/pebble"

	"github.com/alexjbarnes/chatsync/internal/models"
)

// Key layout:
//
//	msg:<id>                  -> message JSON
//	ord:<created_at>:<id>     -> id, created_at as zero-padded unix nanos
const (
	msgPrefix = "msg:"
	ordPrefix = "ord:"
)

// Store is a pebble-backed message cache.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the cache in dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := pebble.Open(dir, &pebble.Options{Logger: pebbleLogger{logger}})
	if err != nil {
		return nil, fmt.Errorf("opening message cache: %w", err)
	}

	return &Store{db: db}, nil
}

// Close flushes and closes the cache.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

func msgKey(id string) []byte { return []byte(msgPrefix + id) }

func ordKey(m models.Message) []byte {
	return fmt.Appendf(nil, "%s%020d:%s", ordPrefix, m.CreatedAt.UnixNano(), m.ID)
}

func (s *Store) get(id string) (*models.Message, error) {
	v, closer, err := s.db.Get(msgKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var m models.Message
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, fmt.Errorf("decoding cached message %s: %w", id, err)
	}

	return &m, nil
}

// Put stores m, replacing any cached copy with the same id.
func (s *Store) Put(m models.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding message %s: %w", m.ID, err)
	}

	old, err := s.get(m.ID)
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()

	if old != nil {
		if err := b.Delete(ordKey(*old), nil); err != nil {
			return err
		}
	}

	if err := b.Set(msgKey(m.ID), data, nil); err != nil {
		return err
	}

	if err := b.Set(ordKey(m), []byte(m.ID), nil); err != nil {
		return err
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("caching message %s: %w", m.ID, err)
	}

	return nil
}

// Delete removes id. Unknown ids are ignored.
func (s *Store) Delete(id string) error {
	old, err := s.get(id)
	if err != nil || old == nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Delete(msgKey(id), nil); err != nil {
		return err
	}

	if err := b.Delete(ordKey(*old), nil); err != nil {
		return err
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("uncaching message %s: %w", id, err)
	}

	return nil
}

// Recent returns the newest limit messages in ascending order. A
// non-positive limit returns everything.
func (s *Store) Recent(limit int) ([]models.Message, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(ordPrefix),
		UpperBound: []byte("ord;"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []models.Message

	for ok := iter.Last(); ok; ok = iter.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}

		m, err := s.get(string(iter.Value()))
		if err != nil {
			return nil, err
		}

		if m != nil {
			out = append(out, *m)
		}
	}

	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterating message cache: %w", err)
	}

	slices.Reverse(out)

	return out, nil
}

// Len returns the number of cached messages.
func (s *Store) Len() (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(msgPrefix),
		UpperBound: []byte("msg;"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}

	return n, iter.Error()
}

// pebbleLogger routes pebble's logging through slog.
type pebbleLogger struct {
	logger *slog.Logger
}

func (l pebbleLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "pebble"))
}

func (l pebbleLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...), slog.String("component", "pebble"))
}

func (l pebbleLogger) Fatalf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...), slog.String("component", "pebble"))
	os.Exit(1)
}
