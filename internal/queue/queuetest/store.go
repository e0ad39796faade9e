// ABOUTME: In-memory visibility-timeout store implementing pgqueue.Store for tests.
package queuetest

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/matipre/chatrelay/internal/store"
)

// Store is an in-memory polling store with visibility timeouts. It mirrors
// the semantics of store.Store: Read claims up to n visible messages in id
// order, hides them for vt and increments their read count.
type Store struct {
	mu       sync.Mutex
	nextID   int64
	live     map[int64]*store.Message
	archived []store.ArchivedMessage
	deleted  []int64

	reads      int
	inRead     int
	maxInRead  int
	readDelay  time.Duration
	sendErr    error
	readErr    error
	deleteErr  error
	archiveErr error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{live: make(map[int64]*store.Message)}
}

// SetSendError makes Send fail with err (nil clears it).
func (s *Store) SetSendError(err error) { s.set(func() { s.sendErr = err }) }

// SetReadError makes Read fail with err (nil clears it).
func (s *Store) SetReadError(err error) { s.set(func() { s.readErr = err }) }

// SetDeleteError makes Delete fail with err (nil clears it).
func (s *Store) SetDeleteError(err error) { s.set(func() { s.deleteErr = err }) }

// SetArchiveError makes Archive fail with err (nil clears it).
func (s *Store) SetArchiveError(err error) { s.set(func() { s.archiveErr = err }) }

// SetReadDelay makes every Read sleep for d before returning, which widens
// the window in which overlapping polls would be observable.
func (s *Store) SetReadDelay(d time.Duration) { s.set(func() { s.readDelay = d }) }

func (s *Store) set(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
}

func (s *Store) Send(ctx context.Context, queue string, message json.RawMessage, delay time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return 0, s.sendErr
	}
	if !json.Valid(message) {
		return 0, errors.New("queuetest: message is not valid JSON")
	}
	s.nextID++
	now := time.Now()
	s.live[s.nextID] = &store.Message{
		MsgID:      s.nextID,
		QueueName:  queue,
		EnqueuedAt: now,
		VisibleAt:  now.Add(delay),
		Message:    append(json.RawMessage(nil), message...),
	}
	return s.nextID, nil
}

func (s *Store) Read(ctx context.Context, queue string, vt time.Duration, n int) ([]store.Message, error) {
	s.mu.Lock()
	s.reads++
	s.inRead++
	if s.inRead > s.maxInRead {
		s.maxInRead = s.inRead
	}
	delay := s.readDelay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inRead--
		s.mu.Unlock()
	}()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	now := time.Now()
	ids := make([]int64, 0, len(s.live))
	for id, m := range s.live {
		if m.QueueName == queue && !m.VisibleAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > n {
		ids = ids[:n]
	}
	out := make([]store.Message, 0, len(ids))
	for _, id := range ids {
		m := s.live[id]
		m.ReadCount++
		m.VisibleAt = now.Add(vt)
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, queue string, msgID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return false, s.deleteErr
	}
	m, ok := s.live[msgID]
	if !ok || m.QueueName != queue {
		return false, nil
	}
	delete(s.live, msgID)
	s.deleted = append(s.deleted, msgID)
	return true, nil
}

func (s *Store) Archive(ctx context.Context, queue string, msgID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.archiveErr != nil {
		return false, s.archiveErr
	}
	m, ok := s.live[msgID]
	if !ok || m.QueueName != queue {
		return false, nil
	}
	delete(s.live, msgID)
	s.archived = append(s.archived, store.ArchivedMessage{Message: *m, ArchivedAt: time.Now()})
	return true, nil
}

// Live returns the number of messages of queue not yet deleted or archived.
func (s *Store) Live(queue string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.live {
		if m.QueueName == queue {
			n++
		}
	}
	return n
}

// Get returns a copy of a live message.
func (s *Store) Get(msgID int64) (store.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.live[msgID]
	if !ok {
		return store.Message{}, false
	}
	return *m, true
}

// Archived returns the archived messages of queue in archive order.
func (s *Store) Archived(queue string) []store.ArchivedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ArchivedMessage
	for _, m := range s.archived {
		if m.QueueName == queue {
			out = append(out, m)
		}
	}
	return out
}

// Deleted returns the ids removed by Delete, in order.
func (s *Store) Deleted() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.deleted...)
}

// Reads returns the number of Read calls.
func (s *Store) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// MaxConcurrentReads returns the highest number of Read calls observed in
// flight at once.
func (s *Store) MaxConcurrentReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInRead
}
