// Package memory implements storage interfaces in process memory. It backs
// the receiver archive when no database is configured and in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-etax/internal/storage"
)

// Store implements storage.Store with mutex guarded maps
type Store struct {
	mu          sync.RWMutex
	submissions map[string]*storage.Submission
	attachments map[string]*storage.Attachment
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		submissions: make(map[string]*storage.Submission),
		attachments: make(map[string]*storage.Attachment),
	}
}

func (s *Store) Close(ctx context.Context) error { return nil }

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) SaveSubmission(ctx context.Context, sub *storage.Submission) (*storage.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.submissions[sub.SubmitID]
	if exists && existing.Status != storage.StatusRejected {
		return nil, fmt.Errorf("%w: %s", storage.ErrDuplicate, sub.SubmitID)
	}
	switch {
	case exists:
		sub.ID = existing.ID
	case sub.ID == "":
		sub.ID = uuid.New().String()
	}
	if sub.ReceivedAt.IsZero() {
		sub.ReceivedAt = time.Now()
	}
	stored := *sub
	s.submissions[sub.SubmitID] = &stored
	return existing, nil
}

func (s *Store) GetSubmission(ctx context.Context, submitID string) (*storage.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.submissions[submitID]
	if !ok {
		return nil, nil
	}
	out := *sub
	return &out, nil
}

func (s *Store) ListSubmissions(ctx context.Context, filter *storage.SubmissionFilter) ([]*storage.Submission, error) {
	matched := s.matching(filter)
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
	})

	if filter != nil {
		if filter.Offset > 0 {
			if filter.Offset >= len(matched) {
				return nil, nil
			}
			matched = matched[filter.Offset:]
		}
		if filter.Limit > 0 && filter.Limit < len(matched) {
			matched = matched[:filter.Limit]
		}
	}
	return matched, nil
}

func (s *Store) CountSubmissions(ctx context.Context, filter *storage.SubmissionFilter) (int64, error) {
	return int64(len(s.matching(filter))), nil
}

func (s *Store) matching(filter *storage.SubmissionFilter) []*storage.Submission {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Submission
	for _, sub := range s.submissions {
		if filter.Matches(sub) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out
}

func (s *Store) StoreAttachment(ctx context.Context, att *storage.Attachment) (string, error) {
	if att.Checksum == "" {
		att.Checksum = storage.Checksum(att.Data)
	}
	att.ID = uuid.New().String()

	stored := *att
	stored.Data = append([]byte(nil), att.Data...)

	s.mu.Lock()
	s.attachments[att.ID] = &stored
	s.mu.Unlock()
	return att.ID, nil
}

func (s *Store) GetAttachment(ctx context.Context, id string) (*storage.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	att, ok := s.attachments[id]
	if !ok {
		return nil, nil
	}
	out := *att
	out.Data = append([]byte(nil), att.Data...)
	return &out, nil
}

func (s *Store) DeleteAttachment(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.attachments, id)
	s.mu.Unlock()
	return nil
}

var _ storage.Store = (*Store)(nil)
