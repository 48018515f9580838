package attachments

import (
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

// ErrHandleNotFound is returned for unknown or expired handles.
var ErrHandleNotFound = errors.New("attachment handle not found or expired")

// Handle describes a large structured attachment kept server-side so the
// model can query it instead of reading it inline.
type Handle struct {
	ID             string                `json:"id"`
	ConversationID models.ConversationID `json:"conversation_id"`
	Filename       string                `json:"filename,omitempty"`
	MimeType       string                `json:"mime_type"`
	Format         Format                `json:"format"`
	Size           int64                 `json:"size"`
	Columns        []string              `json:"columns"`
	RowCount       int                   `json:"row_count"`
	Sample         [][]string            `json:"sample,omitempty"`
	ExpiresAt      time.Time             `json:"expires_at"`
}

type handleEntry struct {
	handle *Handle
	table  *Table
	raw    []byte
}

// HandleStore keeps parsed attachments in memory for a limited time.
type HandleStore struct {
	mu      sync.Mutex
	entries map[string]*handleEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewHandleStore creates a store whose entries live for ttl after their
// last access.
func NewHandleStore(ttl time.Duration) *HandleStore {
	return &HandleStore{
		entries: make(map[string]*handleEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *HandleStore) put(h *Handle, table *Table, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.pruneLocked(now)
	h.ExpiresAt = now.Add(s.ttl)
	s.entries[h.ID] = &handleEntry{handle: h, table: table, raw: raw}
}

// get returns the entry when it exists, is unexpired, and belongs to the
// conversation. An empty conversation id matches any entry.
func (s *HandleStore) get(id string, conversationID models.ConversationID) (*handleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	entry, ok := s.entries[id]
	if !ok {
		return nil, ErrHandleNotFound
	}
	if !now.Before(entry.handle.ExpiresAt) {
		delete(s.entries, id)
		return nil, ErrHandleNotFound
	}
	if conversationID != "" && entry.handle.ConversationID != "" && entry.handle.ConversationID != conversationID {
		return nil, ErrHandleNotFound
	}
	entry.handle.ExpiresAt = now.Add(s.ttl)
	return entry, nil
}

// Len returns the number of live handles.
func (s *HandleStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	return len(s.entries)
}

func (s *HandleStore) pruneLocked(now time.Time) {
	for id, entry := range s.entries {
		if !now.Before(entry.handle.ExpiresAt) {
			delete(s.entries, id)
		}
	}
}
