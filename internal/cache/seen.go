// Package cache holds small in-memory caches.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Seen remembers keys for a fixed window so redelivered events can be
// dropped. It holds at most MaxSize keys; the least recently added key is
// evicted first.
type Seen struct {
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
}

type seenEntry struct {
	key    string
	seenAt time.Time
}

// NewSeen creates a cache. A non-positive ttl defaults to ten minutes and a
// non-positive maxSize to 10000.
func NewSeen(ttl time.Duration, maxSize int) *Seen {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Seen{
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		order:   list.New(),
		index:   make(map[string]*list.Element),
	}
}

// Observe records key and reports whether it was already seen within the
// window. Empty keys are never duplicates.
func (s *Seen) Observe(key string) bool {
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expire(now)

	if _, ok := s.index[key]; ok {
		return true
	}
	s.index[key] = s.order.PushBack(&seenEntry{key: key, seenAt: now})
	for s.order.Len() > s.maxSize {
		s.remove(s.order.Front())
	}
	return false
}

// Forget drops key so a later Observe treats it as new.
func (s *Seen) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.index[key]; ok {
		s.remove(el)
	}
}

// Len reports the number of remembered keys.
func (s *Seen) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *Seen) expire(now time.Time) {
	for el := s.order.Front(); el != nil; el = s.order.Front() {
		if now.Sub(el.Value.(*seenEntry).seenAt) < s.ttl {
			return
		}
		s.remove(el)
	}
}

func (s *Seen) remove(el *list.Element) {
	delete(s.index, el.Value.(*seenEntry).key)
	s.order.Remove(el)
}

// EventKey builds the key for a channel-native message id within a
// conversation. It is empty when the id is unknown.
func EventKey(conversationID, channelMessageID string) string {
	if channelMessageID == "" {
		return ""
	}
	return conversationID + "#" + channelMessageID
}
