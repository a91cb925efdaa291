package cachesync

import (
	"sync"
	"time"
)

// MemoryTopics is the in-process invalidation surface backing the console's
// own query caches. Each topic carries a stale flag plus a version counter;
// the pull side clears the flag when it refetches.
type MemoryTopics struct {
	mu     sync.Mutex
	topics map[string]*topicState
}

type topicState struct {
	Stale     bool
	Version   uint64
	InvalidAt time.Time
}

func NewMemoryTopics() *MemoryTopics {
	return &MemoryTopics{topics: make(map[string]*topicState)}
}

var _ Invalidator = (*MemoryTopics)(nil)

func (m *MemoryTopics) Invalidate(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.topics[topic]
	if !ok {
		st = &topicState{}
		m.topics[topic] = st
	}
	st.Stale = true
	st.Version++
	st.InvalidAt = time.Now()
}

// Stale reports whether the topic needs a refetch.
func (m *MemoryTopics) Stale(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.topics[topic]
	return ok && st.Stale
}

// Version returns the invalidation counter for the topic (0 if never staled).
func (m *MemoryTopics) Version(topic string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.topics[topic]; ok {
		return st.Version
	}
	return 0
}

// MarkFresh clears the stale flag after the owning cache refetched.
func (m *MemoryTopics) MarkFresh(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.topics[topic]; ok {
		st.Stale = false
	}
}
