package memory

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// StreamRegistry tracks the cancel functions of in-flight turns on this
// instance, keyed by conversation id. Entries expire after an hour so a
// leaked registration cannot pin memory.
type StreamRegistry struct {
	mu    sync.Mutex
	cache *cache.Cache
}

type streamGroup struct {
	cancels map[string]context.CancelFunc
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		cache: cache.New(1*time.Hour, 10*time.Minute),
	}
}

// Register records cancel under (conversationId, turnId). The returned func
// removes the registration and is safe to call more than once.
func (r *StreamRegistry) Register(conversationId, turnId string, cancel context.CancelFunc) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	group := r.group(conversationId)
	group.cancels[turnId] = cancel
	r.cache.Set(conversationId, group, cache.DefaultExpiration)

	return func() { r.unregister(conversationId, turnId) }
}

// Cancel fires every cancel func registered for the conversation and
// returns how many there were.
func (r *StreamRegistry) Cancel(conversationId string) int {
	r.mu.Lock()
	x, found := r.cache.Get(conversationId)
	if !found {
		r.mu.Unlock()
		return 0
	}
	group := x.(*streamGroup)
	cancels := make([]context.CancelFunc, 0, len(group.cancels))
	for _, c := range group.cancels {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	return len(cancels)
}

// Active reports how many turns are streaming for the conversation.
func (r *StreamRegistry) Active(conversationId string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if x, found := r.cache.Get(conversationId); found {
		return len(x.(*streamGroup).cancels)
	}
	return 0
}

func (r *StreamRegistry) unregister(conversationId, turnId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	x, found := r.cache.Get(conversationId)
	if !found {
		return
	}
	group := x.(*streamGroup)
	delete(group.cancels, turnId)
	if len(group.cancels) == 0 {
		r.cache.Delete(conversationId)
	}
}

func (r *StreamRegistry) group(conversationId string) *streamGroup {
	if x, found := r.cache.Get(conversationId); found {
		return x.(*streamGroup)
	}
	return &streamGroup{cancels: make(map[string]context.CancelFunc)}
}
