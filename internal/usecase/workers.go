package usecase

import (
	"sync"

	"github.com/Lucas-Song-Dev/INSIGHT/internal/observability"
)

// WorkerHandle identifies one live scrape worker. It exposes liveness and the
// job it serves; scheduler primitives stay encapsulated.
type WorkerHandle struct {
	jobID string
	topic string
	done  chan struct{}
	once  sync.Once
}

// JobID returns the job the worker is executing.
func (h *WorkerHandle) JobID() string { return h.jobID }

// Topic returns the scrape topic.
func (h *WorkerHandle) Topic() string { return h.topic }

// IsAlive reports whether the worker has not yet exited.
func (h *WorkerHandle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *WorkerHandle) finish() { h.once.Do(func() { close(h.done) }) }

// WorkerRegistry tracks live scrape workers per user. Whether a user has a
// scrape in flight is always a derived query over this registry, never a
// mutable flag.
type WorkerRegistry struct {
	mu     sync.Mutex
	byUser map[string][]*WorkerHandle
}

// NewWorkerRegistry constructs an empty registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{byUser: make(map[string][]*WorkerHandle)}
}

// Add registers a worker launching for the user and returns its handle.
func (r *WorkerRegistry) Add(userID, jobID, topic string) *WorkerHandle {
	h := &WorkerHandle{jobID: jobID, topic: topic, done: make(chan struct{})}
	r.mu.Lock()
	r.byUser[userID] = append(r.byUser[userID], h)
	r.mu.Unlock()
	observability.ScrapeWorkersActive.Inc()
	return h
}

// Remove marks the worker finished and drops it from the user's list.
func (r *WorkerRegistry) Remove(userID string, h *WorkerHandle) {
	h.finish()
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byUser[userID]
	for i, cur := range list {
		if cur == h {
			r.byUser[userID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.byUser[userID]) == 0 {
		delete(r.byUser, userID)
	}
	observability.ScrapeWorkersActive.Dec()
}

// WorkerInfo is the observable snapshot of one live worker.
type WorkerInfo struct {
	JobID string `json:"job_id"`
	Topic string `json:"topic"`
	Alive bool   `json:"alive"`
}

// Live returns a snapshot of the user's current workers.
func (r *WorkerRegistry) Live(userID string) []WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byUser[userID]
	out := make([]WorkerInfo, 0, len(list))
	for _, h := range list {
		out = append(out, WorkerInfo{JobID: h.jobID, Topic: h.topic, Alive: h.IsAlive()})
	}
	return out
}

// HasLive reports whether the user has any live worker.
func (r *WorkerRegistry) HasLive(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID]) > 0
}
