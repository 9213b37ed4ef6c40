package runtime

import (
	"fmt"
	"sort"
	"sync"

	domainjobs "github.com/yungbote/pgcoord/internal/domain/jobs"
)

type Handler interface {
	Type() domainjobs.JobType
	Run(ctx *Context) error
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[domainjobs.JobType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domainjobs.JobType]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Get(jobType domainjobs.JobType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types lists the registered job types, sorted.
func (r *Registry) Types() []domainjobs.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domainjobs.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
