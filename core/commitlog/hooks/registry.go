package hooks

import (
	"sync"

	"github.com/pkg/errors"
)

// Hook vets a commit log operation. A non-nil error rejects it.
type Hook interface {
	OnSend(topic string, msg int) error
	OnCommit(topic string, offset int) error
}

// Registry runs hooks in registration order and stops at the first rejection.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	hooks []Hook
}

func NewRegistry(hooks ...Hook) *Registry {
	return &Registry{hooks: append([]Hook(nil), hooks...)}
}

func (r *Registry) Register(hook Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hooks = append(r.hooks, hook)
}

// CheckSend reports the first hook that rejects a send of msg to topic.
func (r *Registry) CheckSend(topic string, msg int) error {
	return r.each(func(h Hook) error { return h.OnSend(topic, msg) })
}

// CheckCommit reports the first hook that rejects committing topic at offset.
func (r *Registry) CheckCommit(topic string, offset int) error {
	return r.each(func(h Hook) error { return h.OnCommit(topic, offset) })
}

func (r *Registry) each(check func(Hook) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, h := range r.hooks {
		if err := check(h); err != nil {
			if !errors.Is(err, ErrRejected) {
				err = errors.Wrap(ErrRejected, err.Error())
			}
			return err
		}
	}

	return nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.hooks)
}
