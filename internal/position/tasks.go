package position

import (
	"context"
	"fmt"
	"log"
	"sync"

	"station-alarm/internal/sampling"
)

// Tasks runs named background location tasks. Names are stable so a restarted
// process can stop or query a task it did not start in-memory.
type Tasks struct {
	source BatchSource

	mu      sync.Mutex
	running map[string]Subscription
	params  map[string]sampling.Params
}

func NewTasks(source BatchSource) *Tasks {
	return &Tasks{source: source, running: make(map[string]Subscription), params: make(map[string]sampling.Params)}
}

// Start begins the named task. Starting a running task replaces its
// subscription; the replaced one is released, not stopped, so the device only
// ever hears the new parameters.
func (t *Tasks) Start(ctx context.Context, name string, p sampling.Params, h BatchHandler) error {
	sub, err := t.source.WatchBatches(ctx, p, h)
	if err != nil {
		return fmt.Errorf("start task %s: %w", name, err)
	}
	t.mu.Lock()
	old := t.running[name]
	t.running[name] = sub
	t.params[name] = p
	t.mu.Unlock()
	if old != nil {
		if err := release(old); err != nil {
			log.Printf("release replaced task %s: %v", name, err)
		}
	}
	log.Printf("background task %s started tier=%s", name, p.TierName)
	return nil
}

func release(s Subscription) error {
	if r, ok := s.(Releaser); ok {
		return r.Release()
	}
	return s.Stop()
}

// Params returns the watch parameters the named task is running with.
func (t *Tasks) Params(name string) (sampling.Params, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.params[name]
	return p, ok
}

// Stop ends the named task; stopping a task that is not running is a no-op.
func (t *Tasks) Stop(name string) error {
	t.mu.Lock()
	sub := t.running[name]
	delete(t.running, name)
	delete(t.params, name)
	t.mu.Unlock()
	if sub == nil {
		return nil
	}
	if err := sub.Stop(); err != nil {
		return fmt.Errorf("stop task %s: %w", name, err)
	}
	log.Printf("background task %s stopped", name)
	return nil
}

func (t *Tasks) IsRunning(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.running[name]
	return ok
}
