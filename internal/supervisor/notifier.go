package supervisor

import "sync"

// notifier fans events out to registered callbacks. Dispatch is synchronous
// on the emitting goroutine and always happens outside registry and
// lifecycle locks, so callbacks may call back into the supervisor.
type notifier struct {
	mu        sync.RWMutex
	nextID    int
	lifecycle map[int]func(LifecycleEvent)
	errors    map[int]func(ErrorEvent)
	cleanup   map[int]func(CleanupEvent)
}

func newNotifier() *notifier {
	return &notifier{
		lifecycle: make(map[int]func(LifecycleEvent)),
		errors:    make(map[int]func(ErrorEvent)),
		cleanup:   make(map[int]func(CleanupEvent)),
	}
}

func (n *notifier) onLifecycle(fn func(LifecycleEvent)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.lifecycle[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.lifecycle, id)
		n.mu.Unlock()
	}
}

func (n *notifier) onError(fn func(ErrorEvent)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.errors[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.errors, id)
		n.mu.Unlock()
	}
}

func (n *notifier) onCleanup(fn func(CleanupEvent)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.cleanup[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.cleanup, id)
		n.mu.Unlock()
	}
}

func (n *notifier) emitLifecycle(evt LifecycleEvent) {
	n.mu.RLock()
	fns := make([]func(LifecycleEvent), 0, len(n.lifecycle))
	for _, fn := range n.lifecycle {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()
	for _, fn := range fns {
		fn(evt)
	}
}

func (n *notifier) emitError(evt ErrorEvent) {
	n.mu.RLock()
	fns := make([]func(ErrorEvent), 0, len(n.errors))
	for _, fn := range n.errors {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()
	for _, fn := range fns {
		fn(evt)
	}
}

func (n *notifier) emitCleanup(evt CleanupEvent) {
	n.mu.RLock()
	fns := make([]func(CleanupEvent), 0, len(n.cleanup))
	for _, fn := range n.cleanup {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()
	for _, fn := range fns {
		fn(evt)
	}
}
