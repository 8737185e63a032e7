// ABOUTME: Thread-safe TTL window for suppressing duplicate agent reports.
// ABOUTME: Size-bounded with oldest-first eviction; expired keys are swept periodically.

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// windowEntry stores when a key was seen and its place in eviction order.
type windowEntry struct {
	seenAt  time.Time
	element *list.Element
}

// Window remembers keys for ttl, holding at most maxSize of them. The
// linked list keeps insertion order so eviction is O(1).
type Window struct {
	mu      sync.Mutex
	seen    map[string]*windowEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Window and starts its background sweep.
func New(ttl time.Duration, maxSize int) *Window {
	return newWindow(ttl, maxSize, time.Now, time.Minute)
}

func newWindow(ttl time.Duration, maxSize int, now func() time.Time, sweepEvery time.Duration) *Window {
	if maxSize <= 0 {
		maxSize = 1
	}
	w := &Window{
		seen:    make(map[string]*windowEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go w.sweepLoop(sweepEvery)
	return w
}

// Key joins report parts into a window key.
func Key(parts ...string) string {
	return strings.Join(parts, "\x1f")
}

// Seen reports whether key was observed within the ttl, without recording it.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.seen[key]
	return ok && w.now().Sub(e.seenAt) < w.ttl
}

// Observe records key and reports whether it was already seen within the
// ttl. Check and record happen under one lock.
func (w *Window) Observe(key string) (duplicate bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if e, ok := w.seen[key]; ok {
		if now.Sub(e.seenAt) < w.ttl {
			return true
		}
		e.seenAt = now
		w.order.MoveToBack(e.element)
		return false
	}

	if len(w.seen) >= w.maxSize {
		w.evictOldest()
	}
	w.seen[key] = &windowEntry{seenAt: now, element: w.order.PushBack(key)}
	return false
}

// Forget drops key so the next Observe treats it as new.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.seen[key]; ok {
		w.order.Remove(e.element)
		delete(w.seen, key)
	}
}

// Len returns the number of keys held, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// evictOldest must be called with mu held.
func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.seen, key)
}

func (w *Window) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.done:
			return
		}
	}
}

// sweep removes expired keys. Keys are in seen-order, so it stops at the
// first live one.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for el := w.order.Front(); el != nil; {
		key, _ := el.Value.(string)
		if now.Sub(w.seen[key].seenAt) < w.ttl {
			return
		}
		next := el.Next()
		w.order.Remove(el)
		delete(w.seen, key)
		el = next
	}
}

// Close stops the sweep goroutine. It is safe to call multiple times.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
