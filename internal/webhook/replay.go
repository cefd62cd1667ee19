package webhook

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// ReplayGuard rejects webhook deliveries already seen inside the replay
// window. The seen-set is bounded: once maxEntries is exceeded the
// oldest entries are evicted, which is safe because anything old enough
// to be evicted is outside the window anyway.
type ReplayGuard struct {
	window     time.Duration
	maxEntries int

	mu    sync.Mutex
	seen  map[string]*list.Element
	order *list.List
}

type replayEntry struct {
	key  string
	seen time.Time
}

// NewReplayGuard creates a guard with the given window and entry cap.
func NewReplayGuard(window time.Duration, maxEntries int) *ReplayGuard {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &ReplayGuard{
		window:     window,
		maxEntries: maxEntries,
		seen:       make(map[string]*list.Element),
		order:      list.New(),
	}
}

// DedupKey derives the delivery identity as a hash over the tuple that
// makes a delivery unique.
func DedupKey(paymentID string, eventType EventType, timestamp time.Time, signature string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", paymentID, eventType, timestamp.Unix(), signature)))
	return hex.EncodeToString(sum[:])
}

// Reserve atomically checks and records a delivery key. It returns false
// if the key was already reserved inside the window: the check and the
// insert are one critical section, so two concurrent identical
// deliveries can never both pass.
func (g *ReplayGuard) Reserve(key string) bool {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.evictLocked(now)

	if el, ok := g.seen[key]; ok {
		if now.Sub(el.Value.(*replayEntry).seen) < g.window {
			return false
		}
		// Same key outside the window: refresh it.
		el.Value.(*replayEntry).seen = now
		g.order.MoveToBack(el)
		return true
	}

	g.seen[key] = g.order.PushBack(&replayEntry{key: key, seen: now})
	return true
}

// Release drops a reservation so a failed delivery can be retried by the
// sender. Only called when processing fails after the reserve.
func (g *ReplayGuard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if el, ok := g.seen[key]; ok {
		g.order.Remove(el)
		delete(g.seen, key)
	}
}

// Len returns the number of tracked keys.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

func (g *ReplayGuard) evictLocked(now time.Time) {
	for el := g.order.Front(); el != nil; {
		entry := el.Value.(*replayEntry)
		expired := now.Sub(entry.seen) >= g.window
		overCap := g.order.Len() >= g.maxEntries
		if !expired && !overCap {
			break
		}
		next := el.Next()
		g.order.Remove(el)
		delete(g.seen, entry.key)
		el = next
	}
}
