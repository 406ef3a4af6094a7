package convstate

import "fmt"

// Bounded dedup windows. Eviction is FIFO by insertion order paired with a
// set, which approximates LRU without tracking access order. Events older
// than the retained window are re-accepted if redelivered; that is the
// documented trade-off for bounding memory on long-lived conversations.
const (
	maxProcessedEventKeys    = 5000
	maxCompletionMessageKeys = 2000
)

// dedupWindow is a set plus FIFO queue with a shared cap.
type dedupWindow struct {
	keys []string
	seen map[string]struct{}
	cap  int
}

func newDedupWindow(capacity int) *dedupWindow {
	return &dedupWindow{
		seen: map[string]struct{}{},
		cap:  capacity,
	}
}

func (w *dedupWindow) has(key string) bool {
	_, ok := w.seen[key]
	return ok
}

func (w *dedupWindow) remember(key string) {
	if key == "" {
		return
	}
	w.seen[key] = struct{}{}
	w.keys = append(w.keys, key)
	if overflow := len(w.keys) - w.cap; overflow > 0 {
		stale := w.keys[:overflow]
		for _, k := range stale {
			delete(w.seen, k)
		}
		w.keys = append([]string(nil), w.keys[overflow:]...)
	}
}

func (w *dedupWindow) len() int {
	return len(w.keys)
}

// eventDedupKey identifies an event for at-most-once processing. The server
// event id wins when present; otherwise a composite of the routing fields
// stands in.
func eventDedupKey(event ExecutionEvent) string {
	if id := trimmed(event.EventID); id != "" {
		return "id:" + id
	}
	return fmt.Sprintf("fallback:%s:%s:%d:%s", event.ConversationID, event.ExecutionID, event.Sequence, event.Type)
}

// completionMessageKey identifies one terminal-message emission per
// (execution, role).
func completionMessageKey(event ExecutionEvent, role string) string {
	if id := trimmed(event.EventID); id != "" {
		return role + ":id:" + id
	}
	return fmt.Sprintf("%s:fallback:%s:%s:%d", role, event.ExecutionID, event.Type, event.Sequence)
}
