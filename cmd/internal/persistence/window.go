package persistence

import (
	"time"

	"krismini/cmd/internal/chat"
)

// Entry is one row of the visible window: a confirmed message, or an
// optimistic one still waiting for the store.
type Entry struct {
	chat.Message
	TempID     string `json:"temp_id,omitempty"`
	Optimistic bool   `json:"optimistic"`
	RetryCount int    `json:"retry_count"`
}

// Key is stable across the optimistic-to-confirmed swap.
func (e Entry) Key() string {
	if e.TempID != "" {
		return e.TempID
	}
	return e.ID
}

// window is the ordered message list plus the temp-id index of optimistic entries.
// It is not safe for concurrent use; Engine guards it.
type window struct {
	entries []Entry
	pending map[string]int // temp id -> index into entries
}

func newWindow() *window {
	return &window{pending: make(map[string]int)}
}

func (w *window) reset() {
	w.entries = nil
	w.pending = make(map[string]int)
}

func (w *window) len() int { return len(w.entries) }

func (w *window) snapshot() []Entry {
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out
}

// newest returns the CreatedAt of the last entry, or the zero time.
func (w *window) newest() time.Time {
	if len(w.entries) == 0 {
		return time.Time{}
	}
	return w.entries[len(w.entries)-1].CreatedAt
}

func (w *window) oldestConfirmed() (chat.Message, bool) {
	for _, e := range w.entries {
		if !e.Optimistic {
			return e.Message, true
		}
	}
	return chat.Message{}, false
}

func (w *window) newestConfirmed() (chat.Message, bool) {
	for i := len(w.entries) - 1; i >= 0; i-- {
		if !w.entries[i].Optimistic {
			return w.entries[i].Message, true
		}
	}
	return chat.Message{}, false
}

func (w *window) hasID(id string) bool {
	for _, e := range w.entries {
		if !e.Optimistic && e.ID == id {
			return true
		}
	}
	return false
}

func (w *window) optimistic() []Entry {
	var out []Entry
	for _, e := range w.entries {
		if e.Optimistic {
			out = append(out, e)
		}
	}
	return out
}

// appendOptimistic adds e at the end. The caller guarantees e is not older
// than the current newest entry.
func (w *window) appendOptimistic(e Entry) {
	w.entries = append(w.entries, e)
	w.pending[e.TempID] = len(w.entries) - 1
}

// confirm swaps the optimistic entry for tempID with m and restores order.
// found is false when tempID is not pending. added is false when a sync or
// reload had already brought m in, so m is already counted.
func (w *window) confirm(tempID string, m chat.Message) (found, added bool) {
	i, ok := w.pending[tempID]
	if !ok {
		return false, false
	}
	delete(w.pending, tempID)
	if w.hasID(m.ID) {
		w.remove(i)
		return true, false
	}
	w.entries[i] = Entry{Message: m, TempID: tempID}
	w.settle(i)
	return true, true
}

func (w *window) remove(i int) {
	w.entries = append(w.entries[:i], w.entries[i+1:]...)
	for id, j := range w.pending {
		if j > i {
			w.pending[id] = j - 1
		}
	}
}

// adopt carries temp ids over from prev onto matching confirmed rows and
// re-adds rows this session wrote that are newer than everything loaded.
func (w *window) adopt(prev []Entry) {
	newest, hasNewest := w.newestConfirmed()
	byID := make(map[string]int, len(w.entries))
	for i, e := range w.entries {
		byID[e.ID] = i
	}
	for _, p := range prev {
		if p.Optimistic || p.TempID == "" {
			continue
		}
		if i, ok := byID[p.ID]; ok {
			w.entries[i].TempID = p.TempID
			continue
		}
		if !hasNewest || chat.CursorOf(newest).After(p.Message) {
			w.entries = append(w.entries, p)
			w.settle(len(w.entries) - 1)
		}
	}
}

// bump increments RetryCount of the optimistic entry for tempID.
func (w *window) bump(tempID string) bool {
	i, ok := w.pending[tempID]
	if !ok {
		return false
	}
	w.entries[i].RetryCount++
	return true
}

// prepend puts older confirmed messages in front, skipping ids already present.
func (w *window) prepend(msgs []chat.Message) int {
	fresh := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		if !w.hasID(m.ID) {
			fresh = append(fresh, Entry{Message: m})
		}
	}
	if len(fresh) == 0 {
		return 0
	}
	w.entries = append(fresh, w.entries...)
	for id, i := range w.pending {
		w.pending[id] = i + len(fresh)
	}
	return len(fresh)
}

// merge inserts confirmed messages at their sorted positions, skipping ids
// already present.
func (w *window) merge(msgs []chat.Message) int {
	added := 0
	for _, m := range msgs {
		if w.hasID(m.ID) {
			continue
		}
		w.entries = append(w.entries, Entry{Message: m})
		w.settle(len(w.entries) - 1)
		added++
	}
	return added
}

// settle moves entries[i] to its place by CreatedAt. Equal timestamps keep
// their current relative order.
func (w *window) settle(i int) {
	for i > 0 && w.entries[i].CreatedAt.Before(w.entries[i-1].CreatedAt) {
		w.swap(i, i-1)
		i--
	}
	for i < len(w.entries)-1 && w.entries[i+1].CreatedAt.Before(w.entries[i].CreatedAt) {
		w.swap(i, i+1)
		i++
	}
}

func (w *window) swap(i, j int) {
	w.entries[i], w.entries[j] = w.entries[j], w.entries[i]
	if w.entries[i].Optimistic {
		w.pending[w.entries[i].TempID] = i
	}
	if w.entries[j].Optimistic {
		w.pending[w.entries[j].TempID] = j
	}
}
