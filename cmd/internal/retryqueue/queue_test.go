package retryqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"krismini/cmd/internal/chat"
)

type fakeInserter struct {
	mu      sync.Mutex
	calls   []string
	fail    bool
	blockCh chan struct{} // when set, the first call waits on it
	blocked bool
}

func (f *fakeInserter) InsertOne(ctx context.Context, m chat.NewMessage) (chat.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, m.Content)
	block := f.blockCh != nil && !f.blocked
	if block {
		f.blocked = true
	}
	fail := f.fail
	f.mu.Unlock()

	if block {
		select {
		case <-f.blockCh:
		case <-ctx.Done():
			return chat.Message{}, ctx.Err()
		}
	}
	if fail {
		return chat.Message{}, chat.E("gateway.InsertOne", chat.ErrNetwork, "offline")
	}
	return chat.Message{ID: "srv-" + m.Content, UserID: m.UserID, Role: m.Role, Content: m.Content, CreatedAt: time.Now()}, nil
}

func (f *fakeInserter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testConfig() Config {
	return Config{Enabled: true, MaxRetries: 3, RetryDelay: 5 * time.Millisecond}
}

func item(id, content string) Item {
	return Item{ID: id, Message: chat.NewMessage{UserID: "u1", Role: chat.RoleUser, Content: content}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestQueue_EnqueueDelivers(t *testing.T) {
	ins := &fakeInserter{}
	q := New(nil, ins, testConfig())
	defer q.Close()

	var log eventLog
	q.AddListener(log.add)

	if !q.Enqueue(item("temp_1", "hello")) {
		t.Fatalf("Enqueue rejected")
	}
	waitFor(t, "delivery", func() bool { return len(log.types()) == 1 })

	if got := log.types(); got[0] != EventDelivered {
		t.Fatalf("event=%v want=%v", got[0], EventDelivered)
	}
	log.mu.Lock()
	stored := log.events[0].Stored
	log.mu.Unlock()
	if stored.ID != "srv-hello" {
		t.Fatalf("stored id=%q", stored.ID)
	}
	if st := q.Status(); st.QueueLength != 0 {
		t.Fatalf("queue length=%d want=0", st.QueueLength)
	}
}

func TestQueue_DropsAfterMaxRetries(t *testing.T) {
	ins := &fakeInserter{fail: true}
	q := New(nil, ins, testConfig())
	defer q.Close()

	var log eventLog
	q.AddListener(log.add)

	q.Enqueue(item("temp_1", "doomed"))
	waitFor(t, "drop", func() bool { return len(log.types()) == 3 })

	want := []EventType{EventFailed, EventFailed, EventDropped}
	for i, ev := range log.types() {
		if ev != want[i] {
			t.Fatalf("event[%d]=%v want=%v", i, ev, want[i])
		}
	}
	if got := len(ins.Calls()); got != 3 {
		t.Fatalf("attempts=%d want=3", got)
	}

	// No further replays once dropped.
	time.Sleep(30 * time.Millisecond)
	if got := len(ins.Calls()); got != 3 {
		t.Fatalf("attempts after drop=%d want=3", got)
	}
	if st := q.Status(); st.QueueLength != 0 {
		t.Fatalf("queue length=%d want=0", st.QueueLength)
	}
}

func TestQueue_DrainIsNoopWhileProcessing(t *testing.T) {
	release := make(chan struct{})
	ins := &fakeInserter{blockCh: release}
	q := New(nil, ins, testConfig())
	defer q.Close()

	q.Enqueue(item("temp_1", "a"))
	waitFor(t, "processing", func() bool { return q.Status().IsProcessing })

	done := make(chan struct{})
	go func() {
		q.Drain(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("second Drain blocked")
	}
	if got := len(ins.Calls()); got != 1 {
		t.Fatalf("calls=%d want=1", got)
	}

	close(release)
	waitFor(t, "empty queue", func() bool { return q.Status().QueueLength == 0 })
	if got := len(ins.Calls()); got != 1 {
		t.Fatalf("item replayed twice: calls=%d", got)
	}
}

func TestQueue_ReplaysInEnqueueOrder(t *testing.T) {
	release := make(chan struct{})
	ins := &fakeInserter{blockCh: release}
	q := New(nil, ins, testConfig())
	defer q.Close()

	q.Enqueue(item("temp_a", "a"))
	waitFor(t, "processing", func() bool { return q.Status().IsProcessing })
	q.Enqueue(item("temp_b", "b"))
	q.Enqueue(item("temp_c", "c"))
	close(release)

	waitFor(t, "empty queue", func() bool { return q.Status().QueueLength == 0 })
	got := ins.Calls()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("calls=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls=%v want=%v", got, want)
		}
	}
}

func TestQueue_RejectsDuplicatesAndDisabled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ins := &fakeInserter{blockCh: release}
	q := New(nil, ins, testConfig())
	defer q.Close()

	if !q.Enqueue(item("temp_1", "a")) {
		t.Fatalf("first Enqueue rejected")
	}
	if q.Enqueue(item("temp_1", "a")) {
		t.Fatalf("duplicate id accepted")
	}

	cfg := testConfig()
	cfg.Enabled = false
	q.UpdateConfig(cfg)
	if q.Enqueue(item("temp_2", "b")) {
		t.Fatalf("disabled queue accepted item")
	}
	if got := q.Status().QueueLength; got != 1 {
		t.Fatalf("queue length=%d want=1", got)
	}
}

func TestQueue_ClearAndClose(t *testing.T) {
	ins := &fakeInserter{fail: true}
	cfg := testConfig()
	cfg.RetryDelay = time.Hour
	q := New(nil, ins, cfg)

	q.Enqueue(item("temp_1", "a"))
	q.Enqueue(item("temp_2", "b"))
	waitFor(t, "first pass", func() bool {
		st := q.Status()
		return !st.IsProcessing && len(ins.Calls()) >= 1
	})

	items := q.Items()
	if len(items) == 0 {
		t.Fatalf("expected pending items")
	}
	q.Clear()
	if st := q.Status(); st.QueueLength != 0 {
		t.Fatalf("queue length=%d want=0", st.QueueLength)
	}

	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return")
	}
	if q.Enqueue(item("temp_3", "c")) {
		t.Fatalf("closed queue accepted item")
	}
}

func TestQueue_RemoveListener(t *testing.T) {
	ins := &fakeInserter{}
	q := New(nil, ins, testConfig())
	defer q.Close()

	var log eventLog
	remove := q.AddListener(log.add)
	remove()

	q.Enqueue(item("temp_1", "a"))
	waitFor(t, "empty queue", func() bool { return q.Status().QueueLength == 0 && !q.Status().IsProcessing })
	if n := len(log.types()); n != 0 {
		t.Fatalf("removed listener got %d events", n)
	}
}

func TestEventTypeString(t *testing.T) {
	if EventDropped.String() != "dropped" || EventType(0).String() != "unknown" {
		t.Fatalf("unexpected String output")
	}
}
