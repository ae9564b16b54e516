package chat

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLessTieBreaksByID(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Message{ID: "01A", CreatedAt: ts}
	b := Message{ID: "01B", CreatedAt: ts}
	c := Message{ID: "00Z", CreatedAt: ts.Add(time.Millisecond)}

	if !Less(a, b) || Less(b, a) {
		t.Fatalf("expected id tie-break a<b")
	}
	if !Less(b, c) {
		t.Fatalf("expected time to dominate id")
	}
}

func TestCursorBeforeAfter(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cur := Cursor{CreatedAt: ts, ID: "01M"}

	tests := []struct {
		name         string
		m            Message
		before, after bool
	}{
		{"older", Message{ID: "01Z", CreatedAt: ts.Add(-time.Second)}, true, false},
		{"newer", Message{ID: "00A", CreatedAt: ts.Add(time.Second)}, false, true},
		{"tie lower id", Message{ID: "01A", CreatedAt: ts}, true, false},
		{"tie higher id", Message{ID: "01Z", CreatedAt: ts}, false, true},
		{"same", Message{ID: "01M", CreatedAt: ts}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cur.Before(tt.m); got != tt.before {
				t.Fatalf("Before=%v want=%v", got, tt.before)
			}
			if got := cur.After(tt.m); got != tt.after {
				t.Fatalf("After=%v want=%v", got, tt.after)
			}
		})
	}

	timeOnly := Cursor{CreatedAt: ts}
	if timeOnly.Before(Message{ID: "00", CreatedAt: ts}) {
		t.Fatalf("time-only cursor must exclude ties")
	}
}

func TestNewMessageValidate(t *testing.T) {
	ok := NewMessage{UserID: "u1", Role: RoleUser, Content: "hi"}
	if err := ok.Validate("op"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	bad := []NewMessage{
		{UserID: " ", Role: RoleUser, Content: "hi"},
		{UserID: "u1", Role: "system", Content: "hi"},
		{UserID: "u1", Role: RoleAI, Content: "  "},
		{UserID: "u1", Role: RoleAI, Content: strings.Repeat("x", MaxContentBytes+1)},
	}
	for i, m := range bad {
		if err := m.Validate("op"); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: err=%v want=%v", i, err, ErrInvalidInput)
		}
	}
}
