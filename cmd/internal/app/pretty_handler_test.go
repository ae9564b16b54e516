package app

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_FormatsRecord(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))
	log.With("session_id", "01JABCDEFGHJKMNPQRSTVWXYZ0").Warn("gateway.retry",
		"op", "gateway.InsertMany",
		"attempt", 2,
		"err", "dial tcp: connection refused",
		"duration_ms", 1500,
	)

	line := buf.String()
	for _, want := range []string{
		"lvl=[WARN]",
		"msg=gateway.retry",
		"session_id=01JA..VWXYZ0",
		"op=gateway.InsertMany",
		"attempt=2",
		`err="dial tcp: connection refused"`,
		"duration=1500ms",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("colour disabled but got escapes: %q", line)
	}
}

func TestPrettyHandler_RespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, true))
	log.Info("retryqueue.enqueue")
	if buf.Len() != 0 {
		t.Fatalf("info must be filtered at warn level: %q", buf.String())
	}
	log.Error("ws.accept.fail")
	if got := stripANSI(buf.String()); !strings.Contains(got, "lvl=[ERROR] msg=ws.accept.fail") {
		t.Fatalf("line=%q", got)
	}
}

func TestColorizeStatusClass(t *testing.T) {
	t.Parallel()

	if got := colorizeStatusClass("5xx", true); got != ansiRed+"5xx"+ansiReset {
		t.Fatalf("got %q", got)
	}
	if got := colorizeStatusClass("2xx", false); got != "2xx" {
		t.Fatalf("got %q", got)
	}
}

func TestPrettyHandler_ChatKeys(t *testing.T) {
	t.Parallel()

	cases := []struct {
		key, val string
		want     string
	}{
		{key: "role", val: "ai", want: ansiMagenta + "ai" + ansiReset},
		{key: "role", val: "user", want: ansiCyan + "user" + ansiReset},
		{key: "kind", val: "network_error", want: ansiYellow + "network_error" + ansiReset},
		{key: "kind", val: "duplicate_entry", want: ansiRed + "duplicate_entry" + ansiReset},
	}
	h := newPrettyHandler(io.Discard, nil, true).(*prettyHandler)
	for _, tc := range cases {
		if got := h.prettyValue(tc.key, slog.StringValue(tc.val)); got != tc.want {
			t.Fatalf("prettyValue(%s=%s)=%q want=%q", tc.key, tc.val, got, tc.want)
		}
	}
}
