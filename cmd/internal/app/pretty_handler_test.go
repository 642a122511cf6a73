package app

import (
	"bytes"
	"log/slog"
	"regexp"
	"strings"
	"testing"
	"time"
)

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false)).With("session_id", "s1")
	log.Info("http.request",
		"method", "post",
		"path", "/v1/chats",
		"status", 201,
		"status_class", "2xx",
		"duration_ms", int64(12),
		"note", "two words",
	)

	line := strings.TrimSpace(buf.String())
	for _, want := range []string{
		"INFO  http.request",
		"session_id=s1",
		"method=POST",
		"path=/v1/chats",
		"status=201",
		"class=2xx",
		"duration=12ms",
		`note="two words"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("unexpected color codes: %q", line)
	}
}

func TestPrettyHandler_ColorAndGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, true)
	log := slog.New(h).WithGroup("ws")
	log.Error("ws.event.fail", "status", 503, slog.Group("client", "user_id", "alice"))

	out := buf.String()
	if !strings.Contains(out, ansiRed+"ERROR"+ansiReset) {
		t.Fatalf("level tag not colored: %q", out)
	}
	plain := stripANSI(out)
	if !strings.Contains(plain, "ws.status=503") || !strings.Contains(plain, "ws.client.user_id=alice") {
		t.Fatalf("group keys mismatch: %q", plain)
	}
}

func TestPrettyHandler_Enabled(t *testing.T) {
	t.Parallel()

	h := newPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}, false)
	if h.Enabled(t.Context(), slog.LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
	if !h.Enabled(t.Context(), slog.LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}

func TestValueToString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   slog.Value
		want string
	}{
		{in: slog.BoolValue(true), want: "true"},
		{in: slog.DurationValue(1500 * time.Millisecond), want: "1.5s"},
		{in: slog.Float64Value(0.25), want: "0.25"},
		{in: slog.Uint64Value(7), want: "7"},
	}
	for _, tc := range cases {
		if got := valueToString(tc.in); got != tc.want {
			t.Fatalf("valueToString(%v)=%q want=%q", tc.in, got, tc.want)
		}
	}
	if got := quoteIfNeeded(""); got != `""` {
		t.Fatalf("quoteIfNeeded(empty)=%q", got)
	}
}
