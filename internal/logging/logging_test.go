package logging

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "loud": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info", "text")
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusUnprocessableEntity, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}
	for _, tt := range tests {
		buf.Reset()
		h := middleware.RequestID(RequestLogger(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if FromContext(r.Context()) == slog.Default() {
				t.Errorf("expected request scoped logger")
			}
			w.WriteHeader(tt.status)
		})))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v0/health?x=1", nil))
		out := buf.String()
		if !strings.Contains(out, "request completed") || !strings.Contains(out, "level="+tt.level) {
			t.Fatalf("status %d: unexpected log %q", tt.status, out)
		}
		if !strings.Contains(out, "path=/v0/health") || !strings.Contains(out, "request_id=") {
			t.Fatalf("missing attributes in %q", out)
		}
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "debug", "json").Debug("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"k":"v"`) {
		t.Fatalf("unexpected json output %q", buf.String())
	}
}
