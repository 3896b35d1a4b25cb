package web

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestLogEvictsOldest(t *testing.T) {
	rl := NewRequestLog(3)
	for _, p := range []string{"/a", "/b", "/c", "/d"} {
		rl.Add(RequestLogEntry{Path: p})
	}

	entries := rl.Entries()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Path != "/b" || entries[2].Path != "/d" {
		t.Errorf("entries = %v", entries)
	}

	entries[0].Path = "/mutated"
	if rl.Entries()[0].Path != "/b" {
		t.Error("Entries must return a copy")
	}

	rl.Clear()
	if len(rl.Entries()) != 0 {
		t.Error("Clear left entries behind")
	}
}

func TestLogRequestsRecordsStatus(t *testing.T) {
	rl := NewRequestLog(10)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := logRequests(rl, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/steps/1", nil)
	req.Header.Set("X-Distinct-Id", "user_abc")
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := rl.Entries()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.StatusCode != http.StatusTeapot || e.Method != http.MethodGet || e.Path != "/steps/1" {
		t.Errorf("entry = %+v", e)
	}
	if e.DistinctID != "user_abc" {
		t.Errorf("distinct id = %q", e.DistinctID)
	}
}

func TestStatusRecorderFlushes(t *testing.T) {
	w := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	sr.Flush()
	if !w.Flushed {
		t.Error("Flush not forwarded")
	}
}
