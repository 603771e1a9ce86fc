package logging

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func addRecord(r *Ring, level slog.Level, msg string) {
	r.add(Record{Time: time.Now(), Level: level.String(), Message: msg, level: level})
}

func TestRingWrapsAndOrdersNewestFirst(t *testing.T) {
	r := NewRing(3)
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		addRecord(r, slog.LevelInfo, m)
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
	recs := r.Recent(0, slog.LevelDebug)
	var got []string
	for _, rec := range recs {
		got = append(got, rec.Message)
	}
	if strings.Join(got, "") != "edc" {
		t.Errorf("order = %v, want [e d c]", got)
	}
}

func TestRingLimitAndLevel(t *testing.T) {
	r := NewRing(10)
	addRecord(r, slog.LevelDebug, "d")
	addRecord(r, slog.LevelWarn, "w1")
	addRecord(r, slog.LevelInfo, "i")
	addRecord(r, slog.LevelError, "e")
	addRecord(r, slog.LevelWarn, "w2")

	recs := r.Recent(2, slog.LevelWarn)
	if len(recs) != 2 || recs[0].Message != "w2" || recs[1].Message != "e" {
		t.Errorf("Recent(2, warn) = %+v", recs)
	}
}

func TestRingMinimumCapacity(t *testing.T) {
	r := NewRing(0)
	addRecord(r, slog.LevelInfo, "x")
	addRecord(r, slog.LevelInfo, "y")
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestTeeHandlerGroups(t *testing.T) {
	r := NewRing(5)
	inner := slog.NewTextHandler(&strings.Builder{}, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(&teeHandler{inner: inner, ring: r}).WithGroup("chat")
	logger.InfoContext(context.Background(), "published", "room", "r1")

	recs := r.Recent(1, slog.LevelDebug)
	if len(recs) != 1 || recs[0].Attrs["chat.room"] != "r1" {
		t.Errorf("records = %+v", recs)
	}
}

func TestRingServeHTTP(t *testing.T) {
	r := NewRing(5)
	addRecord(r, slog.LevelInfo, "hello")
	addRecord(r, slog.LevelError, "boom")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/logs?level=error", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Records []Record `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Records) != 1 || body.Records[0].Message != "boom" {
		t.Errorf("records = %+v", body.Records)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/logs?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}
