package report

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDuration_RoundsToNearest(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		elapsed time.Duration
		want    int
	}{
		{2500 * time.Millisecond, 3},
		{2499 * time.Millisecond, 2},
		{0, 0},
		{499 * time.Millisecond, 0},
		{500 * time.Millisecond, 1},
		{61 * time.Second, 61},
	}
	for _, tc := range cases {
		if got := Duration(start, start.Add(tc.elapsed)); got != tc.want {
			t.Errorf("Duration(%v): expected %d, got %d", tc.elapsed, tc.want, got)
		}
	}
}

func TestDuration_NeverNegative(t *testing.T) {
	start := time.Now()
	if got := Duration(start, start.Add(-5*time.Second)); got != 0 {
		t.Errorf("Expected 0 for ended-before-started, got %d", got)
	}
}

func TestDuration_ZeroTimestamps(t *testing.T) {
	if got := Duration(time.Time{}, time.Now()); got != 0 {
		t.Errorf("Expected 0 for zero startedAt, got %d", got)
	}
	if got := Duration(time.Now(), time.Time{}); got != 0 {
		t.Errorf("Expected 0 for zero endedAt, got %d", got)
	}
}

func TestEmit_SkippedWhenUnconfigured(t *testing.T) {
	cases := []struct {
		name   string
		url    string
		secret string
	}{
		{"no url", "", "secret"},
		{"no secret", "https://collector.example.com", ""},
		{"neither", "", ""},
	}
	for _, tc := range cases {
		e := NewEmitter(tc.url, tc.secret, time.Second)
		result := e.Emit(context.Background(), &CallReport{SessionID: "s1"})
		if result.Status != DeliverySkipped {
			t.Errorf("%s: expected skipped, got %s", tc.name, result.Status)
		}
		if result.Err != nil {
			t.Errorf("%s: skipped delivery must not carry an error, got %v", tc.name, result.Err)
		}
	}
}

func TestEmit_DeliversReport(t *testing.T) {
	var gotSecret string
	var gotReport CallReport

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get(SecretHeader)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotReport)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"accepted":true}`))
	}))
	defer srv.Close()

	e := NewEmitter(srv.URL, "shared-secret", time.Second)
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(2500 * time.Millisecond)
	result := e.Emit(context.Background(), &CallReport{
		SessionID:       "s1",
		CallID:          "CA1",
		StartedAt:       started,
		EndedAt:         ended,
		DurationSeconds: Duration(started, ended),
		Transcript:      "caller: hi",
		Reason:          ReasonStop,
	})

	if result.Status != DeliverySucceeded {
		t.Fatalf("Expected delivered, got %s (err=%v)", result.Status, result.Err)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", result.StatusCode)
	}
	if gotSecret != "shared-secret" {
		t.Errorf("Expected shared secret header, got '%s'", gotSecret)
	}
	if gotReport.CallID != "CA1" {
		t.Errorf("Expected call id in body, got '%s'", gotReport.CallID)
	}
	if gotReport.DurationSeconds != 3 {
		t.Errorf("Expected duration 3, got %d", gotReport.DurationSeconds)
	}
	if gotReport.Reason != ReasonStop {
		t.Errorf("Expected reason '%s', got '%s'", ReasonStop, gotReport.Reason)
	}
}

func TestEmit_FailureIsAResultNotAPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := NewEmitter(srv.URL, "secret", time.Second)
	result := e.Emit(context.Background(), &CallReport{SessionID: "s1"})

	if result.Status != DeliveryFailed {
		t.Errorf("Expected failed, got %s", result.Status)
	}
	if result.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", result.StatusCode)
	}
	if result.Err == nil {
		t.Error("Expected error detail on failed delivery")
	}
}

func TestEmit_UnreachableCollector(t *testing.T) {
	e := NewEmitter("http://127.0.0.1:1/reports", "secret", 200*time.Millisecond)
	result := e.Emit(context.Background(), &CallReport{SessionID: "s1"})

	if result.Status != DeliveryFailed {
		t.Errorf("Expected failed, got %s", result.Status)
	}
	if result.Err == nil {
		t.Error("Expected transport error on unreachable collector")
	}
}
