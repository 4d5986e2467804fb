package httpretry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoSuccessNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rc := New(srv.Client(), 3)
	rc.baseDelay = time.Millisecond

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := rc.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestDoRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rc := New(srv.Client(), 5)
	rc.baseDelay = time.Millisecond
	rc.maxDelay = 5 * time.Millisecond

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := rc.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d after retries", resp.StatusCode)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	rc := New(srv.Client(), 5)
	rc.baseDelay = time.Millisecond

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := rc.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (4xx must not retry)", calls.Load())
	}
}

func TestDoReturnsFinalAttemptResponse(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rc := New(srv.Client(), 3)
	rc.baseDelay = time.Millisecond
	rc.maxDelay = 5 * time.Millisecond

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := rc.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want final 502 returned to caller", resp.StatusCode)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

type failingDoer struct {
	calls int
	err   error
}

func (f *failingDoer) Do(req *http.Request) (*http.Response, error) {
	f.calls++
	return nil, f.err
}

func TestDoRetriesNetworkErrors(t *testing.T) {
	doer := &failingDoer{err: errors.New("connection reset by peer")}
	rc := New(doer, 3)
	rc.baseDelay = time.Millisecond
	rc.maxDelay = 5 * time.Millisecond

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	_, err := rc.Do(req)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if doer.calls != 3 {
		t.Errorf("calls = %d, want 3", doer.calls)
	}
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	doer := &failingDoer{err: errors.New("connection refused")}
	rc := New(doer, 5)
	rc.baseDelay = 50 * time.Millisecond
	rc.maxDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.invalid/", nil)

	cancel()
	_, err := rc.Do(req)
	if err == nil {
		t.Fatal("expected error with cancelled context")
	}
	if doer.calls > 1 {
		t.Errorf("calls = %d, want at most 1 after cancel", doer.calls)
	}
}

func TestNewDefaults(t *testing.T) {
	rc := New(nil, 0)
	if rc.maxAttempts != 5 {
		t.Errorf("maxAttempts = %d, want 5", rc.maxAttempts)
	}
	if rc.client == nil {
		t.Error("nil client should get a default")
	}
}
