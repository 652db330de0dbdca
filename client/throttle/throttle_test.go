package throttle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewRoundTripper_Validation(t *testing.T) {
	testCases := []struct {
		name   string
		rps    int
		burst  int
		expErr error
	}{
		{
			name:   "Invalid RPS (zero)",
			rps:    0,
			burst:  10,
			expErr: ErrMustNotBeZero,
		},
		{
			name:   "Invalid RPS (negative)",
			rps:    -5,
			burst:  10,
			expErr: ErrMustNotBeZero,
		},
		{
			name:   "Invalid Burst (zero)",
			rps:    10,
			burst:  0,
			expErr: ErrMustNotBeZero,
		},
		{
			name:  "Valid input",
			rps:   10,
			burst: 20,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rt, err := NewRoundTripper(tc.rps, tc.burst, func() *slog.Logger { return nil }, http.DefaultTransport)

			if tc.expErr != nil {
				if !errors.Is(err, tc.expErr) {
					t.Errorf("exp err %v; got: %v", tc.expErr, err)
				}
				return
			}

			if err != nil {
				t.Errorf("exp nil err, got: %v", err)
			}
			if rt == nil {
				t.Error("exp non-nil RoundTripper")
			}
		})
	}
}

func TestRoundTripper_SlowsBeyondBurst(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	rt, err := NewRoundTripper(10, 2, func() *slog.Logger { return slog.New(slog.DiscardHandler) }, http.DefaultTransport)
	if err != nil {
		t.Fatalf("creating round tripper: %v", err)
	}
	c := &http.Client{Transport: rt}

	start := time.Now()
	for range 4 {
		req, err := http.NewRequestWithContext(t.Context(), http.MethodHead, ts.URL, http.NoBody)
		if err != nil {
			t.Fatalf("creating request: %v", err)
		}
		resp, err := c.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
	}

	// Two requests ride the burst, the remaining two wait ~100ms each.
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("expected throttling to slow requests, took %v", elapsed)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("expected 4 server calls, got %d", got)
	}
}

func TestRoundTripper_ContextEndsWhileWaiting(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	rt, err := NewRoundTripper(1, 1, func() *slog.Logger { return nil }, http.DefaultTransport)
	if err != nil {
		t.Fatalf("creating round tripper: %v", err)
	}
	c := &http.Client{Transport: rt}

	// Drain the only token.
	req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, ts.URL, http.NoBody)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	req, _ = http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, http.NoBody)
	_, err = c.Do(req)
	if !errors.Is(err, ErrContextEnded) {
		t.Errorf("expected ErrContextEnded, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestRoundTripper_PreCancelled(t *testing.T) {
	rt, err := NewRoundTripper(10, 10, func() *slog.Logger { return nil }, http.DefaultTransport)
	if err != nil {
		t.Fatalf("creating round tripper: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1:0", http.NoBody)
	if _, err := rt.RoundTrip(req); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestReader_PassesThroughWhenUnlimited(t *testing.T) {
	src := bytes.NewReader([]byte("raster"))
	if got := NewReader(t.Context(), src, 0); got != io.Reader(src) {
		t.Error("expected unlimited reader to be returned unchanged")
	}
}

func TestReader_LimitsThroughput(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 64<<10)

	r := NewReader(t.Context(), bytes.NewReader(payload), 128<<10)

	start := time.Now()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatal("throttled reader altered the payload")
	}

	// 32KiB burst is free; the remaining 32KiB at 128KiB/s takes ~250ms.
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("expected bandwidth limit to slow the read, took %v", elapsed)
	}
}

func TestReader_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	r := NewReader(ctx, bytes.NewReader(make([]byte, 1024)), 10)

	_, err := io.ReadAll(r)
	if !errors.Is(err, ErrWaitingFailed) {
		t.Errorf("expected ErrWaitingFailed, got %v", err)
	}
}
