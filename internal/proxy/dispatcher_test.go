package proxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avaproxy/internal/backend"
	"github.com/vyrodovalexey/avaproxy/internal/bufpool"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/streamcopy"
)

var errBoom = errors.New("boom")

type fetchFunc func(ctx context.Context, uri string, h http.Header) (*http.Response, error)

func (f fetchFunc) Fetch(ctx context.Context, uri string, h http.Header) (*http.Response, error) {
	return f(ctx, uri, h)
}

func okResponse(status int, body io.Reader) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/octet-stream"}},
		Body:       io.NopCloser(body),
	}
}

func newStrategy(t *testing.T, mode streamcopy.Mode) streamcopy.Strategy {
	t.Helper()
	pool, err := bufpool.New(bufpool.Config{ChunkSize: 1024, Budget: 64 * 1024})
	require.NoError(t, err)
	s, err := streamcopy.NewStrategy(mode, streamcopy.NewEngine(pool, streamcopy.WithMaxBuffersPerTransfer(8)))
	require.NoError(t, err)
	return s
}

func startDispatcher(t *testing.T, f Fetcher, mode streamcopy.Mode, opts ...Option) *Dispatcher {
	t.Helper()
	d := NewDispatcher(f, newStrategy(t, mode), opts...)
	d.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// gatedReader blocks until gate is closed, then reads from r.
type gatedReader struct {
	gate <-chan struct{}
	r    io.Reader
}

func (g gatedReader) Read(p []byte) (int, error) {
	<-g.gate
	return g.r.Read(p)
}

func TestDispatcher_ProxiesEveryMode(t *testing.T) {
	t.Parallel()

	for _, mode := range streamcopy.Modes {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()

			data := randomBytes(t, 50000)
			var gotURI string
			var gotHeader http.Header
			f := fetchFunc(func(_ context.Context, uri string, h http.Header) (*http.Response, error) {
				gotURI = uri
				gotHeader = h
				return okResponse(http.StatusOK, bytes.NewReader(data)), nil
			})
			d := startDispatcher(t, f, mode)

			req := httptest.NewRequest(http.MethodGet, "/movie?id=7", nil)
			req.RemoteAddr = "10.0.0.1:5555"
			rec := httptest.NewRecorder()
			d.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, data, rec.Body.Bytes())
			assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
			assert.Equal(t, "/movie?id=7", gotURI)
			assert.Equal(t, "10.0.0.1", gotHeader.Get("X-Forwarded-For"))
			assert.Equal(t, "http", gotHeader.Get("X-Forwarded-Proto"))
			assert.True(t, rec.Flushed)
		})
	}
}

func TestDispatcher_UpstreamStatus(t *testing.T) {
	t.Parallel()

	f := fetchFunc(func(context.Context, string, http.Header) (*http.Response, error) {
		return okResponse(http.StatusNotFound, strings.NewReader("missing")), nil
	})

	t.Run("always 200 by default", func(t *testing.T) {
		t.Parallel()

		d := startDispatcher(t, f, streamcopy.ModeDirect)
		rec := httptest.NewRecorder()
		d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "missing", rec.Body.String())
	})

	t.Run("pass upstream status", func(t *testing.T) {
		t.Parallel()

		d := startDispatcher(t, f, streamcopy.ModeDirect, WithPassUpstreamStatus(true))
		rec := httptest.NewRecorder()
		d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "missing", rec.Body.String())
	})
}

func TestDispatcher_BackendErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		status   int
		contains string
		reason   string
	}{
		{name: "unavailable", err: fmt.Errorf("dial: %w", backend.ErrUpstreamUnavailable), status: http.StatusBadGateway, contains: "bad gateway", reason: "unavailable"},
		{name: "circuit open", err: fmt.Errorf("fetch: %w", backend.ErrCircuitOpen), status: http.StatusServiceUnavailable, contains: "circuit breaker open", reason: "circuit_open"},
		{name: "timeout", err: fmt.Errorf("fetch: %w", backend.ErrUpstreamTimeout), status: http.StatusGatewayTimeout, contains: "gateway timeout", reason: "timeout"},
		{name: "unknown", err: errBoom, status: http.StatusBadGateway, contains: "bad gateway", reason: "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			metrics := observability.NewMetrics("test")
			f := fetchFunc(func(context.Context, string, http.Header) (*http.Response, error) {
				return nil, tt.err
			})
			d := startDispatcher(t, f, streamcopy.ModePipelined, WithMetrics(metrics))

			rec := httptest.NewRecorder()
			d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), tt.contains)

			count, err := testutil.GatherAndCount(metrics.Registry(), "test_backend_errors_total")
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestDispatcher_PanicIsolation(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	f := fetchFunc(func(context.Context, string, http.Header) (*http.Response, error) {
		if calls.Add(1) == 1 {
			panic("upstream exploded")
		}
		return okResponse(http.StatusOK, strings.NewReader("fine")), nil
	})
	d := startDispatcher(t, f, streamcopy.ModeBuffered, WithWorkers(1))

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/first", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// The single worker survived and serves the next request.
	rec = httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/second", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fine", rec.Body.String())

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Panics)
	assert.Equal(t, int64(2), stats.Served)
	assert.Equal(t, 1, stats.Workers)
}

func TestDispatcher_MidCopyFailureAbortsResponse(t *testing.T) {
	t.Parallel()

	f := fetchFunc(func(context.Context, string, http.Header) (*http.Response, error) {
		body := io.MultiReader(bytes.NewReader(make([]byte, 5000)), iotest.ErrReader(errBoom))
		return okResponse(http.StatusOK, body), nil
	})

	for _, mode := range streamcopy.Modes {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()

			d := startDispatcher(t, f, mode)
			srv := httptest.NewServer(d)
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/broken")
			if err == nil {
				_, err = io.ReadAll(resp.Body)
				_ = resp.Body.Close()
			}
			assert.Error(t, err, "a failed copy must not look like a complete response")
		})
	}
}

func TestDispatcher_ShutdownMidCopy(t *testing.T) {
	t.Parallel()

	first := randomBytes(t, 20000)
	second := randomBytes(t, 20000)
	gate := make(chan struct{})

	var fetches atomic.Int32
	f := fetchFunc(func(context.Context, string, http.Header) (*http.Response, error) {
		fetches.Add(1)
		body := io.MultiReader(bytes.NewReader(first), gatedReader{gate: gate, r: bytes.NewReader(second)})
		return okResponse(http.StatusOK, body), nil
	})

	d := NewDispatcher(f, newStrategy(t, streamcopy.ModePipelined), WithWorkers(2))
	d.Start()
	srv := httptest.NewServer(d)
	defer srv.Close()

	type result struct {
		body []byte
		err  error
	}
	results := make(chan result, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/long")
		if err != nil {
			results <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		results <- result{body: b, err: err}
	}()

	require.Eventually(t, func() bool { return d.Stats().Busy == 1 }, 5*time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() {
		stopped <- d.Stop(context.Background())
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a copy was in progress")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, d.Stopped())

	// New requests are refused while the in-flight one completes.
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/late", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "shutting down")

	close(gate)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, append(append([]byte(nil), first...), second...), res.body)
	assert.Equal(t, int32(1), fetches.Load())
}

func TestDispatcher_StopTimeout(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	f := fetchFunc(func(context.Context, string, http.Header) (*http.Response, error) {
		return okResponse(http.StatusOK, gatedReader{gate: gate, r: strings.NewReader("x")}), nil
	})
	d := NewDispatcher(f, newStrategy(t, streamcopy.ModeDirect), WithWorkers(1))
	d.Start()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}()
	require.Eventually(t, func() bool { return d.Stats().Busy == 1 }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)

	close(gate)
	wg.Wait()
	require.NoError(t, d.Stop(context.Background()))
}

func TestDispatcher_ClientGoneBeforeAccept(t *testing.T) {
	t.Parallel()

	// No workers started: the job can never be taken.
	d := NewDispatcher(fetchFunc(func(context.Context, string, http.Header) (*http.Response, error) {
		t.Error("fetch must not be called")
		return nil, errBoom
	}), newStrategy(t, streamcopy.ModeDirect))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	assert.Empty(t, rec.Body.String())
}

func TestOutboundHeader(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/a", nil)
	req.RemoteAddr = "192.168.1.5:1234"
	req.Host = "proxy.local"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")

	ctx := observability.ContextWithRequestID(context.Background(), "req-1")
	h := outboundHeader(ctx, req)

	assert.Equal(t, "1.2.3.4, 192.168.1.5", h.Get("X-Forwarded-For"))
	assert.Equal(t, "proxy.local", h.Get("X-Forwarded-Host"))
	assert.Equal(t, "req-1", h.Get("X-Request-ID"))
	// The inbound header is untouched.
	assert.Equal(t, "1.2.3.4", req.Header.Get("X-Forwarded-For"))
}
