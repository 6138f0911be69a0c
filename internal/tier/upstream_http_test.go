package tier

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/tierhub/internal/cache"
)

func TestHTTPUpstreamGetSuccess(t *testing.T) {
	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.EscapedPath())
		w.Header().Set(HeaderCacheHit, "true")
		w.Header().Set(HeaderServedBy, "tier-5001")
		_, _ = w.Write([]byte("v1"))
	}))
	defer srv.Close()

	up := newTestHTTPUpstream(t, srv.URL, HTTPUpstreamOptions{})
	res, err := up.Get(context.Background(), "img/a b.png")
	require.NoError(t, err)
	require.Equal(t, "v1", string(res.Value))
	require.True(t, res.Hit)
	require.Equal(t, "tier-5001", res.ServedBy)
	require.Equal(t, "/cache/img/a%20b.png", gotPath.Load())
}

func TestHTTPUpstreamNotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	up := newTestHTTPUpstream(t, srv.URL, HTTPUpstreamOptions{Retries: 3})
	_, err := up.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.EqualValues(t, 1, hits.Load())
}

func TestHTTPUpstreamReportedUnavailableIsNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	up := newTestHTTPUpstream(t, srv.URL, HTTPUpstreamOptions{Retries: 3})
	_, err := up.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	require.EqualValues(t, 1, hits.Load())
}

func TestHTTPUpstreamRetriesTransientErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	up := newTestHTTPUpstream(t, srv.URL, HTTPUpstreamOptions{Retries: 3})
	res, err := up.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "recovered", string(res.Value))
	require.EqualValues(t, 3, hits.Load())
}

func TestHTTPUpstreamGivesUpAfterBoundedAttempts(t *testing.T) {
	addr := closedAddr(t)
	up := newTestHTTPUpstream(t, "http://"+addr, HTTPUpstreamOptions{Retries: 2})

	started := time.Now()
	_, err := up.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	require.Less(t, time.Since(started), 2*time.Second)
}

func TestHTTPUpstreamStopsAfterMaxTries(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	up := newTestHTTPUpstream(t, srv.URL, HTTPUpstreamOptions{Retries: 2})
	_, err := up.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	require.EqualValues(t, 3, hits.Load())
}

func TestHTTPUpstreamCancelStopsBackoff(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	up := newTestHTTPUpstream(t, srv.URL, HTTPUpstreamOptions{
		Retries:        5,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := up.Get(ctx, "k")
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	require.Less(t, time.Since(started), 900*time.Millisecond)
	require.EqualValues(t, 1, hits.Load())
}

func TestHTTPUpstreamAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	up := newTestHTTPUpstream(t, srv.URL, HTTPUpstreamOptions{AttemptTimeout: 50 * time.Millisecond})
	started := time.Now()
	_, err := up.Get(context.Background(), "slow")
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	require.Less(t, time.Since(started), time.Second)
}

func TestHTTPUpstreamBreakerOpens(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	up := newTestHTTPUpstream(t, srv.URL, HTTPUpstreamOptions{
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
	})
	for i := 0; i < 2; i++ {
		_, err := up.Get(context.Background(), "k")
		require.ErrorIs(t, err, ErrUpstreamUnavailable)
	}
	require.EqualValues(t, 2, hits.Load())

	_, err := up.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	require.EqualValues(t, 2, hits.Load(), "open breaker must short-circuit")
}

func TestHTTPUpstreamProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/-/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	up := newTestHTTPUpstream(t, srv.URL, HTTPUpstreamOptions{})
	require.NoError(t, up.Probe(context.Background()))

	down := newTestHTTPUpstream(t, "http://"+closedAddr(t), HTTPUpstreamOptions{})
	require.Error(t, down.Probe(context.Background()))
}

func TestNewHTTPUpstreamValidatesURL(t *testing.T) {
	_, err := NewHTTPUpstream("ftp://example.com", HTTPUpstreamOptions{})
	require.Error(t, err)
	_, err = NewHTTPUpstream("http://", HTTPUpstreamOptions{})
	require.Error(t, err)
	_, err = NewHTTPUpstream("http://127.0.0.1:5001", HTTPUpstreamOptions{Retries: -1})
	require.Error(t, err)
}

func TestHTTPUpstreamChainsBehindTier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderServedBy, "origin")
		_, _ = w.Write([]byte("remote"))
	}))
	defer srv.Close()

	up := newTestHTTPUpstream(t, srv.URL, HTTPUpstreamOptions{})
	head := newTestTier(t, "head", up, cache.Options{})

	res, err := head.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "remote", string(res.Value))
	require.Equal(t, "origin", res.ServedBy)

	res, err = head.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, res.Hit)
}

func newTestHTTPUpstream(t *testing.T, rawURL string, opts HTTPUpstreamOptions) *HTTPUpstream {
	t.Helper()
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = 5 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	up, err := NewHTTPUpstream(rawURL, opts)
	require.NoError(t, err)
	return up
}

// closedAddr 返回一个刚释放的本地端口，连接会被拒绝。
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to allocate port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestHTTPUpstreamForwardsRequestID(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get(HeaderRequestID))
		_, _ = w.Write([]byte("v"))
	}))
	defer srv.Close()

	up := newTestHTTPUpstream(t, srv.URL, HTTPUpstreamOptions{})
	ctx := WithRequestID(context.Background(), "req-42")
	_, err := up.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "req-42", got.Load())
	require.Equal(t, "req-42", RequestIDFromContext(ctx))
	require.Empty(t, RequestIDFromContext(context.Background()))
}
