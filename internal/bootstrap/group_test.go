package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/tierhub/internal/chain"
	"github.com/any-hub/tierhub/internal/config"
	"github.com/any-hub/tierhub/internal/logging"
	"github.com/any-hub/tierhub/internal/proxy"
	"github.com/any-hub/tierhub/internal/supervisor"
)

func TestReferenceChainPopulatesEveryTier(t *testing.T) {
	g := startGroup(t, referenceConfig(t))
	origin := g.Tiers[0]

	put(t, origin.Addr(), "a", "A")

	status, body, cacheHeader := get(t, g.Proxy.Addr(), "/a")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "A", body)
	require.Equal(t, "MISS", cacheHeader)

	for _, tu := range g.Tiers[1:] {
		require.EqualValues(t, 1, tu.Tier.Stats().Store.Entries, "tier %s should hold a", tu.Name())
	}
	require.EqualValues(t, 1, origin.Tier.Stats().Hits)
	head, ok := g.Tier("tier-5004")
	require.True(t, ok)
	require.Equal(t, head.Addr(), g.Proxy.Handler.Stats().Head)

	status, body, cacheHeader = get(t, g.Proxy.Addr(), "/a")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "A", body)
	require.Equal(t, "HIT", cacheHeader)
	require.EqualValues(t, 1, origin.Tier.Stats().Hits, "second read must not reach the origin")
}

func TestSleepingMiddleTierMakesProxyUnavailable(t *testing.T) {
	g := startGroup(t, referenceConfig(t))
	put(t, g.Tiers[0].Addr(), "a", "A")
	middle, ok := g.Tier("tier-5002")
	require.True(t, ok)

	admin(t, middle.Addr(), "/-/sleep")
	status, _, _ := get(t, g.Proxy.Addr(), "/a")
	require.Equal(t, http.StatusServiceUnavailable, status)
	for _, tu := range g.Tiers[1:] {
		require.Zero(t, tu.Tier.Stats().Store.Entries, "tier %s must not cache a failure", tu.Name())
	}

	admin(t, middle.Addr(), "/-/wake")
	status, body, _ := get(t, g.Proxy.Addr(), "/a")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "A", body)
}

func TestUnknownKeyIsNotFoundAndNotCached(t *testing.T) {
	g := startGroup(t, referenceConfig(t))

	status, _, _ := get(t, g.Proxy.Addr(), "/missing")
	require.Equal(t, http.StatusNotFound, status)
	for _, tu := range g.Tiers {
		require.Zero(t, tu.Tier.Stats().Store.Entries, "tier %s must not cache a miss", tu.Name())
	}
}

func TestConcurrentMissesReachOriginOnce(t *testing.T) {
	g := startGroup(t, referenceConfig(t))
	put(t, g.Tiers[0].Addr(), "hot", "value")

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, body, _ := get(t, g.Proxy.Addr(), "/hot")
			if status != http.StatusOK || body != "value" {
				errs <- fmt.Errorf("unexpected response %d %q", status, body)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, g.Tiers[0].Tier.Stats().Hits)
}

func TestKillingMiddleTierStopsGroup(t *testing.T) {
	assertKillStopsGroup(t, "tier-5002")
}

func TestKillingOriginStopsGroup(t *testing.T) {
	assertKillStopsGroup(t, "tier-5001")
}

func TestKillingProxyStopsGroup(t *testing.T) {
	assertKillStopsGroup(t, ProxyUnitName)
}

func assertKillStopsGroup(t *testing.T, victim string) {
	t.Helper()
	cfg := referenceConfig(t)
	g, err := BuildGroup(cfg, GroupOptions{Logger: discardLogger(), Listen: ephemeralListen})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()
	waitUnitReady(t, g.Proxy.Ready())

	addrs := []string{g.Proxy.Addr()}
	for _, tu := range g.Tiers {
		addrs = append(addrs, tu.Addr())
	}

	require.NoError(t, g.Kill(victim))
	select {
	case err := <-done:
		require.ErrorIs(t, err, supervisor.ErrUnitKilled)
		require.Contains(t, err.Error(), victim)
	case <-time.After(cfg.Global.GracePeriod.DurationValue() + 2*time.Second):
		t.Fatalf("group did not stop within the grace period after killing %s", victim)
	}

	for _, addr := range addrs {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			t.Fatalf("%s should no longer accept connections", addr)
		}
	}
}

func TestBuildGroupRejectsMisconfiguredChain(t *testing.T) {
	cfg := referenceConfig(t)
	cfg.Tiers[2].Upstream = ""

	_, err := BuildGroup(cfg, GroupOptions{Logger: discardLogger(), Listen: ephemeralListen})
	require.ErrorIs(t, err, chain.ErrMisconfiguredChain)
}

func TestBuildGroupReleasesListenersOnBindFailure(t *testing.T) {
	cfg := referenceConfig(t)
	var bound []net.Listener
	listen := func(addr string) (net.Listener, error) {
		if addr == "127.0.0.1:5003" {
			return nil, errors.New("address already in use")
		}
		ln, err := ephemeralListen(addr)
		if err == nil {
			bound = append(bound, ln)
		}
		return ln, err
	}

	_, err := BuildGroup(cfg, GroupOptions{Logger: discardLogger(), Listen: listen})
	require.ErrorContains(t, err, "tier-5003")
	require.Len(t, bound, 2)
	for _, ln := range bound {
		_, err := ln.Accept()
		require.Error(t, err, "listener %s should be closed", ln.Addr())
	}
}

func TestRunWithCancelledContextReleasesListeners(t *testing.T) {
	g, err := BuildGroup(referenceConfig(t), GroupOptions{Logger: discardLogger(), Listen: ephemeralListen})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, g.Run(ctx))

	require.Len(t, g.listeners, len(g.Tiers)+1)
	for _, ln := range g.listeners {
		_, err := ln.Accept()
		require.Error(t, err, "listener %s should be closed", ln.Addr())
	}
}

func TestProxyStatsEndpoint(t *testing.T) {
	g := startGroup(t, referenceConfig(t))
	put(t, g.Tiers[0].Addr(), "a", "A")
	get(t, g.Proxy.Addr(), "/a")
	get(t, g.Proxy.Addr(), "/nope")

	stats := g.Proxy.Handler.Stats()
	require.Equal(t, proxy.Stats{
		Unit:     ProxyUnitName,
		Head:     g.Tiers[len(g.Tiers)-1].Addr(),
		Requests: 2,
		Misses:   1,
		NotFound: 1,
	}, stats)
}

func referenceConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{
			LogLevel:         "info",
			Host:             "127.0.0.1",
			ProxyPort:        5000,
			CacheTTL:         config.Duration(time.Minute),
			MaxEntries:       100,
			MaxMemoryCache:   1 << 20,
			MaxRetries:       1,
			InitialBackoff:   config.Duration(5 * time.Millisecond),
			MaxBackoff:       config.Duration(20 * time.Millisecond),
			UpstreamTimeout:  config.Duration(2 * time.Second),
			ProxyRetries:     1,
			BreakerThreshold: 5,
			BreakerCooldown:  config.Duration(time.Second),
			GracePeriod:      config.Duration(2 * time.Second),
			ReadinessTimeout: config.Duration(500 * time.Millisecond),
		},
		Tiers: []config.TierConfig{
			{Name: "tier-5001", Port: 5001},
			{Name: "tier-5002", Port: 5002, Upstream: "5001"},
			{Name: "tier-5003", Port: 5003, Upstream: "5002"},
			{Name: "tier-5004", Port: 5004, Upstream: "5003"},
		},
	}
	config.ApplyDefaults(cfg)
	require.NoError(t, cfg.Validate())
	return cfg
}

func startGroup(t *testing.T, cfg *config.Config) *Group {
	t.Helper()
	g, err := BuildGroup(cfg, GroupOptions{Logger: discardLogger(), Listen: ephemeralListen})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Errorf("group did not stop")
		}
	})
	waitUnitReady(t, g.Proxy.Ready())
	return g
}

func ephemeralListen(string) (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

func waitUnitReady(t *testing.T, ready <-chan struct{}) {
	t.Helper()
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("unit never became ready")
	}
}

var testClient = &http.Client{Timeout: 5 * time.Second}

func put(t *testing.T, addr, key, value string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, "http://"+addr+"/cache/"+key, bytes.NewBufferString(value))
	require.NoError(t, err)
	resp, err := testClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func admin(t *testing.T, addr, path string) {
	t.Helper()
	resp, err := testClient.Post("http://"+addr+path, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func get(t *testing.T, addr, path string) (int, string, string) {
	resp, err := testClient.Get("http://" + addr + path)
	if err != nil {
		return 0, err.Error(), ""
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body), resp.Header.Get(proxy.HeaderCache)
}

func discardLogger() *logrus.Logger {
	return logging.Discard()
}
