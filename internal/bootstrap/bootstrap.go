// Package bootstrap turns a loaded config into runnable units: one HTTPUnit per
// tier, the reverse proxy, and the supervisor that runs them as a single
// fate-sharing group. Every listener is bound before any unit starts, so port
// conflicts surface as construction errors instead of a half-started chain.
package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tierhub/internal/cache"
	"github.com/any-hub/tierhub/internal/chain"
	"github.com/any-hub/tierhub/internal/config"
	"github.com/any-hub/tierhub/internal/logging"
	"github.com/any-hub/tierhub/internal/metrics"
	"github.com/any-hub/tierhub/internal/proxy"
	"github.com/any-hub/tierhub/internal/server"
	"github.com/any-hub/tierhub/internal/server/routes"
	"github.com/any-hub/tierhub/internal/supervisor"
	"github.com/any-hub/tierhub/internal/tier"
)

// ProxyUnitName 是反向代理在 supervisor 中的名称。
const ProxyUnitName = "proxy"

// ListenFunc 绑定监听地址；测试可替换为随机端口。
type ListenFunc func(addr string) (net.Listener, error)

// DefaultListen 使用 TCP 绑定给定地址。
func DefaultListen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// UnitOptions 是构建单个 tier / proxy 单元时的公共依赖。
type UnitOptions struct {
	Logger   *logrus.Logger
	Listener net.Listener
	// Chain 非空时通过 /-/chain 暴露拓扑。
	Chain *chain.Chain
}

// TierUnit 组合一个 tier 与承载它的 HTTP 单元。
type TierUnit struct {
	*server.HTTPUnit
	Tier     *tier.Tier
	Registry *prometheus.Registry
}

// ProxyUnit 组合反向代理 handler 与承载它的 HTTP 单元。
type ProxyUnit struct {
	*server.HTTPUnit
	Handler  *proxy.Handler
	Registry *prometheus.Registry
}

// BuildTier 构建一个 tier 单元。upstreamAddr 为空表示 origin。
func BuildTier(cfg *config.Config, tc config.TierConfig, upstreamAddr string, opts UnitOptions) (*TierUnit, error) {
	if opts.Listener == nil {
		return nil, errors.New("listener is required")
	}
	logger := loggerOrDefault(opts.Logger)
	g := cfg.Global

	store, err := cache.NewMemoryStore(cache.Options{
		MaxEntries: cfg.EffectiveMaxEntries(tc),
		MaxBytes:   cfg.EffectiveMaxMemory(tc),
	})
	if err != nil {
		return nil, fmt.Errorf("tier %s store: %w", tc.Name, err)
	}

	var (
		upstream     tier.Upstream
		probe        server.ProbeFunc
		fetchTimeout time.Duration
	)
	if upstreamAddr != "" {
		hu, err := tier.NewHTTPUpstream("http://"+upstreamAddr, tier.HTTPUpstreamOptions{
			Client:           server.NewUpstreamClient(g.UpstreamTimeout.DurationValue()),
			Retries:          g.MaxRetries,
			InitialBackoff:   g.InitialBackoff.DurationValue(),
			MaxBackoff:       g.MaxBackoff.DurationValue(),
			AttemptTimeout:   g.UpstreamTimeout.DurationValue(),
			BreakerThreshold: g.BreakerThreshold,
			BreakerCooldown:  g.BreakerCooldown.DurationValue(),
			Logger:           logger,
		})
		if err != nil {
			return nil, fmt.Errorf("tier %s upstream: %w", tc.Name, err)
		}
		upstream = hu
		probe = hu.Probe
		fetchTimeout = g.FetchBudget()
	}

	reg := metrics.NewRegistry()
	tr, err := tier.New(tier.Options{
		Name:           tc.Name,
		Store:          store,
		Upstream:       upstream,
		CacheTTL:       cfg.EffectiveCacheTTL(tc),
		FetchTimeout:   fetchTimeout,
		RequestLogSize: g.RequestLogSize,
		Logger:         logger,
		Metrics:        metrics.NewTier(reg, tc.Name, storeGauges(store)),
	})
	if err != nil {
		return nil, err
	}

	scope := server.NewRequestScope(0)
	app, err := server.NewApp(server.AppOptions{Logger: logger, Unit: tc.Name, Scope: scope})
	if err != nil {
		return nil, err
	}
	server.RegisterTierRoutes(app, tr, logger)
	routes.RegisterDiagnostics(app, routes.Diagnostics{
		Unit:     tc.Name,
		Role:     "tier",
		Tier:     tr,
		Chain:    opts.Chain,
		Gatherer: reg,
	})

	unit, err := newHTTPUnit(cfg, tc.Name, app, scope, probe, opts.Listener, logger)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logging.UnitFields(tc.Name, unit.Addr(), upstreamAddr)).
		WithField("action", "build_tier").
		Debug("tier_built")
	return &TierUnit{HTTPUnit: unit, Tier: tr, Registry: reg}, nil
}

// BuildProxy 构建指向 headAddr 的反向代理单元。
func BuildProxy(cfg *config.Config, headAddr string, opts UnitOptions) (*ProxyUnit, error) {
	if opts.Listener == nil {
		return nil, errors.New("listener is required")
	}
	if headAddr == "" {
		return nil, errors.New("head tier address is required")
	}
	logger := loggerOrDefault(opts.Logger)
	g := cfg.Global

	head, err := tier.NewHTTPUpstream("http://"+headAddr, tier.HTTPUpstreamOptions{
		Client:         server.NewUpstreamClient(g.UpstreamTimeout.DurationValue()),
		Retries:        g.ProxyRetries,
		InitialBackoff: g.InitialBackoff.DurationValue(),
		MaxBackoff:     g.MaxBackoff.DurationValue(),
		AttemptTimeout: g.UpstreamTimeout.DurationValue(),
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("proxy head: %w", err)
	}

	reg := metrics.NewRegistry()
	handler, err := proxy.NewHandler(proxy.Options{
		Unit:    ProxyUnitName,
		Head:    head,
		Logger:  logger,
		Metrics: metrics.NewProxy(reg, ProxyUnitName),
	})
	if err != nil {
		return nil, err
	}

	scope := server.NewRequestScope(0)
	app, err := server.NewApp(server.AppOptions{Logger: logger, Unit: ProxyUnitName, Scope: scope})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnostics(app, routes.Diagnostics{
		Unit:     ProxyUnitName,
		Role:     "proxy",
		Chain:    opts.Chain,
		Gatherer: reg,
		Stats:    func() any { return handler.Stats() },
	})
	proxy.Register(app, handler)

	unit, err := newHTTPUnit(cfg, ProxyUnitName, app, scope, head.Probe, opts.Listener, logger)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logging.UnitFields(ProxyUnitName, unit.Addr(), headAddr)).
		WithField("action", "build_proxy").
		Debug("proxy_built")
	return &ProxyUnit{HTTPUnit: unit, Handler: handler, Registry: reg}, nil
}

// NewSupervisor 以配置中的宽限期与就绪超时构建 supervisor。
func NewSupervisor(cfg *config.Config, logger *logrus.Logger, units ...supervisor.Unit) (*supervisor.Supervisor, error) {
	readiness := cfg.Global.ReadinessTimeout.DurationValue()
	return supervisor.New(supervisor.Options{
		GracePeriod: cfg.Global.GracePeriod.DurationValue(),
		// 单元自身的上游探测最多耗时 readiness，supervisor 需要留出余量。
		ReadinessTimeout: 2 * readiness,
		Logger:           loggerOrDefault(logger),
	}, units...)
}

func newHTTPUnit(cfg *config.Config, name string, app *fiber.App, scope *server.RequestScope, probe server.ProbeFunc, ln net.Listener, logger *logrus.Logger) (*server.HTTPUnit, error) {
	return server.NewHTTPUnit(server.UnitOptions{
		Name:             name,
		App:              app,
		Listener:         ln,
		GracePeriod:      cfg.Global.GracePeriod.DurationValue(),
		Probe:            probe,
		ReadinessTimeout: cfg.Global.ReadinessTimeout.DurationValue(),
		Scope:            scope,
		Logger:           logger,
	})
}

func storeGauges(store cache.Store) metrics.TierGauges {
	return metrics.TierGauges{
		Entries:   func() float64 { return float64(store.Stats().Entries) },
		Bytes:     func() float64 { return float64(store.Stats().Bytes) },
		Evictions: func() float64 { return float64(store.Stats().Evictions) },
	}
}

func loggerOrDefault(logger *logrus.Logger) *logrus.Logger {
	if logger == nil {
		return logrus.StandardLogger()
	}
	return logger
}
