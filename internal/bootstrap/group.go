package bootstrap

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/tierhub/internal/chain"
	"github.com/any-hub/tierhub/internal/config"
	"github.com/any-hub/tierhub/internal/supervisor"
)

// GroupOptions 控制 chain 模式的构建。
type GroupOptions struct {
	Logger *logrus.Logger
	Listen ListenFunc
}

// Group 是 chain 模式下的全部单元：按启动顺序排列的 tier，以及最后启动的 proxy。
type Group struct {
	Chain      *chain.Chain
	Tiers      []*TierUnit
	Proxy      *ProxyUnit
	Supervisor *supervisor.Supervisor

	listeners []net.Listener
}

// BuildGroup 校验拓扑、绑定全部监听地址并构建单元。每个 tier 的上游取上一个 tier
// 实际绑定的地址，proxy 指向最后一个 tier（head）。
func BuildGroup(cfg *config.Config, opts GroupOptions) (_ *Group, err error) {
	c, err := cfg.Chain()
	if err != nil {
		return nil, err
	}
	listen := opts.Listen
	if listen == nil {
		listen = DefaultListen
	}
	logger := loggerOrDefault(opts.Logger)

	group := &Group{Chain: c}
	defer func() {
		if err != nil {
			group.closeListeners()
		}
	}()

	specs := c.Tiers()
	for _, spec := range specs {
		ln, err := listen(spec.Addr)
		if err != nil {
			return nil, fmt.Errorf("bind tier %s on %s: %w", spec.ID, spec.Addr, err)
		}
		group.listeners = append(group.listeners, ln)
	}
	proxyLn, err := listen(cfg.ProxyAddr())
	if err != nil {
		return nil, fmt.Errorf("bind proxy on %s: %w", cfg.ProxyAddr(), err)
	}
	group.listeners = append(group.listeners, proxyLn)

	upstreamAddr := ""
	for i, spec := range specs {
		tc, ok := cfg.Lookup(spec.ID)
		if !ok {
			return nil, fmt.Errorf("tier %s missing from config", spec.ID)
		}
		unit, err := BuildTier(cfg, tc, upstreamAddr, UnitOptions{
			Logger:   logger,
			Listener: group.listeners[i],
			Chain:    c,
		})
		if err != nil {
			return nil, err
		}
		group.Tiers = append(group.Tiers, unit)
		upstreamAddr = unit.Addr()
	}

	group.Proxy, err = BuildProxy(cfg, upstreamAddr, UnitOptions{
		Logger:   logger,
		Listener: proxyLn,
		Chain:    c,
	})
	if err != nil {
		return nil, err
	}

	units := make([]supervisor.Unit, 0, len(group.Tiers)+1)
	for _, t := range group.Tiers {
		units = append(units, t)
	}
	units = append(units, group.Proxy)
	group.Supervisor, err = NewSupervisor(cfg, logger, units...)
	if err != nil {
		return nil, err
	}
	return group, nil
}

// Run 启动整个组并阻塞直到组停止。返回时全部监听器都已关闭，
// 包括 ctx 提前结束导致从未启动的单元。
func (g *Group) Run(ctx context.Context) error {
	defer g.closeListeners()
	return g.Supervisor.Run(ctx)
}

// Kill 终止一个单元，其余单元随之停止。
func (g *Group) Kill(name string) error {
	return g.Supervisor.Kill(name)
}

// Tier 根据名称返回 tier 单元。
func (g *Group) Tier(name string) (*TierUnit, bool) {
	for _, t := range g.Tiers {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

func (g *Group) closeListeners() {
	for _, ln := range g.listeners {
		_ = ln.Close()
	}
}
