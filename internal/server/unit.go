package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

// ErrServerStopped 表示 Fiber 服务在没有收到停止信号时自行退出。
var ErrServerStopped = errors.New("server stopped unexpectedly")

// ProbeFunc 在开始接收流量前检查上游是否可达。
type ProbeFunc func(ctx context.Context) error

// UnitOptions 描述如何把一个 Fiber app 托管为受监管的运行单元。
type UnitOptions struct {
	Name     string
	App      *fiber.App
	Listener net.Listener
	// GracePeriod 为收到停止信号后等待在途请求完成的上限。
	GracePeriod time.Duration
	// Probe 为空表示无需等待上游（origin 或外部 proxy）。
	Probe            ProbeFunc
	ReadinessTimeout time.Duration
	ProbeInterval    time.Duration
	// Scope 与 App 共用；单元停止时取消在途请求。
	Scope  *RequestScope
	Logger *logrus.Logger
}

// HTTPUnit 在预先绑定的监听器上运行 Fiber app，ctx 结束时在宽限期内优雅关闭。
type HTTPUnit struct {
	name             string
	app              *fiber.App
	listener         net.Listener
	grace            time.Duration
	probe            ProbeFunc
	readinessTimeout time.Duration
	probeInterval    time.Duration
	scope            *RequestScope
	logger           *logrus.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// NewHTTPUnit 校验参数并构建单元。
func NewHTTPUnit(opts UnitOptions) (*HTTPUnit, error) {
	if opts.Name == "" {
		return nil, errors.New("unit name is required")
	}
	if opts.App == nil {
		return nil, errors.New("fiber app is required")
	}
	if opts.Listener == nil {
		return nil, errors.New("listener is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	readiness := opts.ReadinessTimeout
	if readiness <= 0 {
		readiness = 3 * time.Second
	}
	interval := opts.ProbeInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &HTTPUnit{
		name:             opts.Name,
		app:              opts.App,
		listener:         opts.Listener,
		grace:            grace,
		probe:            opts.Probe,
		readinessTimeout: readiness,
		probeInterval:    interval,
		scope:            opts.Scope,
		logger:           logger,
		ready:            make(chan struct{}),
	}, nil
}

// Name 返回单元名称。
func (u *HTTPUnit) Name() string {
	return u.name
}

// Addr 返回监听地址。
func (u *HTTPUnit) Addr() string {
	return u.listener.Addr().String()
}

// Ready 在上游探测结束且开始服务后关闭。
func (u *HTTPUnit) Ready() <-chan struct{} {
	return u.ready
}

// Run 阻塞直到 ctx 结束（返回 nil）或服务自行退出（返回错误）。
func (u *HTTPUnit) Run(ctx context.Context) error {
	fields := logrus.Fields{"action": "unit_run", "unit": u.name, "addr": u.Addr()}

	if u.probe != nil {
		if err := u.waitForUpstream(ctx); err != nil {
			if ctx.Err() != nil {
				_ = u.listener.Close()
				return nil
			}
			u.logger.WithFields(fields).Warnf("upstream_not_ready: %v", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- u.app.Listener(u.listener, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	// 监听套接字已绑定，Serve 开始前到达的连接会在 backlog 中排队。
	u.markReady()
	u.logger.WithFields(fields).Info("unit_started")

	select {
	case err := <-errCh:
		if err == nil {
			err = ErrServerStopped
		}
		u.logger.WithFields(fields).Error(err.Error())
		return fmt.Errorf("unit %s: %w", u.name, err)
	case <-ctx.Done():
	}

	// 先取消在途请求，等待上游的 handler 立即返回，宽限期只用于写完响应。
	u.scope.Cancel()
	if err := u.app.ShutdownWithTimeout(u.grace); err != nil {
		u.logger.WithFields(fields).Warnf("shutdown: %v", err)
	}
	// Serve 可能尚未开始时就收到停止信号，关闭监听器保证 Listener 返回。
	_ = u.listener.Close()
	select {
	case <-errCh:
	case <-time.After(u.grace):
	}
	u.logger.WithFields(fields).Info("unit_stopped")
	return nil
}

// waitForUpstream 按 probeInterval 轮询上游，直到成功、超时或 ctx 结束。
func (u *HTTPUnit) waitForUpstream(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, u.readinessTimeout)
	defer cancel()

	ticker := time.NewTicker(u.probeInterval)
	defer ticker.Stop()
	for {
		err := u.probe(probeCtx)
		if err == nil {
			return nil
		}
		select {
		case <-probeCtx.Done():
			return fmt.Errorf("%w: %v", probeCtx.Err(), err)
		case <-ticker.C:
		}
	}
}

func (u *HTTPUnit) markReady() {
	u.readyOnce.Do(func() { close(u.ready) })
}
