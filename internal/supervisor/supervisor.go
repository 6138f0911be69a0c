// Package supervisor runs a fixed, ordered set of units as one fate-sharing
// group. Units start one at a time in the given order and the supervisor waits
// (best effort) for each to report ready before starting the next. The first
// unit to exit, for any reason, cancels the shared context; every other unit
// is then given a bounded grace period to stop. Nothing is restarted.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnitKilled 表示单元被 Kill 主动终止。
	ErrUnitKilled = errors.New("unit killed")
	// ErrUnitExited 表示单元在未收到停止信号时返回了 nil。
	ErrUnitExited = errors.New("unit exited unexpectedly")
	// ErrShutdownTimeout 表示宽限期结束时仍有单元未退出。
	ErrShutdownTimeout = errors.New("units did not stop within grace period")
	// ErrUnknownUnit 表示 Kill 的目标不存在或尚未启动。
	ErrUnknownUnit = errors.New("unknown unit")
	// ErrAlreadyRunning 表示 Run 被重复调用。
	ErrAlreadyRunning = errors.New("supervisor already running")
)

// Unit 是受监管的运行单元。Run 阻塞直到 ctx 结束或单元自身失败；
// Ready 在单元可以接收流量后关闭。
type Unit interface {
	Name() string
	Run(ctx context.Context) error
	Ready() <-chan struct{}
}

// Options 控制启动就绪等待与停止宽限期。
type Options struct {
	GracePeriod      time.Duration
	ReadinessTimeout time.Duration
	Logger           *logrus.Logger
}

// Supervisor 按顺序启动单元并让它们同生共死。
type Supervisor struct {
	units     []Unit
	grace     time.Duration
	readiness time.Duration
	logger    *logrus.Logger

	mu      sync.Mutex
	running bool
	cancels map[string]context.CancelCauseFunc
	alive   map[string]struct{}
}

// New 校验单元列表（非空、名称唯一）并构建 Supervisor。
func New(opts Options, units ...Unit) (*Supervisor, error) {
	if len(units) == 0 {
		return nil, errors.New("at least one unit is required")
	}
	seen := make(map[string]struct{}, len(units))
	for _, u := range units {
		if u == nil {
			return nil, errors.New("unit must not be nil")
		}
		if u.Name() == "" {
			return nil, errors.New("unit name is required")
		}
		if _, dup := seen[u.Name()]; dup {
			return nil, fmt.Errorf("duplicate unit %s", u.Name())
		}
		seen[u.Name()] = struct{}{}
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	readiness := opts.ReadinessTimeout
	if readiness <= 0 {
		readiness = 3 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Supervisor{
		units:     append([]Unit(nil), units...),
		grace:     grace,
		readiness: readiness,
		logger:    logger,
		cancels:   make(map[string]context.CancelCauseFunc, len(units)),
		alive:     make(map[string]struct{}, len(units)),
	}, nil
}

// Run 顺序启动所有单元并阻塞，直到任一单元退出或 ctx 结束；随后广播停止并在宽限期内等待。
// 父 ctx 取消且所有单元正常退出时返回 nil，否则返回第一个导致停机的错误。
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	g, groupCtx := errgroup.WithContext(ctx)

	for _, u := range s.units {
		if groupCtx.Err() != nil {
			break
		}
		s.start(g, groupCtx, u)
		s.awaitReady(groupCtx, u)
	}

	<-groupCtx.Done()
	s.logger.WithFields(logrus.Fields{
		"action": "group_stop",
		"cause":  context.Cause(groupCtx).Error(),
	}).Info("group_stopping")

	waitErr := make(chan error, 1)
	go func() { waitErr <- g.Wait() }()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case err := <-waitErr:
		s.logger.WithFields(logrus.Fields{"action": "group_stop"}).Info("group_stopped")
		return err
	case <-timer.C:
		stuck := s.aliveUnits()
		s.logger.WithFields(logrus.Fields{
			"action": "group_stop",
			"units":  stuck,
			"grace":  s.grace.String(),
		}).Error(ErrShutdownTimeout.Error())
		return fmt.Errorf("%w: %v", ErrShutdownTimeout, stuck)
	}
}

// Kill 模拟单个单元崩溃：只停止该单元，其它单元随后由 Run 广播停止。
func (s *Supervisor) Kill(name string) error {
	s.mu.Lock()
	cancel, ok := s.cancels[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, name)
	}
	s.logger.WithFields(logrus.Fields{"action": "unit_kill", "unit": name}).Warn("unit_killed")
	cancel(ErrUnitKilled)
	return nil
}

// Units 按启动顺序返回单元名称。
func (s *Supervisor) Units() []string {
	names := make([]string, len(s.units))
	for i, u := range s.units {
		names[i] = u.Name()
	}
	return names
}

func (s *Supervisor) start(g *errgroup.Group, groupCtx context.Context, u Unit) {
	name := u.Name()
	unitCtx, cancel := context.WithCancelCause(groupCtx)

	s.mu.Lock()
	s.cancels[name] = cancel
	s.alive[name] = struct{}{}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"action": "unit_start", "unit": name}).Info("unit_starting")

	g.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.alive, name)
			s.mu.Unlock()
			cancel(nil)
		}()

		err := u.Run(unitCtx)
		killed := errors.Is(context.Cause(unitCtx), ErrUnitKilled)
		switch {
		case killed:
			err = fmt.Errorf("%w: %s", ErrUnitKilled, name)
		case groupCtx.Err() == nil && (err == nil || errors.Is(err, context.Canceled)):
			err = fmt.Errorf("%w: %s", ErrUnitExited, name)
		case groupCtx.Err() != nil && errors.Is(err, context.Canceled):
			err = nil
		}

		fields := logrus.Fields{"action": "unit_exit", "unit": name}
		if err != nil {
			s.logger.WithFields(fields).Warn(err.Error())
		} else {
			s.logger.WithFields(fields).Info("unit_stopped")
		}
		return err
	})
}

// awaitReady 等待单元就绪；超时只记录告警并继续启动后续单元。
func (s *Supervisor) awaitReady(ctx context.Context, u Unit) {
	timer := time.NewTimer(s.readiness)
	defer timer.Stop()
	fields := logrus.Fields{"action": "unit_ready", "unit": u.Name()}
	select {
	case <-u.Ready():
		s.logger.WithFields(fields).Info("unit_ready")
	case <-timer.C:
		s.logger.WithFields(fields).Warnf("unit not ready after %s, continuing", s.readiness)
	case <-ctx.Done():
	}
}

func (s *Supervisor) aliveUnits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.alive))
	for name := range s.alive {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
