package tier

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/tierhub/internal/cache"
	"github.com/any-hub/tierhub/internal/metrics"
)

const (
	// HeaderCacheHit 标记响应是否由被调用的 tier 本地命中。
	HeaderCacheHit = "X-Tier-Cache-Hit"
	// HeaderServedBy 记录真正持有该值的 tier 名称。
	HeaderServedBy = "X-Tier-Served-By"
)

// Upstream 是 tier 在 miss 时回源的对象，可以是另一个进程内 Tier，也可以是 HTTPUpstream。
type Upstream interface {
	Get(ctx context.Context, key string) (Result, error)
	Name() string
}

// Result 描述一次 Get 的结果。Hit 只反映被调用 tier 自身是否命中。
type Result struct {
	Value     []byte
	Hit       bool
	ServedBy  string
	FetchedAt time.Time
}

// Options 描述构建 Tier 所需的依赖。Upstream 为 nil 表示 origin tier。
type Options struct {
	Name     string
	Store    cache.Store
	Upstream Upstream
	// CacheTTL 应用于回源写入的条目，0 表示不过期。
	CacheTTL time.Duration
	// FetchTimeout 限制一次共享回源（含全部重试）的总时长，0 表示只受上游自身超时约束。
	FetchTimeout time.Duration
	// RequestLogSize 为 /-/log 保留的请求条数，0 使用 DefaultRequestLogSize。
	RequestLogSize int
	Logger         *logrus.Logger
	Metrics        *metrics.Tier
	Clock          clock.Clock
}

// Tier 是链上的一个缓存层：本地命中直接返回，miss 时合并并发请求后回源并写入本地。
type Tier struct {
	name         string
	store        cache.Store
	upstream     Upstream
	ttl          time.Duration
	fetchTimeout time.Duration
	logger       *logrus.Logger
	metrics      *metrics.Tier
	clock        clock.Clock

	group  singleflight.Group
	log    *RequestLog
	asleep atomic.Bool

	hits            atomic.Int64
	misses          atomic.Int64
	upstreamFetches atomic.Int64
	upstreamErrors  atomic.Int64
	coalesced       atomic.Int64
}

// Stats 汇总 tier 的运行计数，供 /-/stats 输出。
type Stats struct {
	Name            string      `json:"name"`
	Origin          bool        `json:"origin"`
	Upstream        string      `json:"upstream,omitempty"`
	Hits            int64       `json:"hits"`
	Misses          int64       `json:"misses"`
	UpstreamFetches int64       `json:"upstream_fetches"`
	UpstreamErrors  int64       `json:"upstream_errors"`
	Coalesced       int64       `json:"coalesced"`
	Asleep          bool        `json:"asleep"`
	Store           cache.Stats `json:"store"`
}

// New 校验依赖并构建 Tier。
func New(opts Options) (*Tier, error) {
	if opts.Name == "" {
		return nil, errors.New("tier name is required")
	}
	if opts.Store == nil {
		return nil, errors.New("tier store is required")
	}
	if opts.CacheTTL < 0 {
		return nil, fmt.Errorf("tier %s: cache ttl must not be negative", opts.Name)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Tier{
		name:         opts.Name,
		store:        opts.Store,
		upstream:     opts.Upstream,
		ttl:          opts.CacheTTL,
		fetchTimeout: opts.FetchTimeout,
		logger:       logger,
		metrics:      opts.Metrics,
		clock:        clk,
		log:          NewRequestLog(opts.RequestLogSize),
	}, nil
}

// Name 返回 tier 名称，同时满足 Upstream 接口。
func (t *Tier) Name() string {
	return t.name
}

// CacheTTL 返回回源写入与未指定 TTL 的 Put 使用的过期时间。
func (t *Tier) CacheTTL() time.Duration {
	return t.ttl
}

// FetchTimeout 返回一次共享回源的总时长上限，0 表示不限。
func (t *Tier) FetchTimeout() time.Duration {
	return t.fetchTimeout
}

// IsOrigin 表示该 tier 没有上游。
func (t *Tier) IsOrigin() bool {
	return t.upstream == nil
}

// Log 返回最近请求的环形日志。
func (t *Tier) Log() *RequestLog {
	return t.log
}

// Sleep 暂停 tier：之后的 Get 对下游表现为上游不可用，Put/Delete 被拒绝。
func (t *Tier) Sleep() {
	if !t.asleep.Swap(true) {
		t.logger.WithFields(logrus.Fields{"action": "tier_sleep", "unit": t.name}).Info("tier asleep")
	}
}

// Wake 恢复被 Sleep 暂停的 tier。
func (t *Tier) Wake() {
	if t.asleep.Swap(false) {
		t.logger.WithFields(logrus.Fields{"action": "tier_wake", "unit": t.name}).Info("tier awake")
	}
}

// Asleep 表示 tier 当前是否被暂停。
func (t *Tier) Asleep() bool {
	return t.asleep.Load()
}

// Reset 唤醒 tier，清空本地 store、计数与请求日志。
func (t *Tier) Reset(ctx context.Context) error {
	t.Wake()
	if err := t.store.Purge(ctx); err != nil {
		return err
	}
	t.hits.Store(0)
	t.misses.Store(0)
	t.upstreamFetches.Store(0)
	t.upstreamErrors.Store(0)
	t.coalesced.Store(0)
	t.log.Reset()
	t.logger.WithFields(logrus.Fields{"action": "tier_reset", "unit": t.name}).Info("tier reset")
	return nil
}

func (t *Tier) asleepErr() error {
	return fmt.Errorf("%w: %w: %s", ErrUpstreamUnavailable, ErrAsleep, t.name)
}

// Get 先查本地；miss 时若有上游则合并回源并写入本地，origin miss 返回 ErrNotFound。
// 调用方 ctx 结束只会让本次调用提前返回，不会取消其它等待者依赖的共享回源。
func (t *Tier) Get(ctx context.Context, key string) (Result, error) {
	if t.Asleep() {
		return Result{}, t.asleepErr()
	}
	entry, err := t.store.Get(ctx, key)
	switch {
	case err == nil:
		t.hits.Add(1)
		t.metrics.Hit()
		return Result{
			Value:     entry.Value,
			Hit:       true,
			ServedBy:  t.name,
			FetchedAt: entry.FetchedAt,
		}, nil
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	default:
		return Result{}, err
	}

	t.misses.Add(1)
	t.metrics.Miss()
	if t.upstream == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	// leader 只在本次调用执行回源时被置位，Shared 对 leader 同样为 true。
	leader := false
	ch := t.group.DoChan(key, func() (interface{}, error) {
		leader = true
		return t.fetch(ctx, key)
	})
	select {
	case res := <-ch:
		if res.Shared && !leader {
			t.coalesced.Add(1)
			t.metrics.Coalesced()
		}
		if res.Err != nil {
			return Result{}, res.Err
		}
		out := res.Val.(Result)
		out.Value = append([]byte(nil), out.Value...)
		return out, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// fetch 在脱离调用方取消信号的上下文中回源，成功后写入本地 store。
func (t *Tier) fetch(ctx context.Context, key string) (Result, error) {
	fetchCtx := context.WithoutCancel(ctx)
	if t.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(fetchCtx, t.fetchTimeout)
		defer cancel()
	}

	t.upstreamFetches.Add(1)
	t.metrics.UpstreamFetch()

	res, err := t.upstream.Get(fetchCtx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Result{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		t.upstreamErrors.Add(1)
		t.metrics.UpstreamError(errorKind(err))
		if !errors.Is(err, ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, t.upstream.Name(), err)
		}
		t.logger.WithFields(logrus.Fields{
			"action":   "upstream_fetch",
			"unit":     t.name,
			"upstream": t.upstream.Name(),
			"key":      key,
		}).Warn(err.Error())
		return Result{}, err
	}

	now := t.clock.Now()
	entry := cache.Entry{Key: key, Value: res.Value, FetchedAt: now, TTL: t.ttl}
	if _, err := t.store.Put(fetchCtx, entry); err != nil {
		t.logger.WithFields(logrus.Fields{
			"action": "populate",
			"unit":   t.name,
			"key":    key,
		}).Warn(err.Error())
	}

	return Result{
		Value:     res.Value,
		Hit:       false,
		ServedBy:  res.ServedBy,
		FetchedAt: now,
	}, nil
}

// Put 只写本地，不会向任何方向传播。
func (t *Tier) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("ttl must not be negative: %s", ttl)
	}
	if t.Asleep() {
		return t.asleepErr()
	}
	_, err := t.store.Put(ctx, cache.Entry{
		Key:       key,
		Value:     value,
		FetchedAt: t.clock.Now(),
		TTL:       ttl,
	})
	return err
}

// Delete 只删除本地条目。
func (t *Tier) Delete(ctx context.Context, key string) error {
	if t.Asleep() {
		return t.asleepErr()
	}
	return t.store.Remove(ctx, key)
}

// Stats 返回当前计数快照。
func (t *Tier) Stats() Stats {
	stats := Stats{
		Name:            t.name,
		Origin:          t.upstream == nil,
		Hits:            t.hits.Load(),
		Misses:          t.misses.Load(),
		UpstreamFetches: t.upstreamFetches.Load(),
		UpstreamErrors:  t.upstreamErrors.Load(),
		Coalesced:       t.coalesced.Load(),
		Asleep:          t.Asleep(),
		Store:           t.store.Stats(),
	}
	if t.upstream != nil {
		stats.Upstream = t.upstream.Name()
	}
	return stats
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "unavailable"
	default:
		return "transport"
	}
}
