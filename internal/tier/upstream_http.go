package tier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
)

// HTTPUpstreamOptions 控制回源客户端的超时、重试与熔断行为。
type HTTPUpstreamOptions struct {
	Client *http.Client
	// Retries 为首次失败后的额外尝试次数。
	Retries        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// AttemptTimeout 限制单次请求，0 表示只依赖 Client.Timeout 与 ctx。
	AttemptTimeout time.Duration
	// BreakerThreshold 为连续失败多少次后熔断，0 表示关闭熔断。
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Logger           *logrus.Logger
}

// HTTPUpstream 通过 tier 协议访问上一个启动的 tier。只有链路层面的瞬时错误会被重试，
// 上游明确给出的 not found / unavailable 直接返回，避免沿链路逐级放大重试次数。
type HTTPUpstream struct {
	base           *url.URL
	name           string
	client         *http.Client
	retries        int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	attemptTimeout time.Duration
	breaker        *gobreaker.CircuitBreaker
	logger         *logrus.Logger
}

// NewHTTPUpstream 解析上游地址（http/https + host）并构建客户端。
func NewHTTPUpstream(rawURL string, opts HTTPUpstreamOptions) (*HTTPUpstream, error) {
	base, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", rawURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("upstream must use http/https: %s", rawURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("upstream host missing: %s", rawURL)
	}
	if opts.Retries < 0 {
		return nil, fmt.Errorf("retries must not be negative: %d", opts.Retries)
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = defaultInitialBackoff
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	if maxBackoff < initial {
		maxBackoff = initial
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	u := &HTTPUpstream{
		base:           base,
		name:           base.Host,
		client:         client,
		retries:        opts.Retries,
		initialBackoff: initial,
		maxBackoff:     maxBackoff,
		attemptTimeout: opts.AttemptTimeout,
		logger:         logger,
	}
	if opts.BreakerThreshold > 0 {
		u.breaker = newBreaker(u.name, opts.BreakerThreshold, opts.BreakerCooldown, logger)
	}
	return u, nil
}

func newBreaker(name string, threshold int, cooldown time.Duration, logger *logrus.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"action":   "upstream_breaker",
				"upstream": name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("breaker state changed")
		},
		// 只有链路层面的失败计入熔断；not found、上游自报不可用与调用方取消都说明链路是通的。
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) {
				return true
			}
			return !isRetryable(err)
		},
	})
}

// Name 返回上游的 host:port。
func (u *HTTPUpstream) Name() string {
	return u.name
}

// Get 获取上游的值，瞬时失败按指数退避重试，预算耗尽后返回 ErrUpstreamUnavailable。
func (u *HTTPUpstream) Get(ctx context.Context, key string) (Result, error) {
	attempt := 0
	res, err := backoff.Retry(ctx, func() (Result, error) {
		attempt++
		res, err := u.execute(ctx, key)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, ErrNotFound),
			errors.Is(err, gobreaker.ErrOpenState),
			errors.Is(err, gobreaker.ErrTooManyRequests),
			!isRetryable(err),
			ctx.Err() != nil:
			return Result{}, backoff.Permanent(err)
		}
		return Result{}, err
	},
		backoff.WithBackOff(u.newBackOff()),
		backoff.WithMaxTries(uint(u.retries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			u.logger.WithFields(logrus.Fields{
				"action":   "upstream_retry",
				"upstream": u.name,
				"key":      key,
				"attempt":  attempt,
				"backoff":  wait.String(),
			}).Debug(err.Error())
		}),
	)
	if err == nil {
		return res, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUpstreamUnavailable) {
		return Result{}, err
	}
	return Result{}, fmt.Errorf("%w: %s: %v", ErrUpstreamUnavailable, u.name, err)
}

// newBackOff 每次调用新建，ExponentialBackOff 自带状态不能跨请求共享。
func (u *HTTPUpstream) newBackOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     u.initialBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         u.maxBackoff,
	}
}

// Probe 请求上游的 /-/healthz，用于启动阶段的就绪检查。
func (u *HTTPUpstream) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.base.String()+"/-/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream %s not ready: status %d", u.name, resp.StatusCode)
	}
	return nil
}

func (u *HTTPUpstream) execute(ctx context.Context, key string) (Result, error) {
	if u.breaker == nil {
		return u.attempt(ctx, key)
	}
	out, err := u.breaker.Execute(func() (interface{}, error) {
		res, err := u.attempt(ctx, key)
		return res, err
	})
	if err != nil {
		return Result{}, err
	}
	return out.(Result), nil
}

func (u *HTTPUpstream) attempt(ctx context.Context, key string) (Result, error) {
	if u.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.attemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.keyURL(key), nil)
	if err != nil {
		return Result{}, permanent(err)
	}
	if reqID := RequestIDFromContext(ctx); reqID != "" {
		req.Header.Set(HeaderRequestID, reqID)
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return Result{}, retryable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{}, retryable(fmt.Errorf("read upstream body: %w", err))
		}
		servedBy := resp.Header.Get(HeaderServedBy)
		if servedBy == "" {
			servedBy = u.name
		}
		return Result{
			Value:    body,
			Hit:      resp.Header.Get(HeaderCacheHit) == "true",
			ServedBy: servedBy,
		}, nil
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Result{}, ErrNotFound
	case resp.StatusCode == http.StatusServiceUnavailable:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Result{}, permanent(fmt.Errorf("%w: reported by %s", ErrUpstreamUnavailable, u.name))
	case resp.StatusCode >= http.StatusInternalServerError:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Result{}, retryable(fmt.Errorf("upstream %s status %d", u.name, resp.StatusCode))
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Result{}, permanent(fmt.Errorf("upstream %s status %d", u.name, resp.StatusCode))
	}
}

func (u *HTTPUpstream) keyURL(key string) string {
	return u.base.String() + "/cache/" + EscapeKey(key)
}
