package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tierhub/internal/logging"
	"github.com/any-hub/tierhub/internal/metrics"
	"github.com/any-hub/tierhub/internal/server"
	"github.com/any-hub/tierhub/internal/tier"
)

// StatusClientClosed 标记客户端已断开的请求，只出现在日志与指标中。
const StatusClientClosed = 499

// HeaderCache 告诉客户端 head tier 是否本地命中。
const HeaderCache = "X-Cache"

// Fetcher 是 proxy 访问 head tier 的方式，通常是配置了少量重试的 tier.HTTPUpstream。
type Fetcher interface {
	Get(ctx context.Context, key string) (tier.Result, error)
	Name() string
}

// Route 描述一次请求被路由到的 key 与 head tier。
type Route struct {
	Key  string
	Head string
}

// Options 描述构建 Handler 所需的依赖。
type Options struct {
	Unit    string
	Head    Fetcher
	Logger  *logrus.Logger
	Metrics *metrics.Proxy
}

// Handler 把客户端 GET /<path> 转换为对 head tier 的读取，对外只暴露
// 200 / 404 not found / 503 service unavailable 三类结果。
type Handler struct {
	unit    string
	head    Fetcher
	logger  *logrus.Logger
	metrics *metrics.Proxy

	requests    atomic.Int64
	hits        atomic.Int64
	misses      atomic.Int64
	notFound    atomic.Int64
	unavailable atomic.Int64
	rejected    atomic.Int64
	aborted     atomic.Int64
}

// Stats 汇总 proxy 的请求结果，供 /-/stats 输出。
type Stats struct {
	Unit        string `json:"unit"`
	Head        string `json:"head"`
	Requests    int64  `json:"requests"`
	Hits        int64  `json:"hits"`
	Misses      int64  `json:"misses"`
	NotFound    int64  `json:"not_found"`
	Unavailable int64  `json:"unavailable"`
	Rejected    int64  `json:"rejected"`
	// ClientClosed 统计客户端在结果返回前断开的请求。
	ClientClosed int64 `json:"client_closed"`
}

// NewHandler 校验依赖并构建 Handler。
func NewHandler(opts Options) (*Handler, error) {
	if opts.Head == nil {
		return nil, errors.New("head tier is required")
	}
	unit := opts.Unit
	if unit == "" {
		unit = "proxy"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		unit:    unit,
		head:    opts.Head,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Register 把 Handler 挂到 app 的兜底路由上，/-/ 诊断路径交给后续路由。
func Register(app *fiber.App, h *Handler) {
	app.All("/*", func(c fiber.Ctx) error {
		if server.IsDiagnosticsPath(c.Path()) {
			return c.Next()
		}
		return h.Handle(c)
	})
}

// RouteFor 计算请求路径对应的 Route：key 为清理后的路径（不含前导斜杠，忽略查询串）。
func (h *Handler) RouteFor(rawPath string) (Route, error) {
	key, err := tier.NormalizeKey(rawPath)
	if err != nil {
		return Route{}, err
	}
	return Route{Key: key, Head: h.head.Name()}, nil
}

// Handle 驱动单个请求走完 Received → Routed → AwaitingTier → (Hit|MissFetched|Failed)
// → Responded|RespondedError，并以终态记录一条日志。
func (h *Handler) Handle(c fiber.Ctx) (err error) {
	tr := newTrace(time.Now())
	h.requests.Add(1)
	var (
		route  Route
		result tier.Result
		reason string
	)
	defer func() {
		if r := recover(); r != nil {
			reason = "handler_panic"
			err = h.respondPanic(c, tr, route, r)
		}
		h.finish(c, tr, route, result, reason)
	}()

	method := c.Method()
	if method != fiber.MethodGet && method != fiber.MethodHead {
		reason = "method_not_allowed"
		h.rejected.Add(1)
		h.must(tr, StateFailed)
		h.must(tr, StateRespondedError)
		c.Set(fiber.HeaderAllow, "GET, HEAD")
		return server.ErrorJSON(c, fiber.StatusMethodNotAllowed, reason)
	}

	route, err = h.RouteFor(c.Params("*"))
	if err != nil {
		reason = "invalid_key"
		h.rejected.Add(1)
		h.must(tr, StateFailed)
		h.must(tr, StateRespondedError)
		return server.ErrorJSON(c, fiber.StatusBadRequest, reason)
	}
	h.must(tr, StateRouted)

	h.must(tr, StateAwaitingTier)
	result, err = h.head.Get(c.Context(), route.Key)
	switch {
	case server.ClientGone(c.Context()):
		reason = "client_closed"
		h.aborted.Add(1)
		h.must(tr, StateFailed)
		h.must(tr, StateRespondedError)
		return server.ErrorJSON(c, StatusClientClosed, reason)
	case err == nil && result.Hit:
		h.hits.Add(1)
		h.must(tr, StateHit)
	case err == nil:
		h.misses.Add(1)
		h.must(tr, StateMissFetched)
	case errors.Is(err, tier.ErrNotFound):
		reason = "not_found"
		h.notFound.Add(1)
		h.must(tr, StateFailed)
		h.must(tr, StateRespondedError)
		return server.ErrorJSON(c, fiber.StatusNotFound, reason)
	default:
		reason = "service_unavailable"
		h.unavailable.Add(1)
		h.must(tr, StateFailed)
		h.must(tr, StateRespondedError)
		h.logger.WithFields(logging.RequestFields(h.unit, route.Key, server.RequestID(c), false)).
			WithField("action", "proxy_head").
			Warn(err.Error())
		return server.ErrorJSON(c, fiber.StatusServiceUnavailable, reason)
	}

	h.must(tr, StateResponded)
	if result.Hit {
		c.Set(HeaderCache, "HIT")
	} else {
		c.Set(HeaderCache, "MISS")
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	return c.Status(fiber.StatusOK).Send(result.Value)
}

// Stats 返回请求结果计数快照。
func (h *Handler) Stats() Stats {
	return Stats{
		Unit:         h.unit,
		Head:         h.head.Name(),
		Requests:     h.requests.Load(),
		Hits:         h.hits.Load(),
		Misses:       h.misses.Load(),
		NotFound:     h.notFound.Load(),
		Unavailable:  h.unavailable.Load(),
		Rejected:     h.rejected.Load(),
		ClientClosed: h.aborted.Load(),
	}
}

// must 推进状态机；迁移表是静态的，失败说明 Handle 自身逻辑有误。
func (h *Handler) must(tr *trace, next State) {
	if err := tr.advance(next); err != nil {
		panic(err)
	}
}

func (h *Handler) respondPanic(c fiber.Ctx, tr *trace, route Route, recovered interface{}) error {
	fields := logging.RequestFields(h.unit, route.Key, server.RequestID(c), false)
	fields["action"] = "proxy"
	fields["trace"] = tr.String()
	h.logger.WithFields(fields).Error(fmt.Sprintf("panic: %v", recovered))
	tr.states = append(tr.states, StateFailed, StateRespondedError)
	return server.ErrorJSON(c, fiber.StatusInternalServerError, "internal_error")
}

func (h *Handler) finish(c fiber.Ctx, tr *trace, route Route, result tier.Result, reason string) {
	elapsed := time.Since(tr.started)
	outcome := string(tr.outcome())
	if reason != "" {
		outcome = reason
	}
	h.metrics.Observe(outcome, elapsed.Seconds())

	fields := logging.RequestFields(h.unit, route.Key, server.RequestID(c), result.Hit)
	fields["action"] = "proxy"
	fields["head"] = h.head.Name()
	fields["state"] = string(tr.current())
	fields["trace"] = tr.String()
	fields["elapsed_ms"] = elapsed.Milliseconds()
	if result.ServedBy != "" {
		fields["served_by"] = result.ServedBy
	}
	entry := h.logger.WithFields(fields)
	switch {
	case tr.current() == StateResponded:
		entry.Info("proxy_complete")
	case reason == "not_found":
		entry.Info("proxy_not_found")
	default:
		entry.WithField("error", reason).Warn("proxy_failed")
	}
}
