package server

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tierhub/internal/cache"
	"github.com/any-hub/tierhub/internal/logging"
	"github.com/any-hub/tierhub/internal/tier"
)

// RegisterTierRoutes 挂载 tier 协议：GET/HEAD 读穿透，PUT/DELETE 只作用于本地。
// 同时挂载管理接口 /-/sleep、/-/wake、/-/reset 与最近请求日志 /-/log。
func RegisterTierRoutes(app *fiber.App, t *tier.Tier, logger *logrus.Logger) {
	if app == nil || t == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &tierRoutes{tier: t, logger: logger}

	app.Add([]string{fiber.MethodGet, fiber.MethodHead}, "/cache/*", h.get)
	app.Put("/cache/*", h.put)
	app.Delete("/cache/*", h.remove)

	app.Post("/-/sleep", h.sleep)
	app.Post("/-/wake", h.wake)
	app.Post("/-/reset", h.reset)
	app.Get("/-/log", h.recent)
}

type tierRoutes struct {
	tier   *tier.Tier
	logger *logrus.Logger
}

func (h *tierRoutes) get(c fiber.Ctx) error {
	start := time.Now()
	var (
		key string
		res tier.Result
	)
	defer func() { h.record(c, start, key, res.Hit, res.ServedBy) }()

	key, err := tier.NormalizeKey(c.Params("*"))
	if err != nil {
		return ErrorJSON(c, fiber.StatusBadRequest, "invalid_key")
	}

	res, err = h.tier.Get(c.Context(), key)
	fields := logging.RequestFields(h.tier.Name(), key, RequestID(c), err == nil && res.Hit)
	fields["action"] = "tier_get"
	fields["elapsed_ms"] = time.Since(start).Milliseconds()

	switch {
	case err == nil:
		fields["served_by"] = res.ServedBy
		h.logger.WithFields(fields).Debug("tier_get_completed")
		c.Set(tier.HeaderCacheHit, strconv.FormatBool(res.Hit))
		c.Set(tier.HeaderServedBy, res.ServedBy)
		c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
		return c.Status(fiber.StatusOK).Send(res.Value)
	case errors.Is(err, tier.ErrNotFound):
		h.logger.WithFields(fields).Debug("tier_get_not_found")
		return ErrorJSON(c, fiber.StatusNotFound, "not_found")
	case errors.Is(err, tier.ErrUpstreamUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		h.logger.WithFields(fields).Warn(err.Error())
		return ErrorJSON(c, fiber.StatusServiceUnavailable, "upstream_unavailable")
	default:
		h.logger.WithFields(fields).Error(err.Error())
		return ErrorJSON(c, fiber.StatusInternalServerError, "internal_error")
	}
}

func (h *tierRoutes) put(c fiber.Ctx) error {
	start := time.Now()
	var key string
	defer func() { h.record(c, start, key, false, "") }()

	key, err := tier.NormalizeKey(c.Params("*"))
	if err != nil {
		return ErrorJSON(c, fiber.StatusBadRequest, "invalid_key")
	}

	ttl := h.tier.CacheTTL()
	if raw := c.Query("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			return ErrorJSON(c, fiber.StatusBadRequest, "invalid_ttl")
		}
		ttl = parsed
	}

	if err := h.tier.Put(c.Context(), key, c.Body(), ttl); err != nil {
		fields := logging.RequestFields(h.tier.Name(), key, RequestID(c), false)
		fields["action"] = "tier_put"
		if errors.Is(err, tier.ErrAsleep) {
			return ErrorJSON(c, fiber.StatusServiceUnavailable, "asleep")
		}
		if errors.Is(err, cache.ErrEntryTooLarge) {
			h.logger.WithFields(fields).Warn(err.Error())
			return ErrorJSON(c, fiber.StatusRequestEntityTooLarge, "entry_too_large")
		}
		h.logger.WithFields(fields).Error(err.Error())
		return ErrorJSON(c, fiber.StatusInternalServerError, "internal_error")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *tierRoutes) remove(c fiber.Ctx) error {
	start := time.Now()
	var key string
	defer func() { h.record(c, start, key, false, "") }()

	key, err := tier.NormalizeKey(c.Params("*"))
	if err != nil {
		return ErrorJSON(c, fiber.StatusBadRequest, "invalid_key")
	}
	if err := h.tier.Delete(c.Context(), key); err != nil {
		if errors.Is(err, tier.ErrAsleep) {
			return ErrorJSON(c, fiber.StatusServiceUnavailable, "asleep")
		}
		return ErrorJSON(c, fiber.StatusInternalServerError, "internal_error")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *tierRoutes) sleep(c fiber.Ctx) error {
	h.tier.Sleep()
	return c.JSON(fiber.Map{"unit": h.tier.Name(), "status": "asleep"})
}

func (h *tierRoutes) wake(c fiber.Ctx) error {
	h.tier.Wake()
	return c.JSON(fiber.Map{"unit": h.tier.Name(), "status": "ok"})
}

func (h *tierRoutes) reset(c fiber.Ctx) error {
	if err := h.tier.Reset(c.Context()); err != nil {
		return ErrorJSON(c, fiber.StatusInternalServerError, "internal_error")
	}
	return c.JSON(fiber.Map{"unit": h.tier.Name(), "status": "reset"})
}

func (h *tierRoutes) recent(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"unit":     h.tier.Name(),
		"capacity": h.tier.Log().Cap(),
		"records":  h.tier.Log().Recent(),
	})
}

// record 在 handler 返回前写入最近请求日志；fasthttp 会复用请求缓冲，字符串需拷贝。
func (h *tierRoutes) record(c fiber.Ctx, start time.Time, key string, hit bool, servedBy string) {
	h.tier.Log().Add(tier.LogRecord{
		At:        start,
		Method:    strings.Clone(c.Method()),
		Key:       strings.Clone(key),
		Status:    c.Response().StatusCode(),
		Hit:       hit,
		ServedBy:  servedBy,
		RequestID: RequestID(c),
		ElapsedMS: time.Since(start).Milliseconds(),
	})
}
