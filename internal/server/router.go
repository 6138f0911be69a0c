package server

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/tierhub/internal/tier"
)

// AppOptions controls how the Fiber application for one unit should behave.
type AppOptions struct {
	Logger *logrus.Logger
	Unit   string
	// Scope is the parent of every request context. Nil means requests are
	// only cancelled when their client disconnects.
	Scope *RequestScope
}

const contextKeyRequestID = "_tierhub_request_id"

// NewApp builds a Fiber application with request-ID and panic recovery
// middleware. Routes are registered by the caller.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(opts.Unit) == "" {
		return nil, errors.New("unit name is required")
	}

	app := fiber.New(fiber.Config{
		AppName:       opts.Unit,
		CaseSensitive: true,
		UnescapePath:  true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Scope))

	return app, nil
}

// requestContextMiddleware 复用上游传入的合法请求 ID，否则生成新的 uuid，
// 并写入 Locals、响应头与请求 ctx，便于沿链路追踪同一次请求。
// 请求 ctx 派生自 scope，客户端断开或单元停止时被取消。
func requestContextMiddleware(scope *RequestScope) fiber.Handler {
	return func(c fiber.Ctx) error {
		// 头部值引用 fasthttp 的复用缓冲，请求 ID 会随 ctx 活过本次请求，需要拷贝。
		reqID := strings.Clone(strings.TrimSpace(c.Get(tier.HeaderRequestID)))
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.NewString()
		}
		c.Locals(contextKeyRequestID, reqID)
		c.Set(tier.HeaderRequestID, reqID)
		ctx, cancel := context.WithCancelCause(scope.Context())
		defer cancel(nil)
		stop := watchDisconnect(c.RequestCtx().Conn(), scope.pollInterval(), cancel)
		defer stop()

		c.SetContext(tier.WithRequestID(ctx, reqID))
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// IsDiagnosticsPath reports whether path belongs to the /-/ diagnostics tree.
func IsDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}

// ErrorJSON 输出统一的错误响应格式 {"error": code}。
func ErrorJSON(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
