package server

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClientClosed 是客户端断开连接时请求 ctx 的取消原因。
	ErrClientClosed = errors.New("client closed connection")
	// ErrUnitStopping 是单元停止时在途请求 ctx 的取消原因。
	ErrUnitStopping = errors.New("unit stopping")
)

// DefaultDisconnectPoll 是检查客户端连接是否已关闭的默认间隔。
const DefaultDisconnectPoll = 50 * time.Millisecond

// RequestScope 是一个单元内全部请求 ctx 的共同父节点。单元停止时 Cancel，
// 在途请求（例如仍在等待上游的回源）随即返回。
type RequestScope struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	poll   time.Duration
}

// NewRequestScope 创建 scope；poll <= 0 时使用 DefaultDisconnectPoll。
func NewRequestScope(poll time.Duration) *RequestScope {
	if poll <= 0 {
		poll = DefaultDisconnectPoll
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &RequestScope{ctx: ctx, cancel: cancel, poll: poll}
}

// Context 返回请求 ctx 的父节点；nil scope 返回 Background。
func (s *RequestScope) Context() context.Context {
	if s == nil {
		return context.Background()
	}
	return s.ctx
}

// Cancel 以 ErrUnitStopping 取消全部在途请求，可重复调用。
func (s *RequestScope) Cancel() {
	if s != nil {
		s.cancel(ErrUnitStopping)
	}
}

func (s *RequestScope) pollInterval() time.Duration {
	if s == nil {
		return DefaultDisconnectPoll
	}
	return s.poll
}

// ClientGone 报告请求 ctx 是否因客户端断开而被取消。
func ClientGone(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrClientClosed)
}
