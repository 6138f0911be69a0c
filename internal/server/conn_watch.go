package server

import (
	"context"
	"net"
	"syscall"
	"time"
)

// watchDisconnect 在 handler 执行期间按 interval 检查对端是否已关闭连接，关闭时以
// ErrClientClosed 取消请求 ctx。返回的 stop 会等待检查协程退出，必须在 handler 返回前
// 调用：之后 fasthttp 会继续读取同一连接。无法取得底层 fd 的连接（如 app.Test）不做检查。
func watchDisconnect(conn net.Conn, interval time.Duration, cancel context.CancelCauseFunc) (stop func()) {
	sc, ok := conn.(syscall.Conn)
	if !ok || interval <= 0 {
		return func() {}
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return func() {}
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if peerClosed(raw) {
					cancel(ErrClientClosed)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
