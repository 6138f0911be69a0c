//go:build linux || darwin || freebsd || netbsd || openbsd

package server

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// peerClosed 以 MSG_PEEK|MSG_DONTWAIT 探测连接：读到 EOF 或连接被重置即视为对端已关闭。
// 预读不会消费数据，流水线中的下一个请求仍留给 fasthttp。
func peerClosed(raw syscall.RawConn) bool {
	closed := false
	err := raw.Read(func(fd uintptr) bool {
		var buf [1]byte
		n, _, err := unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case err == nil:
			closed = n == 0
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		default:
			closed = true
		}
		return true
	})
	return closed || err != nil
}
