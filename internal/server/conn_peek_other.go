//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package server

import "syscall"

// peerClosed 在没有 MSG_PEEK 支持的平台上不做检测，只依赖单元停止时的取消。
func peerClosed(syscall.RawConn) bool {
	return false
}
