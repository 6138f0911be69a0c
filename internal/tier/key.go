package tier

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// MaxKeyLength 限制 key 长度，避免异常请求撑大 store。
const MaxKeyLength = 1024

// NormalizeKey 将请求路径转换为缓存 key：去掉前导斜杠并清理 "."、".." 与重复斜杠。
// proxy 与 tier 使用同一规则，保证同一路径在整条链上映射到同一个 key。
func NormalizeKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidKey
	}
	key := strings.TrimPrefix(path.Clean("/"+raw), "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return "", fmt.Errorf("%w: length %d exceeds %d", ErrInvalidKey, len(key), MaxKeyLength)
	}
	return key, nil
}

// EscapeKey 逐段转义 key，生成 /cache/<key> 中使用的路径部分。
func EscapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
