package tier

import "errors"

var (
	// ErrNotFound 表示 key 在整条链上都不存在，只有 origin 才能给出这一结论。
	ErrNotFound = errors.New("key not found")
	// ErrUpstreamUnavailable 表示在超时/重试预算内无法从上游取得结果。
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrAsleep 表示 tier 被 /-/sleep 暂停，恢复前拒绝所有缓存操作。
	ErrAsleep = errors.New("tier asleep")
	// ErrInvalidKey 表示 key 为空或超长。
	ErrInvalidKey = errors.New("invalid cache key")
)

// attemptError 标记单次上游调用失败是否值得重试。
type attemptError struct {
	err       error
	retryable bool
}

func (e *attemptError) Error() string {
	return e.err.Error()
}

func (e *attemptError) Unwrap() error {
	return e.err
}

func retryable(err error) error {
	return &attemptError{err: err, retryable: true}
}

func permanent(err error) error {
	return &attemptError{err: err, retryable: false}
}

func isRetryable(err error) bool {
	var ae *attemptError
	if errors.As(err, &ae) {
		return ae.retryable
	}
	return false
}
