package tier

import (
	"sync"
	"time"
)

// DefaultRequestLogSize 是 /-/log 默认保留的请求条数。
const DefaultRequestLogSize = 5

// LogRecord 是 /-/log 中的一条请求记录。
type LogRecord struct {
	At        time.Time `json:"at"`
	Method    string    `json:"method"`
	Key       string    `json:"key,omitempty"`
	Status    int       `json:"status"`
	Hit       bool      `json:"hit"`
	ServedBy  string    `json:"served_by,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms"`
}

// RequestLog 是固定容量的环形缓冲，写满后覆盖最旧的记录。
type RequestLog struct {
	mu      sync.Mutex
	records []LogRecord
	next    int
	full    bool
}

// NewRequestLog 创建容量为 size 的日志，size <= 0 时使用默认值。
func NewRequestLog(size int) *RequestLog {
	if size <= 0 {
		size = DefaultRequestLogSize
	}
	return &RequestLog{records: make([]LogRecord, size)}
}

// Add 追加一条记录。
func (l *RequestLog) Add(rec LogRecord) {
	l.mu.Lock()
	l.records[l.next] = rec
	l.next = (l.next + 1) % len(l.records)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()
}

// Recent 按时间倒序返回保留的记录。
func (l *RequestLog) Recent() []LogRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.full {
		n = len(l.records)
	}
	out := make([]LogRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.records)) % len(l.records)
		out = append(out, l.records[idx])
	}
	return out
}

// Cap 返回日志容量。
func (l *RequestLog) Cap() int {
	return len(l.records)
}

// Reset 丢弃全部记录。
func (l *RequestLog) Reset() {
	l.mu.Lock()
	clear(l.records)
	l.next = 0
	l.full = false
	l.mu.Unlock()
}
