package cache

import (
	"context"
	"errors"
	"time"
)

// Store 负责单个 tier 的本地条目读写，所有实现都必须是并发安全的。
type Store interface {
	// Get 返回未过期的条目副本，并将其标记为最近使用。不存在或已过期时返回 ErrNotFound。
	Get(ctx context.Context, key string) (Entry, error)

	// Put 插入或覆盖条目；超出预算时按 LRU 淘汰其它条目。
	Put(ctx context.Context, entry Entry) (Entry, error)

	// Remove 删除条目，不存在时不报错。
	Remove(ctx context.Context, key string) error

	// Purge 清空全部条目并把淘汰/过期计数归零。
	Purge(ctx context.Context) error

	// Stats 返回当前条目数、字节数及淘汰/过期计数。
	Stats() Stats
}

// Entry 表示一个缓存条目，Value 为该 tier 独享的副本。
type Entry struct {
	Key       string        `json:"key"`
	Value     []byte        `json:"-"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
}

// Size 以 key + value 的字节数计入预算。
func (e Entry) Size() int64 {
	return int64(len(e.Key) + len(e.Value))
}

// ExpiresAt 返回过期时间，TTL 为 0 时返回零值。
func (e Entry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.FetchedAt.Add(e.TTL)
}

// Expired 判断条目在 now 时刻是否已过期。
func (e Entry) Expired(now time.Time) bool {
	expireAt := e.ExpiresAt()
	if expireAt.IsZero() {
		return false
	}
	return !now.Before(expireAt)
}

// Stats 汇总 store 的容量与淘汰情况，供 /-/stats 与指标使用。
type Stats struct {
	Entries     int64 `json:"entries"`
	Bytes       int64 `json:"bytes"`
	MaxEntries  int   `json:"max_entries"`
	MaxBytes    int64 `json:"max_bytes"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

var (
	// ErrNotFound 表示本地没有可用条目。
	ErrNotFound = errors.New("cache entry not found")
	// ErrEntryTooLarge 表示单个条目超过了整个 store 的字节预算。
	ErrEntryTooLarge = errors.New("cache entry exceeds byte budget")
)

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
