package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/zeebo/xxh3"
)

const defaultShards = 16

// Options 控制内存 store 的容量预算与分片数量。
type Options struct {
	// MaxEntries 为 0 表示不限制条目数。
	MaxEntries int
	// MaxBytes 为 0 表示不限制字节数。
	MaxBytes int64
	// Shards 为 0 时使用 defaultShards。
	Shards int
	// Clock 为 nil 时使用真实时钟，测试可注入 clock.NewMock()。
	Clock clock.Clock
}

// NewMemoryStore 构建分片内存 store：每个分片独立加锁，LRU 顺序通过全局递增序号跨分片比较。
func NewMemoryStore(opts Options) (Store, error) {
	if opts.MaxEntries < 0 {
		return nil, fmt.Errorf("max entries must not be negative: %d", opts.MaxEntries)
	}
	if opts.MaxBytes < 0 {
		return nil, fmt.Errorf("max bytes must not be negative: %d", opts.MaxBytes)
	}
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	shards := make([]*shard, opts.Shards)
	for i := range shards {
		shards[i] = &shard{
			items: make(map[string]*list.Element),
			lru:   list.New(),
		}
	}
	return &memoryStore{
		opts:   opts,
		clock:  opts.Clock,
		shards: shards,
	}, nil
}

type memoryStore struct {
	opts   Options
	clock  clock.Clock
	shards []*shard

	tick        atomic.Uint64
	entries     atomic.Int64
	bytes       atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64

	// evictMu 串行化淘汰流程，避免多个写入方同时挑选同一个 victim。
	evictMu sync.Mutex
}

// shard 内 lru 的 Front 为最近使用，Back 为最久未使用。
type shard struct {
	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List
}

type item struct {
	entry Entry
	seq   uint64
}

type victim struct {
	shard *shard
	key   string
	seq   uint64
}

func (s *memoryStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	el, ok := sh.items[key]
	if !ok {
		sh.mu.Unlock()
		return Entry{}, ErrNotFound
	}
	it := el.Value.(*item)
	if it.entry.Expired(s.clock.Now()) {
		size := it.entry.Size()
		sh.removeElement(el)
		sh.mu.Unlock()
		s.account(-size, -1)
		s.expirations.Add(1)
		return Entry{}, ErrNotFound
	}
	it.seq = s.tick.Add(1)
	sh.lru.MoveToFront(el)
	out := it.entry
	out.Value = cloneBytes(out.Value)
	sh.mu.Unlock()

	return out, nil
}

func (s *memoryStore) Put(ctx context.Context, entry Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if entry.Key == "" {
		return Entry{}, errors.New("cache key required")
	}
	size := entry.Size()
	if s.opts.MaxBytes > 0 && size > s.opts.MaxBytes {
		return Entry{}, fmt.Errorf("%w: %d > %d", ErrEntryTooLarge, size, s.opts.MaxBytes)
	}

	entry.Value = cloneBytes(entry.Value)
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = s.clock.Now()
	}
	if entry.TTL < 0 {
		entry.TTL = 0
	}

	var deltaBytes, deltaEntries int64
	sh := s.shardFor(entry.Key)
	sh.mu.Lock()
	if el, ok := sh.items[entry.Key]; ok {
		it := el.Value.(*item)
		deltaBytes = size - it.entry.Size()
		it.entry = entry
		it.seq = s.tick.Add(1)
		sh.lru.MoveToFront(el)
	} else {
		sh.items[entry.Key] = sh.lru.PushFront(&item{entry: entry, seq: s.tick.Add(1)})
		deltaBytes = size
		deltaEntries = 1
	}
	sh.mu.Unlock()

	s.account(deltaBytes, deltaEntries)
	s.enforceBudget(entry.Key)

	out := entry
	out.Value = cloneBytes(entry.Value)
	return out, nil
}

func (s *memoryStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	el, ok := sh.items[key]
	if !ok {
		sh.mu.Unlock()
		return nil
	}
	size := el.Value.(*item).entry.Size()
	sh.removeElement(el)
	sh.mu.Unlock()

	s.account(-size, -1)
	return nil
}

func (s *memoryStore) Purge(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// 持有 evictMu 防止淘汰流程在清空期间挑中已删除的条目。
	s.evictMu.Lock()
	defer s.evictMu.Unlock()
	for _, sh := range s.shards {
		sh.mu.Lock()
		var bytes, entries int64
		for _, el := range sh.items {
			bytes += el.Value.(*item).entry.Size()
			entries++
		}
		sh.items = make(map[string]*list.Element)
		sh.lru.Init()
		sh.mu.Unlock()
		s.account(-bytes, -entries)
	}
	s.evictions.Store(0)
	s.expirations.Store(0)
	return nil
}

func (s *memoryStore) Stats() Stats {
	return Stats{
		Entries:     s.entries.Load(),
		Bytes:       s.bytes.Load(),
		MaxEntries:  s.opts.MaxEntries,
		MaxBytes:    s.opts.MaxBytes,
		Evictions:   s.evictions.Load(),
		Expirations: s.expirations.Load(),
	}
}

func (s *memoryStore) shardFor(key string) *shard {
	return s.shards[xxh3.HashString(key)%uint64(len(s.shards))]
}

func (s *memoryStore) account(deltaBytes, deltaEntries int64) {
	if deltaBytes != 0 {
		s.bytes.Add(deltaBytes)
	}
	if deltaEntries != 0 {
		s.entries.Add(deltaEntries)
	}
}

func (s *memoryStore) overBudget() bool {
	if s.opts.MaxEntries > 0 && s.entries.Load() > int64(s.opts.MaxEntries) {
		return true
	}
	return s.opts.MaxBytes > 0 && s.bytes.Load() > s.opts.MaxBytes
}

// enforceBudget 反复淘汰全局最久未使用的条目直到回到预算内，protect 为刚写入的 key。
func (s *memoryStore) enforceBudget(protect string) {
	if !s.overBudget() {
		return
	}
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	for s.overBudget() {
		v, ok := s.oldest(protect)
		if !ok {
			return
		}
		s.evict(v)
	}
}

// oldest 比较各分片尾部的访问序号，返回全局最久未使用的条目。
func (s *memoryStore) oldest(protect string) (victim, bool) {
	var (
		best  victim
		found bool
	)
	for _, sh := range s.shards {
		sh.mu.Lock()
		for el := sh.lru.Back(); el != nil; el = el.Prev() {
			it := el.Value.(*item)
			if it.entry.Key == protect {
				continue
			}
			if !found || it.seq < best.seq {
				best = victim{shard: sh, key: it.entry.Key, seq: it.seq}
				found = true
			}
			break
		}
		sh.mu.Unlock()
	}
	return best, found
}

func (s *memoryStore) evict(v victim) {
	sh := v.shard
	sh.mu.Lock()
	el, ok := sh.items[v.key]
	if !ok || el.Value.(*item).seq != v.seq {
		// 挑选后被访问或删除，交给下一轮重新挑选。
		sh.mu.Unlock()
		return
	}
	size := el.Value.(*item).entry.Size()
	sh.removeElement(el)
	sh.mu.Unlock()

	s.account(-size, -1)
	s.evictions.Add(1)
}

func (sh *shard) removeElement(el *list.Element) {
	it := el.Value.(*item)
	sh.lru.Remove(el)
	delete(sh.items, it.entry.Key)
}
