package cache

import (
	"container/list"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultMaxEntries = 10000

type memoryEntry struct {
	key       string
	value     []byte
	createdAt time.Time
	expiresAt time.Time
	elem      *list.Element
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryBackend 是进程内的降级后端，所有状态都由互斥锁保护。
type MemoryBackend struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	order      *list.List
	sets       map[string]map[string]struct{}
	zsets      map[string]map[string]float64
	stats      map[string]int64
	maxEntries int
	now        func() time.Time
}

// NewMemoryBackend 创建内存后端，maxEntries<=0 时使用默认容量。
func NewMemoryBackend(maxEntries int) *MemoryBackend {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &MemoryBackend{
		entries:    make(map[string]*memoryEntry),
		order:      list.New(),
		sets:       make(map[string]map[string]struct{}),
		zsets:      make(map[string]map[string]float64),
		stats:      make(map[string]int64),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Name 返回后端名称。
func (m *MemoryBackend) Name() string { return "memory" }

// Get 读取键值，过期条目在访问时被淘汰。
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.lookupLocked(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

// Set 写入键值。
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stored := make([]byte, len(value))
	copy(stored, value)

	if existing, ok := m.entries[key]; ok {
		m.order.Remove(existing.elem)
		delete(m.entries, key)
	}
	entry := &memoryEntry{key: key, value: stored, createdAt: now}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	entry.elem = m.order.PushBack(key)
	m.entries[key] = entry

	for len(m.entries) > m.maxEntries {
		oldest := m.order.Front()
		if oldest == nil {
			break
		}
		m.removeLocked(oldest.Value.(string))
		m.stats[StatEvictions]++
	}
	return nil
}

// Delete 删除键。
func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key)
	return nil
}

// Exists 判断键是否存在且未过期。
func (m *MemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookupLocked(key)
	return ok, nil
}

// TTL 返回剩余存活时间，未设置过期返回 -1。
func (m *MemoryBackend) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.lookupLocked(key)
	if !ok {
		return -2, nil
	}
	if entry.expiresAt.IsZero() {
		return -1, nil
	}
	return entry.expiresAt.Sub(m.now()), nil
}

// DeletePrefix 删除所有以 prefix 开头的键。
func (m *MemoryBackend) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			m.removeLocked(key)
			count++
		}
	}
	return count, nil
}

// AddMember 向集合加入成员。
func (m *MemoryBackend) AddMember(_ context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.sets[set]
	if !ok {
		members = make(map[string]struct{})
		m.sets[set] = members
	}
	members[member] = struct{}{}
	return nil
}

// RemoveMember 从集合移除成员。
func (m *MemoryBackend) RemoveMember(_ context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if members, ok := m.sets[set]; ok {
		delete(members, member)
	}
	return nil
}

// Members 返回集合成员，按字典序排列。
func (m *MemoryBackend) Members(_ context.Context, set string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[set]))
	for member := range m.sets[set] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

// AddScored 向有序集合写入成员及分数。
func (m *MemoryBackend) AddScored(_ context.Context, zset, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	scores, ok := m.zsets[zset]
	if !ok {
		scores = make(map[string]float64)
		m.zsets[zset] = scores
	}
	scores[member] = score
	return nil
}

// RangeByScoreDesc 按分数倒序返回 [start, stop] 区间的成员，语义与 ZREVRANGE 一致。
func (m *MemoryBackend) RangeByScoreDesc(_ context.Context, zset string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	scores := m.zsets[zset]
	members := make([]string, 0, len(scores))
	for member := range scores {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		if scores[members[i]] == scores[members[j]] {
			return members[i] > members[j]
		}
		return scores[members[i]] > scores[members[j]]
	})
	m.mu.Unlock()

	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return []string{}, nil
	}
	return members[start : stop+1], nil
}

// IncrStat 增加统计计数。
func (m *MemoryBackend) IncrStat(_ context.Context, field string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[field] += delta
	return nil
}

// Stats 返回统计计数的副本。
func (m *MemoryBackend) Stats(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.stats))
	for k, v := range m.stats {
		out[k] = v
	}
	return out, nil
}

// ResetStats 清空统计计数。
func (m *MemoryBackend) ResetStats(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = make(map[string]int64)
	return nil
}

// Close 对内存后端无操作。
func (m *MemoryBackend) Close() error { return nil }

// Len 返回当前未过期条目数量。
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	count := 0
	for _, entry := range m.entries {
		if !entry.expired(now) {
			count++
		}
	}
	return count
}

func (m *MemoryBackend) lookupLocked(key string) (*memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if entry.expired(m.now()) {
		m.removeLocked(key)
		m.stats[StatEvictions]++
		return nil, false
	}
	return entry, true
}

func (m *MemoryBackend) removeLocked(key string) {
	entry, ok := m.entries[key]
	if !ok {
		return
	}
	m.order.Remove(entry.elem)
	delete(m.entries, key)
}

var _ Backend = (*MemoryBackend)(nil)
