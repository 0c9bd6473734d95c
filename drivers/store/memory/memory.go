// Package memory 提供进程内存储实现，语义与Redis一致，用于单实例部署和测试。
package memory

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrWrongType 对键执行了与其类型不符的操作
var ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")

type kind int

const (
	kindString kind = iota
	kindZSet
	kindList
)

type entry struct {
	kind     kind
	str      string
	zset     map[string]float64
	list     []string
	expireAt time.Time
}

// Store 内存存储
type Store struct {
	mu   sync.Mutex
	data map[string]*entry
	now  func() time.Time
}

// Option 存储选项
type Option func(*Store)

// WithClock 指定时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore 创建内存存储
func NewStore(opts ...Option) *Store {
	s := &Store{
		data: make(map[string]*entry),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup 获取未过期的键，过期的键顺带删除；调用方需持有锁
func (s *Store) lookup(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && !s.now().Before(e.expireAt) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *Store) lookupKind(key string, k kind) (*entry, error) {
	e := s.lookup(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != k {
		return nil, ErrWrongType
	}
	return e, nil
}

func (s *Store) expiry(expiration time.Duration) time.Time {
	if expiration <= 0 {
		return time.Time{}
	}
	return s.now().Add(expiration)
}

// Get 获取字符串值，键不存在时返回空字符串
func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindString)
	if err != nil || e == nil {
		return "", err
	}
	return e.str, nil
}

// Set 设置字符串值，expiration<=0表示不过期
func (s *Store) Set(_ context.Context, key, value string, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &entry{kind: kindString, str: value, expireAt: s.expiry(expiration)}
	return nil
}

// Del 删除键
func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

// Exists 检查键是否存在
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lookup(key) != nil, nil
}

// Incr 递增，保留原有过期时间
func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindString)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &entry{kind: kindString, str: "0"}
		s.data[key] = e
	}
	n, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, errors.New("ERR value is not an integer or out of range")
	}
	n++
	e.str = strconv.FormatInt(n, 10)
	return n, nil
}

// Expire 设置过期时间，键不存在时忽略
func (s *Store) Expire(_ context.Context, key string, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return nil
	}
	if expiration <= 0 {
		delete(s.data, key)
		return nil
	}
	e.expireAt = s.expiry(expiration)
	return nil
}

// TTL 获取剩余时间，键不存在返回-2，不过期返回-1
func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return -2, nil
	}
	if e.expireAt.IsZero() {
		return -1, nil
	}
	return e.expireAt.Sub(s.now()), nil
}

// Keys 按glob模式列出键
func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key := range s.data {
		if s.lookup(key) == nil {
			continue
		}
		if Match(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ZAdd 添加到有序集合
func (s *Store) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindZSet)
	if err != nil {
		return err
	}
	if e == nil {
		e = &entry{kind: kindZSet, zset: make(map[string]float64)}
		s.data[key] = e
	}
	e.zset[member] = score
	return nil
}

// ZRemRangeByScore 按分数范围删除（闭区间）
func (s *Store) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindZSet)
	if err != nil || e == nil {
		return err
	}
	for member, score := range e.zset {
		if score >= min && score <= max {
			delete(e.zset, member)
		}
	}
	if len(e.zset) == 0 {
		delete(s.data, key)
	}
	return nil
}

// ZCard 有序集合成员数
func (s *Store) ZCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindZSet)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.zset)), nil
}

// ZRangeScores 按排名返回分数，支持负数下标
func (s *Store) ZRangeScores(_ context.Context, key string, start, stop int64) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindZSet)
	if err != nil || e == nil {
		return nil, err
	}

	type member struct {
		name  string
		score float64
	}
	members := make([]member, 0, len(e.zset))
	for name, score := range e.zset {
		members = append(members, member{name: name, score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].score != members[j].score {
			return members[i].score < members[j].score
		}
		return members[i].name < members[j].name
	})

	lo, hi, ok := normalizeRange(start, stop, int64(len(members)))
	if !ok {
		return nil, nil
	}
	scores := make([]float64, 0, hi-lo+1)
	for _, m := range members[lo : hi+1] {
		scores = append(scores, m.score)
	}
	return scores, nil
}

// RPush 追加到列表尾部
func (s *Store) RPush(_ context.Context, key string, values ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindList)
	if err != nil {
		return 0, err
	}
	if e == nil {
		e = &entry{kind: kindList}
		s.data[key] = e
	}
	e.list = append(e.list, values...)
	return int64(len(e.list)), nil
}

// LLen 列表长度
func (s *Store) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindList)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.list)), nil
}

// LTrim 只保留[start, stop]范围内的元素
func (s *Store) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindList)
	if err != nil || e == nil {
		return err
	}
	s.trim(key, e, start, stop)
	return nil
}

func (s *Store) trim(key string, e *entry, start, stop int64) {
	lo, hi, ok := normalizeRange(start, stop, int64(len(e.list)))
	if !ok {
		delete(s.data, key)
		return
	}
	e.list = append([]string(nil), e.list[lo:hi+1]...)
}

// LRange 返回[start, stop]范围内的元素
func (s *Store) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindList)
	if err != nil || e == nil {
		return nil, err
	}
	lo, hi, ok := normalizeRange(start, stop, int64(len(e.list)))
	if !ok {
		return nil, nil
	}
	return append([]string(nil), e.list[lo:hi+1]...), nil
}

// PushCapped 追加并保留最新的capacity个元素
func (s *Store) PushCapped(_ context.Context, key, value string, capacity int64, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupKind(key, kindList)
	if err != nil {
		return err
	}
	if e == nil {
		e = &entry{kind: kindList}
		s.data[key] = e
	}
	e.list = append(e.list, value)
	if capacity > 0 && int64(len(e.list)) > capacity {
		e.list = append([]string(nil), e.list[int64(len(e.list))-capacity:]...)
	}
	e.expireAt = s.expiry(expiration)
	return nil
}

// normalizeRange 将Redis风格的下标转换为闭区间[lo, hi]
func normalizeRange(start, stop, n int64) (int64, int64, bool) {
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
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}
