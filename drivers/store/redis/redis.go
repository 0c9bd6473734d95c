package redis

import (
	"context"
	"strconv"
	"strings"
	"time"

	ratelimiter "github.com/Fischlvor/go-distributed-ratelimiter"
	libredis "github.com/go-redis/redis"
)

// scanCount SCAN每批返回的建议数量
const scanCount = 500

// Store Redis存储实现
type Store struct {
	client *libredis.Client
	prefix string
}

var _ ratelimiter.Store = (*Store)(nil)

// NewStore 创建Redis存储
func NewStore(client *libredis.Client, prefix string) *Store {
	return &Store{
		client: client,
		prefix: strings.Trim(prefix, ":"),
	}
}

// key 添加前缀
func (s *Store) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// trimKey 去掉前缀
func (s *Store) trimKey(k string) string {
	if s.prefix == "" {
		return k
	}
	return strings.TrimPrefix(k, s.prefix+":")
}

// c 绑定上下文，超时和取消沿用客户端配置
func (s *Store) c(ctx context.Context) *libredis.Client {
	if ctx == nil {
		return s.client
	}
	return s.client.WithContext(ctx)
}

// wrap 将Redis错误转换为存储不可用错误
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ratelimiter.StoreUnavailableError{Op: op, Err: err}
}

// Ping 检查连接
func (s *Store) Ping(ctx context.Context) error {
	return wrap("PING", s.c(ctx).Ping().Err())
}

// Get 获取键的值，不存在时返回空字符串
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.c(ctx).Get(s.key(key)).Result()
	if err == libredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", wrap("GET", err)
	}
	return val, nil
}

// Set 设置键的值
func (s *Store) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return wrap("SET", s.c(ctx).Set(s.key(key), value, expiration).Err())
}

// Del 删除键
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.key(k)
	}
	return wrap("DEL", s.c(ctx).Del(prefixed...).Err())
}

// Exists 检查键是否存在
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.c(ctx).Exists(s.key(key)).Result()
	if err != nil {
		return false, wrap("EXISTS", err)
	}
	return n > 0, nil
}

// Incr 递增
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.c(ctx).Incr(s.key(key)).Result()
	return n, wrap("INCR", err)
}

// Expire 设置过期时间
func (s *Store) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return wrap("EXPIRE", s.c(ctx).Expire(s.key(key), expiration).Err())
}

// TTL 获取剩余时间
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.c(ctx).TTL(s.key(key)).Result()
	return ttl, wrap("TTL", err)
}

// Keys 使用SCAN按模式列出键，避免KEYS阻塞服务端
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.c(ctx).Scan(0, s.key(pattern), scanCount).Iterator()
	for iter.Next() {
		keys = append(keys, s.trimKey(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		return nil, wrap("SCAN", err)
	}
	return keys, nil
}

// ZAdd 添加到有序集合
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrap("ZADD", s.c(ctx).ZAdd(s.key(key), libredis.Z{
		Score:  score,
		Member: member,
	}).Err())
}

// ZRemRangeByScore 按分数范围删除
func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	minStr := strconv.FormatFloat(min, 'f', -1, 64)
	maxStr := strconv.FormatFloat(max, 'f', -1, 64)
	return wrap("ZREMRANGEBYSCORE", s.c(ctx).ZRemRangeByScore(s.key(key), minStr, maxStr).Err())
}

// ZCard 有序集合成员数
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.c(ctx).ZCard(s.key(key)).Result()
	return n, wrap("ZCARD", err)
}

// ZRangeScores 按排名返回分数
func (s *Store) ZRangeScores(ctx context.Context, key string, start, stop int64) ([]float64, error) {
	members, err := s.c(ctx).ZRangeWithScores(s.key(key), start, stop).Result()
	if err != nil {
		return nil, wrap("ZRANGE", err)
	}
	scores := make([]float64, len(members))
	for i, m := range members {
		scores[i] = m.Score
	}
	return scores, nil
}

// RPush 追加到列表尾部
func (s *Store) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	n, err := s.c(ctx).RPush(s.key(key), args...).Result()
	return n, wrap("RPUSH", err)
}

// LLen 列表长度
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.c(ctx).LLen(s.key(key)).Result()
	return n, wrap("LLEN", err)
}

// LTrim 裁剪列表
func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	return wrap("LTRIM", s.c(ctx).LTrim(s.key(key), start, stop).Err())
}

// LRange 获取列表范围
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.c(ctx).LRange(s.key(key), start, stop).Result()
	return vals, wrap("LRANGE", err)
}

// PushCapped 在MULTI/EXEC中完成RPUSH+LTRIM+EXPIRE，外部观察不到超过capacity的列表
func (s *Store) PushCapped(ctx context.Context, key, value string, capacity int64, expiration time.Duration) error {
	k := s.key(key)
	_, err := s.c(ctx).TxPipelined(func(pipe libredis.Pipeliner) error {
		pipe.RPush(k, value)
		if capacity > 0 {
			pipe.LTrim(k, -capacity, -1)
		}
		if expiration > 0 {
			pipe.Expire(k, expiration)
		}
		return nil
	})
	return wrap("MULTI", err)
}
