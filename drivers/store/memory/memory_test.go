package memory

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore() (*Store, *testClock) {
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewStore(WithClock(clock.Now)), clock
}

func TestStore_GetSet(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore()

	val, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, val)

	require.NoError(t, s.Set(ctx, "k", "v", time.Second))
	val, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	// 到期即不可见
	clock.Advance(time.Second)
	val, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, val)

	exists, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_IncrKeepsExpiry(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore()

	n, err := s.Incr(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.Expire(ctx, "c", 10*time.Second))
	clock.Advance(4 * time.Second)

	n, err = s.Incr(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ttl, err := s.TTL(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 6*time.Second, ttl)

	require.NoError(t, s.Set(ctx, "s", "abc", 0))
	_, err = s.Incr(ctx, "s")
	assert.Error(t, err)
}

func TestStore_TTL(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	ttl, err := s.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-2), ttl)

	require.NoError(t, s.Set(ctx, "forever", "1", 0))
	ttl, err = s.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)

	// 不存在的键设置过期时间是空操作
	require.NoError(t, s.Expire(ctx, "missing", time.Second))
	exists, err := s.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_Del(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	require.NoError(t, s.Set(ctx, "a", "1", 0))
	require.NoError(t, s.Set(ctx, "b", "1", 0))
	require.NoError(t, s.Del(ctx, "a", "b", "c"))

	keys, err := s.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_Keys(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore()

	require.NoError(t, s.Set(ctx, "swl:1.1.1.1:anonymous:/a", "1", 0))
	require.NoError(t, s.Set(ctx, "swl:2.2.2.2:anonymous:/a", "1", 0))
	require.NoError(t, s.Set(ctx, "ban:1.1.1.1:anonymous:/a", "1", time.Second))

	keys, err := s.Keys(ctx, "swl:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"swl:1.1.1.1:anonymous:/a", "swl:2.2.2.2:anonymous:/a"}, keys)

	keys, err = s.Keys(ctx, "*1.1.1.1*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	clock.Advance(time.Second)
	keys, err = s.Keys(ctx, "ban:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_SortedSet(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	require.NoError(t, s.ZAdd(ctx, "z", 3, "c"))
	require.NoError(t, s.ZAdd(ctx, "z", 1, "a"))
	require.NoError(t, s.ZAdd(ctx, "z", 2, "b"))
	// 重复成员只更新分数
	require.NoError(t, s.ZAdd(ctx, "z", 4, "c"))

	n, err := s.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	scores, err := s.ZRangeScores(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 4}, scores)

	scores, err = s.ZRangeScores(ctx, "z", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, scores)

	// 闭区间
	require.NoError(t, s.ZRemRangeByScore(ctx, "z", 0, 2))
	scores, err = s.ZRangeScores(ctx, "z", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []float64{4}, scores)

	// 清空后键被删除
	require.NoError(t, s.ZRemRangeByScore(ctx, "z", 0, 10))
	exists, err := s.Exists(ctx, "z")
	require.NoError(t, err)
	assert.False(t, exists)

	scores, err = s.ZRangeScores(ctx, "z", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	n, err := s.RPush(ctx, "l", "a", "b", "c", "d")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	items, err := s.LRange(ctx, "l", -1, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, items)

	require.NoError(t, s.LTrim(ctx, "l", 1, -1))
	items, err = s.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, items)

	// 范围越界时列表被清空
	require.NoError(t, s.LTrim(ctx, "l", 5, -1))
	n, err = s.LLen(ctx, "l")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestStore_PushCapped(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.PushCapped(ctx, "h", strconv.Itoa(i), 3, time.Minute))
	}

	items, err := s.LRange(ctx, "h", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3", "4"}, items)

	ttl, err := s.TTL(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)
}

func TestStore_WrongType(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	require.NoError(t, s.Set(ctx, "k", "v", 0))

	assert.ErrorIs(t, s.ZAdd(ctx, "k", 1, "m"), ErrWrongType)
	_, err := s.LLen(ctx, "k")
	assert.ErrorIs(t, err, ErrWrongType)

	_, err = s.RPush(ctx, "z", "a")
	require.NoError(t, err)
	_, err = s.Get(ctx, "z")
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestStore_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = s.Incr(ctx, "c")
			}
		}()
	}
	wg.Wait()

	val, err := s.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "1000", val)
}
