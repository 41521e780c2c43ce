package redis

import (
	"context"
	"errors"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) SIsMember(ctx context.Context, key string, member interface{}) *goredis.BoolCmd {
	args := m.Called(ctx, key, member)
	return goredis.NewBoolResult(args.Bool(0), args.Error(1))
}

func (m *mockClient) SAdd(ctx context.Context, key string, members ...interface{}) *goredis.IntCmd {
	args := m.Called(ctx, key, members)
	return goredis.NewIntResult(int64(args.Int(0)), args.Error(1))
}

func (m *mockClient) Ping(ctx context.Context) *goredis.StatusCmd {
	args := m.Called(ctx)
	return goredis.NewStatusResult("PONG", args.Error(0))
}

func (m *mockClient) Close() error {
	return m.Called().Error(0)
}

func TestSetContains(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := &mockClient{}
	c.On("SIsMember", ctx, DefaultKey, "abc").Return(true, nil).Once()
	c.On("SIsMember", ctx, DefaultKey, "def").Return(false, nil).Once()

	s := NewWithClient(c, "")
	ok, err := s.Contains(ctx, crawler.URLHash("abc"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Contains(ctx, crawler.URLHash("def"))
	require.NoError(t, err)
	require.False(t, ok)
	c.AssertExpectations(t)
}

func TestSetContainsError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := &mockClient{}
	c.On("SIsMember", ctx, "nku_seen", "abc").Return(false, errors.New("connection reset"))

	s := NewWithClient(c, "nku_seen")
	_, err := s.Contains(ctx, "abc")
	require.ErrorContains(t, err, "redis sismember")
}

func TestSetAdd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := &mockClient{}
	c.On("SAdd", ctx, DefaultKey, []interface{}{"abc"}).Return(1, nil).Once()
	c.On("SAdd", ctx, DefaultKey, []interface{}{"bad"}).Return(0, errors.New("READONLY")).Once()

	s := NewWithClient(c, DefaultKey)
	require.NoError(t, s.Add(ctx, "abc"))
	require.ErrorContains(t, s.Add(ctx, "bad"), "redis sadd")
	c.AssertExpectations(t)
}

func TestSetClose(t *testing.T) {
	t.Parallel()

	c := &mockClient{}
	c.On("Close").Return(nil)
	require.NoError(t, NewWithClient(c, "").Close())
}

func TestNewRequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestSetPing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := &mockClient{}
	c.On("Ping", ctx).Return(nil).Once()
	c.On("Ping", ctx).Return(errors.New("dial tcp: refused")).Once()

	s := NewWithClient(c, "")
	require.NoError(t, s.Ping(ctx))
	require.ErrorContains(t, s.Ping(ctx), "redis ping")
}
