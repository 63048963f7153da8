package searchindex

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/designs/sessiond/internal/filestore"
)

func TestCollectionName(t *testing.T) {
	tests := []struct {
		userID string
		want   string
	}{
		{"alice", "user_alice"},
		{"user-42", "user_user-42"},
		{"a.b_c", "user_a.b_c"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CollectionName(tt.userID), "user %q", tt.userID)
	}
}

func TestCollectionNameRewritten(t *testing.T) {
	for _, id := range []string{"", "a b", "-abc", "abc-", "x@y.com", strings.Repeat("z", 100)} {
		name := CollectionName(id)
		assert.True(t, strings.HasPrefix(name, "user_"), "id %q -> %q", id, name)
		assert.LessOrEqual(t, len(name), maxCollectionName, "id %q", id)
		assert.True(t, isAlnum(rune(name[len(name)-1])), "id %q -> %q", id, name)
		assert.NotContains(t, name, " ")
		assert.NotContains(t, name, "@")
	}
}

func TestCollectionNameDistinct(t *testing.T) {
	// Pairs that sanitize to the same text must still map to different
	// collections.
	pairs := [][2]string{
		{"a b", "a_b"},
		{"-abc", "u-abc"},
		{"abc-", "abc-0"},
		{strings.Repeat("q", 70) + "1", strings.Repeat("q", 70) + "2"},
	}
	for _, p := range pairs {
		assert.NotEqual(t, CollectionName(p[0]), CollectionName(p[1]), "%q vs %q", p[0], p[1])
	}
	assert.Equal(t, CollectionName("x@y"), CollectionName("x@y"))
}

func TestLocalIndex(t *testing.T) {
	root := t.TempDir()
	idx := NewLocal(root, nil)
	ctx := context.Background()

	require.NoError(t, idx.DeleteAll(ctx, "alice"), "no index is success")

	name, err := idx.Ensure(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "user_alice", name)
	assert.True(t, idx.Open("alice"))

	require.NoError(t, idx.Add(ctx, "alice", "cv", "ten years of Go"))
	data, err := os.ReadFile(filepath.Join(root, name, "cv.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ten years of Go", string(data))

	assert.ErrorIs(t, idx.Add(ctx, "alice", "../escape", "x"), filestore.ErrInvalidName)

	require.NoError(t, idx.DeleteAll(ctx, "alice"))
	assert.False(t, idx.Open("alice"))
	_, err = os.Stat(filepath.Join(root, name))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	require.NoError(t, idx.DeleteAll(ctx, "alice"))
}

func TestLocalIndexConcurrentDelete(t *testing.T) {
	idx := NewLocal(t.TempDir(), nil)
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx, "u", "d1", "x"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, idx.DeleteAll(ctx, "u"))
		}()
	}
	wg.Wait()
	assert.False(t, idx.Open("u"))
}

// fakeRedis records every command and answers with a canned error keyed
// by command name.
type fakeRedis struct {
	mu    sync.Mutex
	calls [][]any
	errs  map[string]error
}

func (f *fakeRedis) Do(ctx context.Context, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	cmd := redis.NewCmd(ctx, args...)
	if err := f.errs[args[0].(string)]; err != nil {
		cmd.SetErr(err)
		return cmd
	}
	cmd.SetVal("OK")
	return cmd
}

func TestRedisIndexAdd(t *testing.T) {
	fake := &fakeRedis{errs: map[string]error{
		"FT.CREATE": errors.New("Index already exists"),
	}}
	idx := NewRedis(fake, "", nil)

	require.NoError(t, idx.Add(context.Background(), "alice", "cv", "text"))
	require.Len(t, fake.calls, 2)
	assert.Equal(t, []any{"FT.CREATE", "sessiond:idx:user_alice",
		"ON", "HASH", "PREFIX", "1", "sessiond:doc:user_alice:",
		"SCHEMA", "content", "TEXT"}, fake.calls[0])
	assert.Equal(t, []any{"HSET", "sessiond:doc:user_alice:cv", "content", "text"}, fake.calls[1])
}

func TestRedisIndexDeleteAll(t *testing.T) {
	ctx := context.Background()

	fake := &fakeRedis{}
	require.NoError(t, NewRedis(fake, "app:", nil).DeleteAll(ctx, "bob"))
	assert.Equal(t, []any{"FT.DROPINDEX", "app:idx:user_bob", "DD"}, fake.calls[0])

	missing := &fakeRedis{errs: map[string]error{"FT.DROPINDEX": errors.New("Unknown Index name")}}
	require.NoError(t, NewRedis(missing, "", nil).DeleteAll(ctx, "bob"))

	broken := &fakeRedis{errs: map[string]error{"FT.DROPINDEX": errors.New("connection refused")}}
	err := NewRedis(broken, "", nil).DeleteAll(ctx, "bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRedisIndexEnsureError(t *testing.T) {
	fake := &fakeRedis{errs: map[string]error{"FT.CREATE": errors.New("ERR unknown command")}}
	_, err := NewRedis(fake, "", nil).Ensure(context.Background(), "u")
	assert.Error(t, err)
}
