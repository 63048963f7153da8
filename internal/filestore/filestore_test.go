package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, "../etc", "x\x00y"} {
		assert.ErrorIs(t, ValidateName(bad), ErrInvalidName, "name %q", bad)
	}
	for _, good := range []string{"report.pdf", "user-123", ".hidden", "a b"} {
		assert.NoError(t, ValidateName(good), "name %q", good)
	}
}

// storeContract covers the behavior shared by every backend.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.DeleteAll(ctx, "alice"), "deleting nothing succeeds")

	require.NoError(t, s.Put(ctx, "alice", "notes.txt", strings.NewReader("hello")))
	require.NoError(t, s.Put(ctx, "alice", "cv.pdf", strings.NewReader("%PDF")))
	require.NoError(t, s.Put(ctx, "bob", "b.txt", strings.NewReader("bob")))

	names, err := s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"cv.pdf", "notes.txt"}, names)

	found, err := s.Delete(ctx, "alice", "cv.pdf")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.Delete(ctx, "alice", "cv.pdf")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.DeleteAll(ctx, "alice"))
	require.NoError(t, s.DeleteAll(ctx, "alice"))

	names, err = s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, names)

	names, err = s.List(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt"}, names)

	assert.ErrorIs(t, s.Put(ctx, "../bob", "x", strings.NewReader("")), ErrInvalidName)
	assert.ErrorIs(t, s.DeleteAll(ctx, ".."), ErrInvalidName)
	_, err = s.Delete(ctx, "bob", "../b.txt")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestLocalStore(t *testing.T) {
	storeContract(t, NewLocal(t.TempDir(), nil))
}

func TestLocalDeleteRemovesEmptyDir(t *testing.T) {
	root := t.TempDir()
	l := NewLocal(root, nil)
	ctx := context.Background()

	require.NoError(t, l.Put(ctx, "u", "a.txt", strings.NewReader("a")))
	data, err := os.ReadFile(filepath.Join(root, "u", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	_, err = l.Delete(ctx, "u", "a.txt")
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "u"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLocalConcurrentDeleteAll(t *testing.T) {
	l := NewLocal(t.TempDir(), nil)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, l.Put(ctx, "u", fmt.Sprintf("f%d", i), strings.NewReader("x")))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.DeleteAll(ctx, "u"))
		}()
	}
	wg.Wait()

	names, err := l.List(ctx, "u")
	require.NoError(t, err)
	assert.Empty(t, names)
}

// fakeS3 is an in-memory bucket that pages listings pageSize keys at a time.
type fakeS3 struct {
	mu          sync.Mutex
	objects     map[string][]byte
	pageSize    int
	deleteCalls int
	listErr     error
}

func newFakeS3(pageSize int) *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), pageSize: pageSize}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := min(start+f.pageSize, len(keys))
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	for _, id := range in.Delete.Objects {
		delete(f.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func TestS3Store(t *testing.T) {
	storeContract(t, NewS3(newFakeS3(1000), "bucket", "users", nil))
}

func TestS3DeleteAllPaginates(t *testing.T) {
	fake := newFakeS3(2)
	s := NewS3(fake, "bucket", "users/", nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, "u", fmt.Sprintf("f%d", i), strings.NewReader("x")))
	}
	require.NoError(t, s.Put(ctx, "u2", "keep", strings.NewReader("x")))

	names, err := s.List(ctx, "u")
	require.NoError(t, err)
	assert.Len(t, names, 5)

	require.NoError(t, s.DeleteAll(ctx, "u"))
	assert.Equal(t, 1, fake.deleteCalls)
	assert.Len(t, fake.objects, 1)
	_, kept := fake.objects["users/u2/keep"]
	assert.True(t, kept)
}

func TestS3ListError(t *testing.T) {
	fake := newFakeS3(10)
	fake.listErr = errors.New("access denied")
	err := NewS3(fake, "bucket", "", nil).DeleteAll(context.Background(), "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}
