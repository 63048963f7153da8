package cleanup

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szaher/designs/sessiond/internal/conversation"
	"github.com/szaher/designs/sessiond/internal/telemetry"
)

// fakeResource holds a set of users that own something. DeleteAll
// tolerates absence like every real backend.
type fakeResource struct {
	mu      sync.Mutex
	users   map[string]bool
	calls   atomic.Int32
	err     error
	panics  bool
	block   chan struct{}
	discard []conversation.Handle
}

func newFakeResource(users ...string) *fakeResource {
	f := &fakeResource{users: make(map[string]bool)}
	for _, u := range users {
		f.users[u] = true
	}
	return f
}

func (f *fakeResource) DeleteAll(_ context.Context, userID string) error {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.panics {
		panic("backend exploded")
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, userID)
	return nil
}

func (f *fakeResource) Discard(ctx context.Context, h conversation.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discard = append(f.discard, h)
	return nil
}

func (f *fakeResource) has(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[userID]
}

func TestCleanupDeletesEverything(t *testing.T) {
	files, index, conv := newFakeResource("alice", "bob"), newFakeResource("alice"), newFakeResource("alice")
	c := New(files, index, conv)

	report := c.CleanupReport(context.Background(), "alice")
	assert.True(t, report.OK())
	assert.Equal(t, "alice", report.UserID)
	assert.False(t, files.has("alice"))
	assert.False(t, index.has("alice"))
	assert.False(t, conv.has("alice"))
	assert.True(t, files.has("bob"))
}

func TestCleanupKeepsConversationHistory(t *testing.T) {
	files, index, conv := newFakeResource("alice"), newFakeResource("alice"), newFakeResource("alice")
	c := New(files, index, conv)

	c.Cleanup(context.Background(), "alice")
	assert.False(t, files.has("alice"))
	assert.False(t, index.has("alice"))
	assert.True(t, conv.has("alice"), "expired threads are discarded by handle, not per user")
	assert.Zero(t, conv.calls.Load())
}

func TestExpiryAndDeleteAreNotCoalesced(t *testing.T) {
	files, conv := newFakeResource("alice"), newFakeResource("alice")
	files.block = make(chan struct{})
	c := New(files, nil, conv)

	done := make(chan struct{})
	go func() {
		c.Cleanup(context.Background(), "alice")
		close(done)
	}()
	require.Eventually(t, func() bool { return files.calls.Load() == 1 }, time.Second, time.Millisecond)

	reportCh := make(chan Report, 1)
	go func() { reportCh <- c.CleanupReport(context.Background(), "alice") }()
	require.Eventually(t, func() bool { return files.calls.Load() == 2 }, time.Second, time.Millisecond)
	close(files.block)
	<-done

	report := <-reportCh
	assert.False(t, report.Shared)
	assert.False(t, conv.has("alice"), "an explicit delete always wipes history")
}

func TestCleanupIsolatesFailures(t *testing.T) {
	files := newFakeResource("alice")
	files.err = errors.New("disk full")
	index := newFakeResource("alice")
	index.panics = true
	conv := newFakeResource("alice")

	metrics := telemetry.NewMetrics(nil)
	c := New(files, index, conv, WithMetrics(metrics))
	report := c.CleanupReport(context.Background(), "alice")

	require.Len(t, report.Failures, 2)
	assert.Equal(t, Files, report.Failures[0].Collaborator)
	assert.Equal(t, "alice", report.Failures[0].UserID)
	assert.ErrorContains(t, report.Failures[0], "disk full")
	assert.Equal(t, SearchIndex, report.Failures[1].Collaborator)
	assert.ErrorContains(t, report.Failures[1], "panic")
	assert.False(t, conv.has("alice"), "later collaborators still run")

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `sessiond_cleanup_failures_total{collaborator="files"} 1`)
	assert.Contains(t, rec.Body.String(), `sessiond_cleanup_failures_total{collaborator="search_index"} 1`)
}

func TestCleanupTimeout(t *testing.T) {
	index := newFakeResource("alice")
	index.block = make(chan struct{})
	defer close(index.block)
	conv := newFakeResource("alice")

	c := New(nil, index, conv, WithTimeout(20*time.Millisecond))
	report := c.CleanupReport(context.Background(), "alice")

	require.Len(t, report.Failures, 1)
	assert.Equal(t, SearchIndex, report.Failures[0].Collaborator)
	assert.ErrorIs(t, report.Failures[0], context.DeadlineExceeded)
	assert.False(t, conv.has("alice"))
}

func TestCleanupIgnoresCallerCancellation(t *testing.T) {
	files := newFakeResource("alice")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := New(files, nil, nil).CleanupReport(ctx, "alice")
	assert.True(t, report.OK())
	assert.False(t, files.has("alice"))
}

func TestCleanupTwiceSequentially(t *testing.T) {
	files, index, conv := newFakeResource("alice"), newFakeResource("alice"), newFakeResource("alice")
	c := New(files, index, conv)

	assert.True(t, c.CleanupReport(context.Background(), "alice").OK())
	assert.True(t, c.CleanupReport(context.Background(), "alice").OK())
	assert.Equal(t, int32(2), files.calls.Load())
}

func TestConcurrentCleanupSameUser(t *testing.T) {
	files, index, conv := newFakeResource("alice"), newFakeResource("alice"), newFakeResource("alice")
	files.block = make(chan struct{})
	c := New(files, index, conv)

	var wg sync.WaitGroup
	reports := make([]Report, 2)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i] = c.CleanupReport(context.Background(), "alice")
		}(i)
	}
	require.Eventually(t, func() bool { return files.calls.Load() >= 1 }, time.Second, time.Millisecond)
	close(files.block)
	wg.Wait()

	for _, r := range reports {
		assert.True(t, r.OK())
	}
	assert.False(t, files.has("alice"))
	assert.False(t, index.has("alice"))
	assert.False(t, conv.has("alice"))
	assert.LessOrEqual(t, files.calls.Load(), int32(2))
}

func TestDiscardHandles(t *testing.T) {
	conv := newFakeResource()
	c := New(nil, nil, conv)
	handles := []conversation.Handle{
		conversation.NewHandle("a"),
		conversation.NewHandle("b"),
	}

	assert.Equal(t, 2, c.DiscardHandles(context.Background(), handles))
	assert.Equal(t, handles, conv.discard)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 2, c.DiscardHandles(ctx, handles), "shutdown must not orphan retired threads")

	conv.err = errors.New("locked")
	assert.Zero(t, c.DiscardHandles(context.Background(), handles))
	assert.Zero(t, New(nil, nil, nil).DiscardHandles(context.Background(), handles))
}

func TestFailureUnwrap(t *testing.T) {
	base := errors.New("boom")
	f := &Failure{Collaborator: Files, UserID: "u", Err: base}
	assert.ErrorIs(t, f, base)
	assert.Equal(t, "cleanup files for u: boom", f.Error())
}
