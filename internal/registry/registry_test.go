package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/desertwitch/sitemount/internal/filesystem"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testDir struct {
	name   string
	closed atomic.Int32
}

func (d *testDir) Open(_ context.Context, _ string) (filesystem.FileLike, bool, error) {
	return nil, false, nil
}

func (d *testDir) Close() error {
	d.closed.Add(1)

	return nil
}

func (d *testDir) isClosed() bool {
	return d.closed.Load() > 0
}

func testRegistry(t *testing.T, opts *Options) *Registry {
	t.Helper()

	r, err := New(opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	return r
}

var testHandle = filesystem.Handle{Kind: filesystem.KindDirectory, Path: "site"}

// Expectation: New should reject a missing logger and apply default options.
func Test_New(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	require.ErrorIs(t, err, errMissingArgument)

	r := testRegistry(t, nil)
	require.Zero(t, r.Options.IdleTTL)
	require.Zero(t, r.Options.MaxMounts)
	require.Zero(t, r.Len())
}

// Expectation: A registered mount should be returned for its client only.
func Test_Registry_Register_Lookup_Success(t *testing.T) {
	t.Parallel()
	r := testRegistry(t, nil)

	a, b := &testDir{name: "a"}, &testDir{name: "b"}
	require.NoError(t, r.Register("client-a", testHandle, a))
	require.NoError(t, r.Register("client-b", testHandle, b))

	dir, ok := r.Lookup("client-a")
	require.True(t, ok)
	require.Same(t, a, dir)

	dir, ok = r.Lookup("client-b")
	require.True(t, ok)
	require.Same(t, b, dir)

	_, ok = r.Lookup("client-c")
	require.False(t, ok)

	_, ok = r.Lookup("")
	require.False(t, ok)

	require.Equal(t, []string{"client-a", "client-b"}, r.Clients())
	require.Equal(t, 2, r.Len())
	require.Equal(t, int64(2), r.Metrics.TotalRegistered.Load())
}

// Expectation: Register should reject missing arguments.
func Test_Registry_Register_Error(t *testing.T) {
	t.Parallel()
	r := testRegistry(t, nil)

	require.ErrorIs(t, r.Register("", testHandle, &testDir{}), errMissingArgument)
	require.ErrorIs(t, r.Register("client", testHandle, nil), errMissingArgument)
	require.Zero(t, r.Len())
}

// Expectation: Registering again should replace and close the previous mount.
func Test_Registry_Register_Replace_Success(t *testing.T) {
	t.Parallel()
	r := testRegistry(t, nil)

	first, second := &testDir{name: "first"}, &testDir{name: "second"}

	require.NoError(t, r.Register("client", testHandle, first))
	require.NoError(t, r.Register("client", testHandle, second))

	dir, ok := r.Lookup("client")
	require.True(t, ok)
	require.Same(t, second, dir)

	require.Eventually(t, first.isClosed, time.Second, 5*time.Millisecond)
	require.False(t, second.isClosed())

	require.Equal(t, 1, r.Len())
	require.Equal(t, int64(1), r.Metrics.TotalReplaced.Load())
}

// Expectation: Remove should close the mount, removing none should be a no-op.
func Test_Registry_Remove_Success(t *testing.T) {
	t.Parallel()
	r := testRegistry(t, nil)

	d := &testDir{}
	require.NoError(t, r.Register("client", testHandle, d))

	require.True(t, r.Remove("client"))
	require.Eventually(t, d.isClosed, time.Second, 5*time.Millisecond)

	_, ok := r.Lookup("client")
	require.False(t, ok)

	require.False(t, r.Remove("client"))
	require.False(t, r.Remove("never-registered"))

	require.Equal(t, int64(1), r.Metrics.TotalUnregistered.Load())
	require.Equal(t, int32(1), d.closed.Load())
}

// Expectation: Mounts should not be served after their idle lifetime.
func Test_Registry_IdleTTL_Success(t *testing.T) {
	t.Parallel()
	r := testRegistry(t, &Options{IdleTTL: 50 * time.Millisecond})

	d := &testDir{}
	require.NoError(t, r.Register("client", testHandle, d))

	require.Eventually(t, d.isClosed, 2*time.Second, 5*time.Millisecond)

	_, ok := r.Lookup("client")
	require.False(t, ok)
	require.Empty(t, r.Clients())
	require.Equal(t, int64(1), r.Metrics.TotalEvicted.Load())
}

// Expectation: Lookups should extend the idle lifetime of a mount.
func Test_Registry_IdleTTL_Touch_Success(t *testing.T) {
	t.Parallel()
	r := testRegistry(t, &Options{IdleTTL: 300 * time.Millisecond})

	d := &testDir{}
	require.NoError(t, r.Register("client", testHandle, d))

	for range 10 {
		time.Sleep(50 * time.Millisecond)
		_, ok := r.Lookup("client")
		require.True(t, ok)
	}

	require.False(t, d.isClosed())

	mounts := r.Mounts()
	require.Len(t, mounts, 1)
	require.False(t, mounts[0].ExpiresAt.IsZero())
}

// Expectation: The least recently used mount should be evicted at capacity.
func Test_Registry_MaxMounts_Success(t *testing.T) {
	t.Parallel()
	r := testRegistry(t, &Options{IdleTTL: time.Hour, MaxMounts: 2})

	a, b, c := &testDir{}, &testDir{}, &testDir{}

	require.NoError(t, r.Register("a", testHandle, a))
	require.NoError(t, r.Register("b", testHandle, b))

	_, ok := r.Lookup("a") // b is now least recently used
	require.True(t, ok)

	require.NoError(t, r.Register("c", testHandle, c))

	require.Eventually(t, b.isClosed, time.Second, 5*time.Millisecond)
	require.False(t, a.isClosed())
	require.False(t, c.isClosed())

	require.Equal(t, []string{"a", "c"}, r.Clients())
	require.Equal(t, int64(1), r.Metrics.TotalEvicted.Load())
}

// Expectation: Mounts should describe all entries, without expiry when unset.
func Test_Registry_Mounts_Success(t *testing.T) {
	t.Parallel()
	r := testRegistry(t, nil)

	require.NoError(t, r.Register("a", testHandle, &testDir{}))
	require.NoError(t, r.Register("b", filesystem.Handle{Kind: filesystem.KindFile, Path: "b.zip"}, &testDir{}))

	mounts := r.Mounts()
	require.Len(t, mounts, 2)

	require.Equal(t, "a", mounts[0].Client)
	require.Equal(t, testHandle, mounts[0].Handle)
	require.True(t, mounts[0].ExpiresAt.IsZero())

	require.Equal(t, "b", mounts[1].Client)
	require.Equal(t, filesystem.KindFile, mounts[1].Handle.Kind)
}

// Expectation: Close should close all mounts and be safe to call repeatedly.
func Test_Registry_Close_Success(t *testing.T) {
	t.Parallel()

	r, err := New(nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	dirs := []*testDir{{}, {}, {}}
	for i, d := range dirs {
		require.NoError(t, r.Register(fmt.Sprintf("client-%d", i), testHandle, d))
	}

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	for _, d := range dirs {
		require.Eventually(t, d.isClosed, time.Second, 5*time.Millisecond)
	}
	require.Zero(t, r.Len())
}

// Expectation: Concurrent clients should never see each other's mounts.
func Test_Registry_Concurrency_Success(t *testing.T) {
	t.Parallel()
	r := testRegistry(t, nil)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			client := fmt.Sprintf("client-%d", i)

			for range 20 {
				d := &testDir{name: client}
				if err := r.Register(client, testHandle, d); err != nil {
					t.Errorf("register %s: %v", client, err)

					return
				}

				dir, ok := r.Lookup(client)
				if !ok || dir.(*testDir).name != client { //nolint:forcetypeassert
					t.Errorf("lookup %s: got %v", client, dir)
				}
			}

			if !r.Remove(client) {
				t.Errorf("remove %s: not found", client)
			}
		})
	}
	wg.Wait()

	require.Zero(t, r.Len())
	require.Equal(t, int64(400), r.Metrics.TotalRegistered.Load())
	require.Equal(t, int64(380), r.Metrics.TotalReplaced.Load())
}
