package kvstore

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBucket_SetGetDeleteExists(t *testing.T) {
	s := openTestStore(t)
	b, err := s.Namespace("svc-a").Open("table1")
	require.NoError(t, err)

	_, err = b.Get("missing")
	require.Error(t, err)

	require.NoError(t, b.Set("k1", []byte("v1")))
	v, err := b.Get("k1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	exists, err := b.Exists("k1")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, b.Delete("k1"))
	exists, err = b.Exists("k1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestBucket_NamespacesAreIsolated(t *testing.T) {
	s := openTestStore(t)
	a, err := s.Namespace("svc-a").Open("t")
	require.NoError(t, err)
	b, err := s.Namespace("svc-b").Open("t")
	require.NoError(t, err)

	require.NoError(t, a.Set("k", []byte("from-a")))
	_, err = b.Get("k")
	require.Error(t, err, "svc-b must not see svc-a's keys")
}

func TestBucket_ListKeys_AscendingAndResumable(t *testing.T) {
	s := openTestStore(t)
	b, err := s.Namespace("svc-a").Open("t")
	require.NoError(t, err)
	for _, k := range []string{"c", "a", "b", "e", "d"} {
		require.NoError(t, b.Set(k, []byte("x")))
	}

	page1, err := b.ListKeys(nil, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, page1.Keys)
	require.NotNil(t, page1.Cursor)

	page2, err := b.ListKeys(page1.Cursor, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "d"}, page2.Keys)

	page3, err := b.ListKeys(page2.Cursor, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"e"}, page3.Keys)
	require.Nil(t, page3.Cursor)
}

func TestBucket_CompareAndSwap(t *testing.T) {
	s := openTestStore(t)
	b, err := s.Namespace("svc-a").Open("t")
	require.NoError(t, err)

	require.NoError(t, b.CompareAndSwap("k", nil, []byte("v1")))
	require.Error(t, b.CompareAndSwap("k", nil, []byte("v2")), "expected absent but key now exists")
	require.NoError(t, b.CompareAndSwap("k", []byte("v1"), []byte("v2")))

	v, err := b.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
}

func TestBucket_BatchReadWriteDelete(t *testing.T) {
	s := openTestStore(t)
	b, err := s.Namespace("svc-a").Open("t")
	require.NoError(t, err)

	require.NoError(t, b.BatchWrite(map[string][]byte{"a": []byte("1"), "b": []byte("2")}))
	got, err := b.BatchRead([]string{"a", "b", "missing"})
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, got)

	require.NoError(t, b.BatchDelete([]string{"a"}))
	exists, err := b.Exists("a")
	require.NoError(t, err)
	require.False(t, exists)
}

// TestBucket_Increment_ConcurrentNoSkipOrRepeat is testable property 10:
// atomic_increment(k, delta) under 1000 concurrent invocations returns
// initial+delta..initial+1000*delta in some order, with no value skipped
// or repeated.
func TestBucket_Increment_ConcurrentNoSkipOrRepeat(t *testing.T) {
	s := openTestStore(t)
	b, err := s.Namespace("svc-a").Open("counters")
	require.NoError(t, err)

	const n = 1000
	const delta = int64(3)
	results := make([]int64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			v, err := b.Increment("seq", delta)
			require.NoError(t, err)
			results[i] = v
		}()
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for _, v := range results {
		require.False(t, seen[v], "value %d repeated", v)
		seen[v] = true
	}
	for i := 1; i <= n; i++ {
		require.True(t, seen[int64(i)*delta], "value %d missing from result sequence", int64(i)*delta)
	}
}
