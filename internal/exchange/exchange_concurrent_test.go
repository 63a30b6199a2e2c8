package exchange

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SimonWaldherr/persistitgo/internal/page"
)

// TestConcurrentTraverseDuringSplits drives one writer goroutine through
// enough Puts to force repeated B+tree splits while reader goroutines
// concurrently Traverse/Get the same tree, exercising the real
// buffer.Pool-backed claim locking (GetShared/GetExclusive) rather than
// btree_test.go's non-thread-safe memClaim/memBackend fakes — the
// "concurrent traversal vs split" scenario committed to in SPEC_FULL.md's
// test-tooling section.
func TestConcurrentTraverseDuringSplits(t *testing.T) {
	ex := openTestExchange(t)
	th := openTestVolumeTree(t, ex)
	tr, ok := ex.Trees()["v1/t1"]
	require.True(t, ok, "tree must be reachable by its exchange-assigned handle name")

	const writes = 300
	errs := make(chan error, writes+8)
	stop := make(chan struct{})

	var readers sync.WaitGroup
	for r := 0; r < 3; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				err := tr.Traverse(page.GT, nil, nil, func(key, value []byte) bool { return true })
				if err != nil {
					errs <- err
					return
				}
				if _, _, err := tr.Get([]byte("key-00000")); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		for i := 0; i < writes; i++ {
			key := []byte(fmt.Sprintf("key-%05d", i))
			if _, err := ex.Put(th, key, []byte(fmt.Sprintf("value-%d", i))); err != nil {
				errs <- err
				return
			}
			if _, _, err := tr.Get(key); err != nil {
				errs <- err
				return
			}
		}
	}()

	writer.Wait()
	close(stop)
	readers.Wait()

	select {
	case err := <-errs:
		t.Fatalf("concurrent traversal/split error: %v", err)
	default:
	}

	final := 0
	require.NoError(t, tr.Traverse(page.GT, nil, nil, func(key, value []byte) bool {
		final++
		return true
	}))
	require.Equal(t, writes, final, "every written key must survive concurrent splits and be visible in a final traversal")

	for i := 0; i < writes; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		v, ok, err := ex.Get(th, key)
		require.NoError(t, err)
		require.True(t, ok, "key %s must be retrievable after concurrent writes", key)
		require.Equal(t, fmt.Sprintf("value-%d", i), string(v))
	}
}
