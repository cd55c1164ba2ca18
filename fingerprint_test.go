package quickquiz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkFingerprint(hash string) Fingerprint {
	return Fingerprint{
		ContentHash: hash,
		Operation:   "chunk",
		Params:      map[string]string{"target": "1000", "overlap": "150"},
	}
}

func TestFingerprintKey(t *testing.T) {
	fp := chunkFingerprint("abc")
	reordered := Fingerprint{
		ContentHash: "abc",
		Operation:   "chunk",
		Params:      map[string]string{"overlap": "150", "target": "1000"},
	}
	assert.Equal(t, fp.Key("v1"), reordered.Key("v1"))
	assert.Len(t, fp.Key("v1"), 64)

	assert.NotEqual(t, fp.Key("v1"), fp.Key("v2"))

	changedParam := chunkFingerprint("abc")
	changedParam.Params = map[string]string{"target": "500", "overlap": "150"}
	assert.NotEqual(t, fp.Key("v1"), changedParam.Key("v1"))

	changedOp := chunkFingerprint("abc")
	changedOp.Operation = "generate"
	assert.NotEqual(t, fp.Key("v1"), changedOp.Key("v1"))

	assert.NotEqual(t, fp.Key("v1"), chunkFingerprint("def").Key("v1"))
}

func TestFingerprintCacheComputesOnceUnderConcurrency(t *testing.T) {
	fc := NewFingerprintCache(NewMemoryCache(), "v1", time.Minute, nil)
	fp := chunkFingerprint("hash-1")

	var computes int32
	results := make([][]byte, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := fc.Do(context.Background(), fp, func(ctx context.Context) ([]byte, error) {
				atomic.AddInt32(&computes, 1)
				time.Sleep(50 * time.Millisecond)
				return []byte(`"artifact"`), nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&computes))
	for _, r := range results {
		assert.Equal(t, `"artifact"`, string(r))
	}
}

func TestFingerprintCacheHit(t *testing.T) {
	backend := NewMemoryCache()
	fc := NewFingerprintCache(backend, "v1", time.Minute, nil)
	fp := chunkFingerprint("hash-1")

	computes := 0
	compute := func(ctx context.Context) ([]byte, error) {
		computes++
		return []byte(`{"n":1}`), nil
	}

	v, fromCache, err := fc.Do(context.Background(), fp, compute)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, `{"n":1}`, string(v))
	assert.Equal(t, 1, computes)

	v, fromCache, err = fc.Do(context.Background(), fp, compute)
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, `{"n":1}`, string(v))
	assert.Equal(t, 1, computes)

	// a different fingerprint is its own entry
	_, fromCache, err = fc.Do(context.Background(), chunkFingerprint("hash-2"), compute)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, 2, computes)

	// a version bump invalidates everything in the shared backend
	fc2 := NewFingerprintCache(backend, "v2", time.Minute, nil)
	_, fromCache, err = fc2.Do(context.Background(), fp, compute)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, 3, computes)
}

func TestFingerprintCacheExpiry(t *testing.T) {
	backend := NewMemoryCache()
	current := time.Now()
	backend.now = func() time.Time { return current }
	fc := NewFingerprintCache(backend, "v1", time.Minute, nil)
	fp := chunkFingerprint("hash-1")

	computes := 0
	compute := func(ctx context.Context) ([]byte, error) {
		computes++
		return []byte(`"x"`), nil
	}

	_, _, err := fc.Do(context.Background(), fp, compute)
	require.NoError(t, err)
	_, fromCache, err := fc.Do(context.Background(), fp, compute)
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, 1, computes)

	current = current.Add(2 * time.Minute)
	_, fromCache, err = fc.Do(context.Background(), fp, compute)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, 2, computes)
}

func TestFingerprintCacheNegativeCachesContentFailures(t *testing.T) {
	fc := NewFingerprintCache(NewMemoryCache(), "v1", time.Minute, nil)
	fp := chunkFingerprint("hash-1")

	computes := 0
	compute := func(ctx context.Context) ([]byte, error) {
		computes++
		return nil, fmt.Errorf("%w: only 3 words", ErrInsufficientContent)
	}

	_, _, err := fc.Do(context.Background(), fp, compute)
	assert.ErrorIs(t, err, ErrInsufficientContent)
	assert.Equal(t, 1, computes)

	// deterministic content failures are served from cache, not recomputed
	_, _, err = fc.Do(context.Background(), fp, compute)
	assert.ErrorIs(t, err, ErrInsufficientContent)
	assert.Equal(t, 1, computes)
}

func TestFingerprintCacheTransientFailuresNotCached(t *testing.T) {
	fc := NewFingerprintCache(NewMemoryCache(), "v1", time.Minute, nil)
	fp := chunkFingerprint("hash-1")

	computes := 0
	compute := func(ctx context.Context) ([]byte, error) {
		computes++
		return nil, errors.New("upstream down")
	}

	_, _, err := fc.Do(context.Background(), fp, compute)
	assert.Error(t, err)
	_, _, err = fc.Do(context.Background(), fp, compute)
	assert.Error(t, err)
	assert.Equal(t, 2, computes)
}

// brokenBackend fails every operation, simulating a dead redis.
type brokenBackend struct{}

func (brokenBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("backend down")
}

func (brokenBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("backend down")
}

func (brokenBackend) Delete(context.Context, string) error {
	return errors.New("backend down")
}

func TestFingerprintCacheDegradesWithoutBackend(t *testing.T) {
	fc := NewFingerprintCache(brokenBackend{}, "v1", time.Minute, nil)
	fp := chunkFingerprint("hash-1")

	computes := 0
	compute := func(ctx context.Context) ([]byte, error) {
		computes++
		return []byte(`"ok"`), nil
	}

	for i := 0; i < 2; i++ {
		v, fromCache, err := fc.Do(context.Background(), fp, compute)
		require.NoError(t, err)
		assert.False(t, fromCache)
		assert.Equal(t, `"ok"`, string(v))
	}
	assert.Equal(t, 2, computes)
}

func TestFingerprintCacheInvalidate(t *testing.T) {
	fc := NewFingerprintCache(NewMemoryCache(), "v1", time.Minute, nil)
	fp := chunkFingerprint("hash-1")

	computes := 0
	compute := func(ctx context.Context) ([]byte, error) {
		computes++
		return []byte(`"x"`), nil
	}

	_, _, err := fc.Do(context.Background(), fp, compute)
	require.NoError(t, err)
	require.NoError(t, fc.Invalidate(context.Background(), fp))

	_, fromCache, err := fc.Do(context.Background(), fp, compute)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, 2, computes)
}
