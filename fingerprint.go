package quickquiz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Fingerprint identifies a derived artifact by the inputs that determine
// it: the source content hash, the operation kind, and the operation
// parameters.
type Fingerprint struct {
	ContentHash string
	Operation   string
	Params      map[string]string
}

// Key returns the stable cache key: a SHA-256 over the version component,
// operation, content hash, and parameters in sorted-key order, so
// semantically equal fingerprints hash identically regardless of how the
// parameter map was built.
func (f Fingerprint) Key(version string) string {
	h := sha256.New()
	fmt.Fprintf(h, "v=%s;op=%s;content=%s", version, f.Operation, f.ContentHash)

	keys := make([]string, 0, len(f.Params))
	for k := range f.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, ";%s=%s", k, f.Params[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// cacheEnvelope is what actually lands in the backend: either an artifact
// or an explicitly cacheable failure.
type cacheEnvelope struct {
	Value   json.RawMessage `json:"value,omitempty"`
	ErrKind string          `json:"err_kind,omitempty"`
	ErrMsg  string          `json:"err_msg,omitempty"`
}

const errKindInsufficientContent = "insufficient_content"

// FingerprintCache guarantees at most one in-flight computation per
// fingerprint and caches results in a pluggable backend. Failed
// computations are not cached unless explicitly cacheable, so a later
// caller retries the underlying operation instead of inheriting a
// deduplicated failure.
type FingerprintCache struct {
	backend CacheBackend
	group   singleflight.Group
	ttl     time.Duration
	version string
	log     *zap.SugaredLogger
}

// NewFingerprintCache wraps a backend. The version component invalidates
// every existing entry when the producing logic changes.
func NewFingerprintCache(backend CacheBackend, version string, ttl time.Duration, log *zap.SugaredLogger) *FingerprintCache {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if backend == nil {
		backend = NewMemoryCache()
	}
	if version == "" {
		version = "v1"
	}
	return &FingerprintCache{
		backend: backend,
		ttl:     ttl,
		version: version,
		log:     log,
	}
}

type flightResult struct {
	value     []byte
	fromCache bool
}

// Do returns the cached artifact for fp, or computes it exactly once even
// under concurrent callers for the same fingerprint. fromCache reports
// whether a backend hit served the result. A degraded backend downgrades
// to computing without caching rather than failing the operation.
func (fc *FingerprintCache) Do(ctx context.Context, fp Fingerprint, compute func(ctx context.Context) ([]byte, error)) (value []byte, fromCache bool, err error) {
	key := fp.Key(fc.version)

	v, err, _ := fc.group.Do(key, func() (interface{}, error) {
		raw, ok, gerr := fc.backend.Get(ctx, key)
		if gerr != nil {
			fc.log.Warnw("cache get failed, computing without cache", "key", key[:12], "error", gerr)
		} else if ok {
			var env cacheEnvelope
			if jerr := json.Unmarshal(raw, &env); jerr == nil {
				if env.ErrKind != "" {
					return flightResult{}, decodeCachedFailure(env)
				}
				return flightResult{value: env.Value, fromCache: true}, nil
			}
			fc.log.Warnw("corrupt cache entry, recomputing", "key", key[:12])
		}

		out, cerr := compute(ctx)
		if cerr != nil {
			if kind, cacheable := cacheableFailure(cerr); cacheable {
				fc.storeEnvelope(ctx, key, cacheEnvelope{ErrKind: kind, ErrMsg: cerr.Error()})
			}
			return flightResult{}, cerr
		}

		fc.storeEnvelope(ctx, key, cacheEnvelope{Value: out})
		return flightResult{value: out}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(flightResult)
	return r.value, r.fromCache, nil
}

// Invalidate drops the entry for fp.
func (fc *FingerprintCache) Invalidate(ctx context.Context, fp Fingerprint) error {
	return fc.backend.Delete(ctx, fp.Key(fc.version))
}

// storeEnvelope writes best-effort: a failed write degrades the cache, not
// the computation.
func (fc *FingerprintCache) storeEnvelope(ctx context.Context, key string, env cacheEnvelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		fc.log.Warnw("cache envelope marshal failed", "key", key[:12], "error", err)
		return
	}
	if err := fc.backend.Set(ctx, key, raw, fc.ttl); err != nil {
		fc.log.Warnw("cache set failed", "key", key[:12], "error", err)
	}
}

// cacheableFailure reports whether a computation failure may be cached.
// Only deterministic content problems qualify; transient failures must stay
// uncached so the next caller retries.
func cacheableFailure(err error) (string, bool) {
	if errors.Is(err, ErrInsufficientContent) {
		return errKindInsufficientContent, true
	}
	return "", false
}

func decodeCachedFailure(env cacheEnvelope) error {
	switch env.ErrKind {
	case errKindInsufficientContent:
		return fmt.Errorf("%w: cached: %s", ErrInsufficientContent, env.ErrMsg)
	default:
		return fmt.Errorf("cached failure (%s): %s", env.ErrKind, env.ErrMsg)
	}
}
