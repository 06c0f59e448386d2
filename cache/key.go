package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Key derives the cache key of a logical query. encoding/json writes map
// keys in sorted order, which makes the serialization canonical.
func Key(prefix string, params Params) (string, error) {
	if params == nil {
		params = Params{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("cache key for %s: %w", prefix, err)
	}
	sum := sha256.Sum256(raw)
	return prefix + ":" + hex.EncodeToString(sum[:8]), nil
}

// Domain returns the part of a prefix before the first dot.
func Domain(prefix string) string {
	d, _, _ := strings.Cut(prefix, ".")
	return d
}

func (p Params) lookup(name string) (string, bool) {
	v, ok := p[name]
	if !ok {
		return "", false
	}
	return fmt.Sprint(v), true
}

func (p Params) clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Cached returns the value cached for (prefix, params), or calls fn, caches
// its result for ttl and returns it. Errors from fn are returned and never
// cached. Cache problems fall back to calling fn.
func Cached[T any](m *Manager, prefix string, ttl time.Duration, params Params, fn func() (T, error)) (T, error) {
	if m == nil {
		return fn()
	}
	key, err := Key(prefix, params)
	if err != nil {
		m.log.Warn("cache bypassed", zap.String("prefix", prefix), zap.Error(err))
		return fn()
	}

	if v, ok := m.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
		m.log.Warn("cached value has unexpected type", zap.String("key", key), zap.String("type", fmt.Sprintf("%T", v)))
		m.Delete(key)
	}

	val, err := fn()
	if err != nil {
		return val, err
	}
	m.put(key, prefix, params.clone(), val, ttl)
	return val, nil
}
