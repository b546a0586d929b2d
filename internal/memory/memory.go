// Package memory is a namespaced key/value store with TTL expiry. Reads hit
// an in-process cache first and fall back to a durable Backend.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/kypseli/internal/errdefs"
)

// Entry is one stored value. Value holds the JSON encoding.
type Entry struct {
	Namespace    string          `json:"namespace"`
	Key          string          `json:"key"`
	Value        json.RawMessage `json:"value"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	AccessCount  int64           `json:"access_count"`
	LastAccessed *time.Time      `json:"last_accessed,omitempty"`
}

func (e *Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

type Option func(*Store)

// WithBackend sets the durable layer. Without one the store is cache only.
func WithBackend(b Backend) Option {
	return func(s *Store) { s.backend = b }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSealer seals values before they reach the backend.
func WithSealer(sl *Sealer) Option {
	return func(s *Store) { s.sealer = sl }
}

func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// Store is safe for concurrent use. Writes to the same key are
// last-write-wins; there are no cross-key transactions.
type Store struct {
	mu    sync.RWMutex
	cache map[string]map[string]*Entry

	backend       Backend
	sealer        *Sealer
	now           func() time.Time
	sweepInterval time.Duration
}

func New(opts ...Option) *Store {
	s := &Store{
		cache:         make(map[string]map[string]*Entry),
		now:           time.Now,
		sweepInterval: time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Store writes value under namespace/key. A ttl <= 0 never expires.
func (s *Store) Store(ctx context.Context, namespace, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}

	now := s.now()
	e := &Entry{
		Namespace: namespace,
		Key:       key,
		Value:     data,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		e.ExpiresAt = &exp
	}

	if s.backend != nil {
		persisted := *e
		if s.sealer != nil {
			sealed, err := s.sealer.Seal(data)
			if err != nil {
				return fmt.Errorf("seal value: %w", err)
			}
			persisted.Value = sealed
		}
		if err := s.backend.Put(ctx, persisted); err != nil {
			return fmt.Errorf("persist %s/%s: %w: %w", namespace, key, errdefs.ErrStorageUnavailable, err)
		}
	}

	s.mu.Lock()
	s.bucket(namespace)[key] = e
	s.mu.Unlock()
	return nil
}

// bucket returns the cache map for namespace. Caller holds s.mu for writing.
func (s *Store) bucket(namespace string) map[string]*Entry {
	b, ok := s.cache[namespace]
	if !ok {
		b = make(map[string]*Entry)
		s.cache[namespace] = b
	}
	return b
}

// RetrieveRaw returns the JSON encoding stored under namespace/key.
// Backend read failures are logged and reported as absent.
func (s *Store) RetrieveRaw(ctx context.Context, namespace, key string) (json.RawMessage, bool, error) {
	now := s.now()

	s.mu.Lock()
	if e, ok := s.cache[namespace][key]; ok {
		if e.expired(now) {
			delete(s.cache[namespace], key)
			s.mu.Unlock()
			return nil, false, nil
		}
		e.AccessCount++
		e.LastAccessed = &now
		v := e.Value
		s.mu.Unlock()
		return v, true, nil
	}
	s.mu.Unlock()

	if s.backend == nil {
		return nil, false, nil
	}

	e, err := s.backend.Get(ctx, namespace, key, now)
	if err != nil {
		slog.Warn("memory backend read failed, serving from cache",
			"namespace", namespace, "key", key, "error", err)
		return nil, false, nil
	}
	if e == nil || e.expired(now) {
		return nil, false, nil
	}
	if err := s.open(e); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	// A concurrent Store may have landed while the backend was read; keep it.
	if cur, ok := s.cache[namespace][key]; ok {
		e = cur
	} else {
		s.bucket(namespace)[key] = e
	}
	v := e.Value
	s.mu.Unlock()
	return v, true, nil
}

// Retrieve decodes the value under namespace/key into dst and reports
// whether it was present.
func (s *Store) Retrieve(ctx context.Context, namespace, key string, dst any) (bool, error) {
	raw, ok, err := s.RetrieveRaw(ctx, namespace, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", namespace, key, err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	s.mu.Lock()
	delete(s.cache[namespace], key)
	s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.Delete(ctx, namespace, key); err != nil {
			return fmt.Errorf("delete %s/%s: %w: %w", namespace, key, errdefs.ErrStorageUnavailable, err)
		}
	}
	return nil
}

// Search returns the live entries of namespace whose key matches the glob
// pattern (see path.Match), ordered by key.
func (s *Store) Search(ctx context.Context, namespace, pattern string) ([]Entry, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("search pattern %q: %w", pattern, err)
	}
	prefix := pattern
	if i := strings.IndexAny(pattern, `*?[\`); i >= 0 {
		prefix = pattern[:i]
	}

	all := s.collect(ctx, namespace, prefix)
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if ok, _ := path.Match(pattern, e.Key); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Keys lists the live keys of namespace in order.
func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	all := s.collect(ctx, namespace, "")
	keys := make([]string, 0, len(all))
	for _, e := range all {
		keys = append(keys, e.Key)
	}
	return keys, nil
}

// collect merges live backend and cache entries under prefix. Cached entries
// win since they are written through.
func (s *Store) collect(ctx context.Context, namespace, prefix string) []Entry {
	now := s.now()
	merged := make(map[string]Entry)

	if s.backend != nil {
		rows, err := s.backend.Scan(ctx, namespace, prefix, now)
		if err != nil {
			slog.Warn("memory backend scan failed, using cache only",
				"namespace", namespace, "prefix", prefix, "error", err)
		}
		for i := range rows {
			e := rows[i]
			if e.expired(now) {
				continue
			}
			if err := s.open(&e); err != nil {
				slog.Warn("skip unreadable memory entry", "namespace", namespace, "key", e.Key, "error", err)
				continue
			}
			merged[e.Key] = e
		}
	}

	s.mu.RLock()
	for k, e := range s.cache[namespace] {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			merged[k] = *e
		}
	}
	s.mu.RUnlock()

	out := make([]Entry, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *Store) open(e *Entry) error {
	if s.sealer == nil {
		return nil
	}
	plain, err := s.sealer.Open(e.Value)
	if err != nil {
		return fmt.Errorf("open %s/%s: %w", e.Namespace, e.Key, err)
	}
	e.Value = plain
	return nil
}

// Run sweeps expired entries from both layers until ctx is cancelled.
// Reads check expiry themselves, so the sweep only reclaims space.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep purges expired entries once and returns how many cached entries
// were dropped.
func (s *Store) Sweep(ctx context.Context) int {
	now := s.now()

	dropped := 0
	s.mu.Lock()
	for ns, b := range s.cache {
		for k, e := range b {
			if e.expired(now) {
				delete(b, k)
				dropped++
			}
		}
		if len(b) == 0 {
			delete(s.cache, ns)
		}
	}
	s.mu.Unlock()

	if s.backend != nil {
		n, err := s.backend.PurgeExpired(ctx, now)
		if err != nil {
			slog.Warn("memory sweep failed", "error", err)
		} else if n > 0 || dropped > 0 {
			slog.Debug("memory sweep", "cache_dropped", dropped, "backend_purged", n)
		}
	}
	return dropped
}
