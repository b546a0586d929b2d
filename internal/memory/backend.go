package memory

import (
	"context"
	"time"

	"github.com/mtzanidakis/kypseli/internal/store"
)

// Backend is the durable layer behind the cache. Get returns (nil, nil) when
// the entry is absent or expired at now.
type Backend interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, namespace, key string, now time.Time) (*Entry, error)
	Delete(ctx context.Context, namespace, key string) error
	Scan(ctx context.Context, namespace, prefix string, now time.Time) ([]Entry, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type sqlBackend struct {
	st *store.Store
}

// NewSQLBackend adapts the SQLite store to Backend.
func NewSQLBackend(st *store.Store) Backend {
	return &sqlBackend{st: st}
}

func fromRow(r store.MemoryRow) Entry {
	return Entry{
		Namespace:    r.Namespace,
		Key:          r.Key,
		Value:        r.Value,
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
		AccessCount:  r.AccessCount,
		LastAccessed: r.LastAccessed,
	}
}

func (b *sqlBackend) Put(ctx context.Context, e Entry) error {
	return b.st.PutEntry(ctx, store.MemoryRow{
		Namespace: e.Namespace,
		Key:       e.Key,
		Value:     e.Value,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	})
}

func (b *sqlBackend) Get(ctx context.Context, namespace, key string, now time.Time) (*Entry, error) {
	r, err := b.st.GetEntry(ctx, namespace, key, now)
	if err != nil || r == nil {
		return nil, err
	}
	e := fromRow(*r)
	return &e, nil
}

func (b *sqlBackend) Delete(ctx context.Context, namespace, key string) error {
	return b.st.DeleteEntry(ctx, namespace, key)
}

func (b *sqlBackend) Scan(ctx context.Context, namespace, prefix string, now time.Time) ([]Entry, error) {
	rows, err := b.st.ScanEntries(ctx, namespace, prefix, now)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

func (b *sqlBackend) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return b.st.PurgeExpired(ctx, now)
}
