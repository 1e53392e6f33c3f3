package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"oracle-consensus/internal/verification"
)

// MemoryStore keeps results in process. It backs one-shot CLI runs without a
// database and the service tests.
type MemoryStore struct {
	mu       sync.RWMutex
	live     map[string]*verification.Result
	archived map[string]*verification.Result
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		live:     make(map[string]*verification.Result),
		archived: make(map[string]*verification.Result),
	}
}

func clone(r *verification.Result) *verification.Result {
	cp := *r
	cp.Quotes = append(cp.Quotes[:0:0], r.Quotes...)
	for i := range cp.Quotes {
		cp.Quotes[i].Signature = bytes.Clone(cp.Quotes[i].Signature)
	}
	cp.Outliers = append(cp.Outliers[:0:0], r.Outliers...)
	if len(cp.Quotes) == 0 {
		cp.Quotes = nil
	}
	if len(cp.Outliers) == 0 {
		cp.Outliers = nil
	}
	return &cp
}

// SaveResult appends a result. Existing ids are never overwritten.
func (m *MemoryStore) SaveResult(_ context.Context, r *verification.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[r.VerificationID]; ok {
		return fmt.Errorf("duplicate verification id %s", r.VerificationID)
	}
	if _, ok := m.archived[r.VerificationID]; ok {
		return fmt.Errorf("duplicate verification id %s", r.VerificationID)
	}
	m.live[r.VerificationID] = clone(r)
	return nil
}

// GetResult returns a copy of a live or archived result.
func (m *MemoryStore) GetResult(_ context.Context, verificationID string) (*verification.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.live[verificationID]; ok {
		return clone(r), nil
	}
	if r, ok := m.archived[verificationID]; ok {
		return clone(r), nil
	}
	return nil, fmt.Errorf("%w: %s", verification.ErrNotFound, verificationID)
}

func (m *MemoryStore) collect(match func(*verification.Result) bool) []*verification.Result {
	var out []*verification.Result
	for _, tier := range []map[string]*verification.Result{m.live, m.archived} {
		for _, r := range tier {
			if match(r) {
				out = append(out, clone(r))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].VerificationID < out[j].VerificationID
	})
	return out
}

// ListHistory lists an asset's results newest first across both tiers.
func (m *MemoryStore) ListHistory(_ context.Context, assetID string, limit int) ([]*verification.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.collect(func(r *verification.Result) bool { return r.AssetID == assetID })
	out := make([]*verification.Result, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// ListBetween lists an asset's results in [from, to) oldest first.
func (m *MemoryStore) ListBetween(_ context.Context, assetID string, from, to time.Time, limit int) ([]*verification.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.collect(func(r *verification.Result) bool {
		return r.AssetID == assetID && !r.CreatedAt.Before(from) && r.CreatedAt.Before(to)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ArchiveBefore moves up to batch live results created before cutoff.
func (m *MemoryStore) ArchiveBefore(_ context.Context, cutoff time.Time, batch int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var moved int64
	for _, id := range oldest(m.live, cutoff, batch) {
		m.archived[id] = m.live[id]
		delete(m.live, id)
		moved++
	}
	return moved, nil
}

// PurgeArchivedBefore deletes up to batch archived results created before cutoff.
func (m *MemoryStore) PurgeArchivedBefore(_ context.Context, cutoff time.Time, batch int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for _, id := range oldest(m.archived, cutoff, batch) {
		delete(m.archived, id)
		purged++
	}
	return purged, nil
}

// CountResults returns row counts for the live and archive tiers.
func (m *MemoryStore) CountResults(context.Context) (live, archived int64, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.live)), int64(len(m.archived)), nil
}

func oldest(tier map[string]*verification.Result, cutoff time.Time, batch int) []string {
	var ids []string
	for id, r := range tier {
		if r.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := tier[ids[i]], tier[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return ids[i] < ids[j]
	})
	if len(ids) > batch {
		ids = ids[:batch]
	}
	return ids
}

var _ verification.Store = (*MemoryStore)(nil)
