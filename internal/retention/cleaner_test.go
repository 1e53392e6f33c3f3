package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	live     []time.Time
	archived []time.Time

	archiveCalls int
	failPurge    error
}

func (f *fakeStore) ArchiveBefore(_ context.Context, cutoff time.Time, batch int) (int64, error) {
	f.archiveCalls++
	var moved int64
	kept := f.live[:0]
	for _, ts := range f.live {
		if ts.Before(cutoff) && moved < int64(batch) {
			f.archived = append(f.archived, ts)
			moved++
			continue
		}
		kept = append(kept, ts)
	}
	f.live = kept
	return moved, nil
}

func (f *fakeStore) PurgeArchivedBefore(_ context.Context, cutoff time.Time, batch int) (int64, error) {
	if f.failPurge != nil {
		return 0, f.failPurge
	}
	var purged int64
	kept := f.archived[:0]
	for _, ts := range f.archived {
		if ts.Before(cutoff) && purged < int64(batch) {
			purged++
			continue
		}
		kept = append(kept, ts)
	}
	f.archived = kept
	return purged, nil
}

type lockingStore struct {
	fakeStore
	held     bool
	unlocked bool
}

func (l *lockingStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if l.held {
		return nil, false, nil
	}
	return func() { l.unlocked = true }, true, nil
}

func daysAgo(now time.Time, d int) time.Time {
	return now.AddDate(0, 0, -d)
}

func newCleaner(t *testing.T, store Store, opts Options, now time.Time) *Cleaner {
	t.Helper()
	c, err := New(store, opts, nil, zerolog.Nop())
	require.NoError(t, err)
	c.clock = func() time.Time { return now }
	return c
}

func TestCleanupArchivesThenPurges(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{
		live:     []time.Time{daysAgo(now, 1), daysAgo(now, 29), daysAgo(now, 31), daysAgo(now, 45)},
		archived: []time.Time{daysAgo(now, 60), daysAgo(now, 91), daysAgo(now, 200)},
	}
	c := newCleaner(t, store, Options{ArchiveDays: 30, RetentionDays: 90, BatchSize: 10}, now)

	report, err := c.RunCleanupCycle(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 2, report.Archived)
	assert.EqualValues(t, 2, report.Purged)
	assert.Len(t, store.live, 2)
	assert.Len(t, store.archived, 3)
	assert.Equal(t, daysAgo(now, 30), report.ArchiveCutoff)
	assert.Equal(t, daysAgo(now, 90), report.PurgeCutoff)
}

func TestCleanupDrainsInBatches(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	for i := 0; i < 7; i++ {
		store.live = append(store.live, daysAgo(now, 40+i))
	}
	c := newCleaner(t, store, Options{BatchSize: 3}, now)

	report, err := c.RunCleanupCycle(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 7, report.Archived)
	assert.Equal(t, 3, store.archiveCalls)
	assert.Empty(t, store.live)
}

func TestCleanupPurgeFailure(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{live: []time.Time{daysAgo(now, 40)}, failPurge: errors.New("tx aborted")}
	c := newCleaner(t, store, Options{}, now)

	report, err := c.RunCleanupCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tx aborted")
	assert.EqualValues(t, 1, report.Archived)
}

func TestCleanupSkipsWhenLockHeld(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	store := &lockingStore{held: true}
	store.live = []time.Time{daysAgo(now, 40)}
	c := newCleaner(t, store, Options{LockKey: 42}, now)

	report, err := c.RunCleanupCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Len(t, store.live, 1)

	store.held = false
	report, err = c.RunCleanupCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.True(t, store.unlocked)
	assert.Empty(t, store.live)
}

func TestNewRejectsInvertedWindow(t *testing.T) {
	_, err := New(&fakeStore{}, Options{ArchiveDays: 90, RetentionDays: 30}, nil, zerolog.Nop())
	require.ErrorIs(t, err, ErrInvalidWindow)
}
