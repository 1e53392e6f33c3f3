package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"oracle-consensus/internal/verification"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

var (
	insertResultSQL = `INSERT INTO verification_results (
        ` + insertColumns + `
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21
    );`

	getResultSQL = `SELECT ` + selectColumns + `
    FROM verification_results
    WHERE verification_id = $1::uuid
    UNION ALL
    SELECT ` + selectColumns + `
    FROM verification_results_archive
    WHERE verification_id = $1::uuid
    LIMIT 1;`

	listHistorySQL = `SELECT * FROM (
        SELECT ` + selectColumns + `
        FROM verification_results
        WHERE asset_id = $1
        UNION ALL
        SELECT ` + selectColumns + `
        FROM verification_results_archive
        WHERE asset_id = $1
    ) h
    ORDER BY created_at DESC, verification_id DESC
    LIMIT $2;`

	listBetweenSQL = `SELECT * FROM (
        SELECT ` + selectColumns + `
        FROM verification_results
        WHERE asset_id = $1 AND created_at >= $2 AND created_at < $3
        UNION ALL
        SELECT ` + selectColumns + `
        FROM verification_results_archive
        WHERE asset_id = $1 AND created_at >= $2 AND created_at < $3
    ) h
    ORDER BY created_at, verification_id
    LIMIT NULLIF($4::bigint, 0);`

	selectArchiveBatchSQL = `SELECT verification_id::text
    FROM verification_results
    WHERE created_at < $1
    ORDER BY created_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED;`

	copyToArchiveSQL = `INSERT INTO verification_results_archive (
        ` + insertColumns + `
    )
    SELECT ` + insertColumns + `
    FROM verification_results
    WHERE verification_id = ANY($1::uuid[]);`

	deleteLiveBatchSQL = `DELETE FROM verification_results WHERE verification_id = ANY($1::uuid[]);`

	purgeArchiveBatchSQL = `DELETE FROM verification_results_archive
    WHERE verification_id IN (
        SELECT verification_id
        FROM verification_results_archive
        WHERE created_at < $1
        ORDER BY created_at
        LIMIT $2
        FOR UPDATE SKIP LOCKED
    );`

	countResultsSQL = `SELECT
        (SELECT COUNT(*) FROM verification_results),
        (SELECT COUNT(*) FROM verification_results_archive);`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists verification results in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the conn closes
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// SaveResult appends a result. Existing ids are never overwritten.
func (s *Store) SaveResult(ctx context.Context, r *verification.Result) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	args, err := resultArgs(r)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertResultSQL, args...); err != nil {
		return fmt.Errorf("insert verification result: %w", err)
	}
	return nil
}

// GetResult looks up a result in the live table and then the archive.
func (s *Store) GetResult(ctx context.Context, verificationID string) (*verification.Result, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	res, err := scanResult(pool.QueryRow(ctx, getResultSQL, verificationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", verification.ErrNotFound, verificationID)
	}
	if err != nil {
		// malformed uuids never match a row
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
			return nil, fmt.Errorf("%w: %s", verification.ErrNotFound, verificationID)
		}
		return nil, fmt.Errorf("get verification result: %w", err)
	}
	return res, nil
}

// ListHistory lists an asset's results newest first across both tiers.
func (s *Store) ListHistory(ctx context.Context, assetID string, limit int) ([]*verification.Result, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listHistorySQL, assetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return collectResults(rows, limit)
}

// ListBetween lists an asset's results in [from, to) oldest first. A limit of 0 returns every row.
func (s *Store) ListBetween(ctx context.Context, assetID string, from, to time.Time, limit int) ([]*verification.Result, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listBetweenSQL, assetID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list results between: %w", err)
	}
	return collectResults(rows, limit)
}

func collectResults(rows pgx.Rows, capacity int) ([]*verification.Result, error) {
	defer rows.Close()
	if capacity > 1000 {
		capacity = 1000
	}
	results := make([]*verification.Result, 0, capacity)
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return results, nil
}

// ArchiveBefore moves up to batch live results created before cutoff into
// the archive within one transaction.
func (s *Store) ArchiveBefore(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var moved int64
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, selectArchiveBatchSQL, cutoff, batch)
		if err != nil {
			return fmt.Errorf("select archive batch: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("collect archive batch: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		tag, err := tx.Exec(ctx, copyToArchiveSQL, ids)
		if err != nil {
			return fmt.Errorf("copy to archive: %w", err)
		}
		if _, err := tx.Exec(ctx, deleteLiveBatchSQL, ids); err != nil {
			return fmt.Errorf("delete archived rows: %w", err)
		}
		moved = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// PurgeArchivedBefore permanently deletes up to batch archived results
// created before cutoff.
func (s *Store) PurgeArchivedBefore(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var purged int64
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, purgeArchiveBatchSQL, cutoff, batch)
		if err != nil {
			return fmt.Errorf("purge archive batch: %w", err)
		}
		purged = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

// CountResults returns row counts for the live and archive tiers.
func (s *Store) CountResults(ctx context.Context) (live, archived int64, err error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, 0, err
	}
	if err := pool.QueryRow(ctx, countResultsSQL).Scan(&live, &archived); err != nil {
		return 0, 0, fmt.Errorf("count results: %w", err)
	}
	return live, archived, nil
}

var (
	_ verification.Store = (*Store)(nil)
	_ AdvisoryLocker     = (*Store)(nil)
)
