package allocation

import (
	"context"
	"database/sql"
	"fmt"
	"iter"

	_ "github.com/lib/pq"

	"github.com/example/ridepool/internal/models"
)

// PostgresLog stores records in the allocation_records table. seq is a
// BIGSERIAL so it is monotonically increasing in commit order per writer.
type PostgresLog struct {
	db *sql.DB
}

func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (p *PostgresLog) Append(ctx context.Context, rec models.AllocationRecord) (models.AllocationRecord, error) {
	var start, end sql.NullTime
	if rec.Window != nil {
		start = sql.NullTime{Time: rec.Window.Start.UTC(), Valid: true}
		end = sql.NullTime{Time: rec.Window.End.UTC(), Valid: true}
	}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO allocation_records(request_id, pool_id, rider_id, decision, reason, window_start, window_end, recorded_at)
		 VALUES(NULLIF($1,''),$2,$3,$4,$5,$6,$7,$8) RETURNING seq`,
		rec.RequestID, rec.PoolID, rec.RiderID, string(rec.Decision), string(rec.Reason), start, end, rec.Timestamp.UTC(),
	).Scan(&rec.Seq)
	if err != nil {
		return models.AllocationRecord{}, fmt.Errorf("append record for %s: %v: %w", rec.RequestID, err, models.ErrStorageUnavailable)
	}
	return rec, nil
}

func (p *PostgresLog) History(ctx context.Context, poolID string) iter.Seq2[models.AllocationRecord, error] {
	return p.query(ctx, selectRecords+` WHERE pool_id = $1 ORDER BY seq`, poolID)
}

func (p *PostgresLog) All(ctx context.Context) iter.Seq2[models.AllocationRecord, error] {
	return p.query(ctx, selectRecords+` ORDER BY seq`)
}

const selectRecords = `SELECT seq, COALESCE(request_id, ''), pool_id, rider_id, decision, reason, window_start, window_end, recorded_at FROM allocation_records`

// query runs lazily: nothing is sent to the database until the sequence is
// ranged over, and every range issues a fresh query.
func (p *PostgresLog) query(ctx context.Context, q string, args ...any) iter.Seq2[models.AllocationRecord, error] {
	return func(yield func(models.AllocationRecord, error) bool) {
		rows, err := p.db.QueryContext(ctx, q, args...)
		if err != nil {
			yield(models.AllocationRecord{}, fmt.Errorf("query records: %v: %w", err, models.ErrStorageUnavailable))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var rec models.AllocationRecord
			var decision, reason string
			var start, end sql.NullTime
			if err := rows.Scan(&rec.Seq, &rec.RequestID, &rec.PoolID, &rec.RiderID, &decision, &reason, &start, &end, &rec.Timestamp); err != nil {
				yield(models.AllocationRecord{}, fmt.Errorf("scan record: %v: %w", err, models.ErrStorageUnavailable))
				return
			}
			rec.Decision = models.RequestStatus(decision)
			rec.Reason = models.Reason(reason)
			if start.Valid && end.Valid {
				rec.Window = &models.Window{Start: start.Time.UTC(), End: end.Time.UTC()}
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.AllocationRecord{}, fmt.Errorf("iterate records: %v: %w", err, models.ErrStorageUnavailable))
		}
	}
}
