package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/ridepool/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

// Open connects to Postgres and pings it. The *sql.DB is shared with the
// allocation log.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, models.ErrStorageUnavailable)
}

func (p *PostgresStore) SavePool(ctx context.Context, pool models.Pool) error {
	var oLat, oLon, dLat, dLon sql.NullFloat64
	if c := pool.Route.OriginCoord; c != nil {
		oLat, oLon = sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lon, Valid: true}
	}
	if c := pool.Route.DestCoord; c != nil {
		dLat, dLon = sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lon, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO pools(id, driver_id, title, origin, destination, origin_lat, origin_lon, dest_lat, dest_lon, window_start, window_end, seat_count, fare_cents, cancelled, created_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		pool.ID, pool.DriverID, pool.Title, pool.Route.Origin, pool.Route.Destination, oLat, oLon, dLat, dLon,
		pool.Window.Start.UTC(), pool.Window.End.UTC(), pool.SeatCount, pool.FareCents, pool.Cancelled, pool.CreatedAt.UTC())
	if err != nil {
		return unavailable("save pool", err)
	}
	return nil
}

func (p *PostgresStore) UpdatePoolWindow(ctx context.Context, poolID string, w models.Window) error {
	res, err := p.db.ExecContext(ctx, `UPDATE pools SET window_start=$1, window_end=$2 WHERE id=$3`, w.Start.UTC(), w.End.UTC(), poolID)
	if err != nil {
		return unavailable("update pool window", err)
	}
	return requireRow(res, poolID)
}

func (p *PostgresStore) MarkPoolCancelled(ctx context.Context, poolID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE pools SET cancelled=TRUE WHERE id=$1`, poolID)
	if err != nil {
		return unavailable("cancel pool", err)
	}
	return requireRow(res, poolID)
}

func requireRow(res sql.Result, poolID string) error {
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("pool %s: %w", poolID, models.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) SaveRequest(ctx context.Context, r models.JoinRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO join_requests(id, rider_id, pool_id, window_start, window_end, arrived_at, deposit_ref) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.RiderID, r.PoolID, r.Window.Start.UTC(), r.Window.End.UTC(), r.ArrivedAt.UTC(), r.DepositRef)
	if err != nil {
		return unavailable("save request", err)
	}
	return nil
}

func (p *PostgresStore) SaveRider(ctx context.Context, r models.RiderProfile) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO riders(id, display_name) VALUES($1,$2) ON CONFLICT (id) DO NOTHING`, r.ID, r.DisplayName)
	if err != nil {
		return unavailable("save rider", err)
	}
	return nil
}

func (p *PostgresStore) LoadPools(ctx context.Context) ([]models.Pool, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, driver_id, title, origin, destination, origin_lat, origin_lon, dest_lat, dest_lon, window_start, window_end, seat_count, fare_cents, cancelled, created_at FROM pools ORDER BY created_at, id`)
	if err != nil {
		return nil, unavailable("load pools", err)
	}
	defer rows.Close()
	var out []models.Pool
	for rows.Next() {
		var pool models.Pool
		var oLat, oLon, dLat, dLon sql.NullFloat64
		if err := rows.Scan(&pool.ID, &pool.DriverID, &pool.Title, &pool.Route.Origin, &pool.Route.Destination,
			&oLat, &oLon, &dLat, &dLon, &pool.Window.Start, &pool.Window.End, &pool.SeatCount, &pool.FareCents,
			&pool.Cancelled, &pool.CreatedAt); err != nil {
			return nil, unavailable("scan pool", err)
		}
		if oLat.Valid && oLon.Valid {
			pool.Route.OriginCoord = &models.Coord{Lat: oLat.Float64, Lon: oLon.Float64}
		}
		if dLat.Valid && dLon.Valid {
			pool.Route.DestCoord = &models.Coord{Lat: dLat.Float64, Lon: dLon.Float64}
		}
		pool.Confirmed = map[string]string{}
		out = append(out, pool)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load pools", err)
	}
	return out, nil
}

func (p *PostgresStore) LoadRequests(ctx context.Context) ([]models.JoinRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, rider_id, pool_id, window_start, window_end, arrived_at, deposit_ref FROM join_requests ORDER BY id`)
	if err != nil {
		return nil, unavailable("load requests", err)
	}
	defer rows.Close()
	var out []models.JoinRequest
	for rows.Next() {
		var r models.JoinRequest
		if err := rows.Scan(&r.ID, &r.RiderID, &r.PoolID, &r.Window.Start, &r.Window.End, &r.ArrivedAt, &r.DepositRef); err != nil {
			return nil, unavailable("scan request", err)
		}
		r.Status = models.StatusPending
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load requests", err)
	}
	return out, nil
}

func (p *PostgresStore) LoadRiders(ctx context.Context) ([]models.RiderProfile, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, display_name FROM riders ORDER BY id`)
	if err != nil {
		return nil, unavailable("load riders", err)
	}
	defer rows.Close()
	var out []models.RiderProfile
	for rows.Next() {
		var r models.RiderProfile
		if err := rows.Scan(&r.ID, &r.DisplayName); err != nil {
			return nil, unavailable("scan rider", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load riders", err)
	}
	return out, nil
}
