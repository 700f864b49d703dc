// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx as database/sql driver
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"seckill/internal/engine/activity"
)

// Reference schema:
//
//	CREATE TABLE activities (
//	    id             TEXT PRIMARY KEY,
//	    name           TEXT NOT NULL,
//	    status         TEXT NOT NULL,
//	    start_time     BIGINT NOT NULL,
//	    end_time       BIGINT NOT NULL,
//	    total_stock    BIGINT NOT NULL,
//	    sold_count     BIGINT NOT NULL DEFAULT 0,
//	    price          BIGINT NOT NULL,
//	    per_user_limit BIGINT NOT NULL
//	);
//
//	CREATE TABLE sync_records (
//	    id          BIGSERIAL PRIMARY KEY,
//	    activity_id TEXT NOT NULL,
//	    policy      TEXT NOT NULL,
//	    db_value    BIGINT NOT NULL,
//	    cache_value BIGINT NOT NULL,
//	    resolved    BIGINT NOT NULL,
//	    conflict    BOOLEAN NOT NULL,
//	    synced_at   TIMESTAMPTZ NOT NULL
//	);

const defaultQueryTimeout = 5 * time.Second

// activityRow is the database projection of an activity.
type activityRow struct {
	ID           string `db:"id"`
	Name         string `db:"name"`
	Status       string `db:"status"`
	StartTime    int64  `db:"start_time"`
	EndTime      int64  `db:"end_time"`
	TotalStock   int64  `db:"total_stock"`
	SoldCount    int64  `db:"sold_count"`
	Price        int64  `db:"price"`
	PerUserLimit int64  `db:"per_user_limit"`
}

func (r activityRow) toActivity() *activity.Activity {
	return &activity.Activity{
		ID:           r.ID,
		Name:         r.Name,
		Status:       activity.Status(r.Status),
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		TotalStock:   r.TotalStock,
		SoldCount:    r.SoldCount,
		Price:        r.Price,
		PerUserLimit: r.PerUserLimit,
	}
}

// PostgresStore implements Store on PostgreSQL via sqlx with the pgx driver.
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
	log     *zap.Logger
}

// OpenPostgres connects and pings. The caller owns Close.
func OpenPostgres(ctx context.Context, dsn string, log *zap.Logger) (*PostgresStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persistence: ping: %w", err)
	}
	return &PostgresStore{db: db, timeout: defaultQueryTimeout, log: log}, nil
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *PostgresStore) GetActivity(ctx context.Context, id string) (*activity.Activity, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var row activityRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, name, status, start_time, end_time, total_stock, sold_count, price, per_user_limit
		 FROM activities WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", activity.ErrSourceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get activity %s: %w", id, err)
	}
	return row.toActivity(), nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*activity.Activity, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var rows []activityRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, name, status, start_time, end_time, total_stock, sold_count, price, per_user_limit
		 FROM activities WHERE status = $1 ORDER BY id`, string(activity.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("persistence: list active: %w", err)
	}
	out := make([]*activity.Activity, len(rows))
	for i, r := range rows {
		out[i] = r.toActivity()
	}
	return out, nil
}

func (s *PostgresStore) UpsertActivity(ctx context.Context, a *activity.Activity) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activities (id, name, status, start_time, end_time, total_stock, sold_count, price, per_user_limit)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, status = EXCLUDED.status,
		   start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time,
		   total_stock = EXCLUDED.total_stock, sold_count = EXCLUDED.sold_count,
		   price = EXCLUDED.price, per_user_limit = EXCLUDED.per_user_limit`,
		a.ID, a.Name, string(a.Status), a.StartTime, a.EndTime,
		a.TotalStock, a.SoldCount, a.Price, a.PerUserLimit)
	if err != nil {
		return fmt.Errorf("persistence: upsert %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateSold(ctx context.Context, id string, soldCount int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`UPDATE activities SET sold_count = $2 WHERE id = $1`, id, soldCount)
	if err != nil {
		return fmt.Errorf("persistence: update sold %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", activity.ErrSourceNotFound, id)
	}
	return nil
}

func (s *PostgresStore) AppendSyncRecord(ctx context.Context, rec SyncRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO sync_records (activity_id, policy, db_value, cache_value, resolved, conflict, synced_at)
		 VALUES (:activity_id, :policy, :db_value, :cache_value, :resolved, :conflict, :synced_at)`, rec)
	if err != nil {
		return fmt.Errorf("persistence: append sync record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
