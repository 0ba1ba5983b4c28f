// Copyright 2023 UMH Systems GmbH
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

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/omeid/pgerror"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/helper"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/shared"
	"github.com/united-manufacturing-hub/unit-ledger/internal"
	"go.uber.org/zap"
)

// PgxIface is the subset of *pgxpool.Pool used by the store.
// pgxmock.PgxPoolIface satisfies it, which is how the tests swap the database.
type PgxIface interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type PostgresConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	LRUCacheSize int
}

func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

type PostgresStore struct {
	Db           PgxIface
	productCache *lru.ARCCache
	lruHits      atomic.Uint64
	lruMisses    atomic.Uint64
	healthy      atomic.Bool
}

const schema = `
CREATE TABLE IF NOT EXISTS product (
    id   SERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS unit_key (
    id         SERIAL PRIMARY KEY,
    product_id INTEGER NOT NULL REFERENCES product (id),
    machine    TEXT NOT NULL,
    stage      TEXT NOT NULL,
    UNIQUE (product_id, machine, stage)
);
CREATE TABLE IF NOT EXISTS unit (
    id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    key_id          INTEGER NOT NULL REFERENCES unit_key (id),
    state           TEXT NOT NULL CHECK (state IN ('ACTIVE', 'PARKED')),
    created_at      TIMESTAMPTZ NOT NULL,
    transitioned_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS unit_fifo_idx ON unit (key_id, state, created_at, id);
`

// NewPostgresStore connects, retrying with exponential backoff, and makes sure the schema exists
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	zap.S().Infof("Connecting to %s@%s:%d/%s [%s]", cfg.User, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	var db *pgxpool.Pool
	err := internal.Retry(ctx, 10, 100*time.Millisecond, 10*time.Second, func() error {
		establishCtx, establishCncl := context.WithTimeout(ctx, 5*time.Second)
		defer establishCncl()
		var errC error
		db, errC = pgxpool.New(establishCtx, cfg.ConnString())
		if errC != nil {
			return errC
		}
		errC = db.Ping(establishCtx)
		if errC != nil {
			zap.S().Debugf("Failed to ping database: %s [retrying]", errC)
			db.Close()
		}
		return errC
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to postgres database: %w", err)
	}

	s, err := newPostgresStore(db, cfg.LRUCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err = s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresStore(db PgxIface, cacheSize int) (*PostgresStore, error) {
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	cache, err := lru.NewARC(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ARC: %w", err)
	}
	s := &PostgresStore{
		Db:           db,
		productCache: cache,
	}
	s.healthy.Store(true)
	return s, nil
}

func (c *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := c.Db.Exec(ctx, schema)
	if err != nil {
		return c.handleError("create schema", err)
	}
	return nil
}

// handleError logs postgresql errors and marks the store unhealthy on connection exceptions
func (c *PostgresStore) handleError(sqlStatement string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		pqErr := &pq.Error{
			Code:    pq.ErrorCode(pgErr.Code),
			Message: pgErr.Message,
			Detail:  pgErr.Detail,
		}
		if e := pgerror.ConnectionException(pqErr); e != nil {
			zap.S().Errorw("PostgreSQL failed: ConnectionException", "error", err, "sqlStatement", sqlStatement)
			c.healthy.Store(false)
		} else if e := pgerror.UniqueViolation(pqErr); e != nil {
			zap.S().Warnw("PostgreSQL failed: UniqueViolation", "error", err, "sqlStatement", sqlStatement)
		} else if e := pgerror.CheckViolation(pqErr); e != nil {
			zap.S().Warnw("PostgreSQL failed: CheckViolation", "error", err, "sqlStatement", sqlStatement)
		} else {
			zap.S().Errorw("PostgreSQL failed.", "error", err, "sqlStatement", sqlStatement)
		}
	} else if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		zap.S().Errorw("PostgreSQL failed: connection", "error", err, "sqlStatement", sqlStatement)
		c.healthy.Store(false)
	}
	return fmt.Errorf("%s: %w", sqlStatement, err)
}

func (c *PostgresStore) rollback(tx pgx.Tx) {
	rollbackCtx, rollbackCtxCncl := helper.Get5SecondContext()
	defer rollbackCtxCncl()
	err := tx.Rollback(rollbackCtx)
	if err != nil {
		zap.S().Errorf("Failed to rollback transaction: %s", err)
	}
}

var goiLock = sync.Mutex{}

// GetOrInsertProduct resolves a normalized product name to its row id
func (c *PostgresStore) GetOrInsertProduct(ctx context.Context, name string) (int, error) {
	id, hit := c.lookupLRU(name)
	if hit {
		return id, nil
	}

	goiLock.Lock()
	defer goiLock.Unlock()
	// It might be that another locker already added it, so we do a double check
	id, hit = c.lookupLRU(name)
	if hit {
		return id, nil
	}

	err := c.Db.QueryRow(ctx, `SELECT id FROM product WHERE name = $1`, name).Scan(&id)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, c.handleError("select product", err)
		}
		// Row isn't found, need to insert
		err = c.Db.QueryRow(ctx, `INSERT INTO product (name) VALUES ($1) RETURNING id`, name).Scan(&id)
		if err != nil {
			return 0, c.handleError("insert product", err)
		}
	}
	c.productCache.Add(name, id)
	return id, nil
}

func (c *PostgresStore) lookupLRU(name string) (int, bool) {
	value, ok := c.productCache.Get(name)
	if ok {
		c.lruHits.Add(1)
		return value.(int), true
	}
	c.lruMisses.Add(1)
	return 0, false
}

func formatPgID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (c *PostgresStore) CreateUnits(ctx context.Context, key shared.Key, n int, now time.Time) ([]shared.Unit, error) {
	productId, err := c.GetOrInsertProduct(ctx, key.ProductKey)
	if err != nil {
		return nil, err
	}

	tx, err := c.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, c.handleError("begin", err)
	}

	// The upsert also locks the key row until commit
	var keyId int
	err = tx.QueryRow(ctx, `
		INSERT INTO unit_key (product_id, machine, stage) VALUES ($1, $2, $3)
		ON CONFLICT (product_id, machine, stage) DO UPDATE SET machine = EXCLUDED.machine
		RETURNING id
	`, productId, key.MachineKey, key.Stage).Scan(&keyId)
	if err != nil {
		c.rollback(tx)
		return nil, c.handleError("upsert unit_key", err)
	}

	rows, err := tx.Query(ctx, `
		INSERT INTO unit (key_id, state, created_at)
		SELECT $1, 'ACTIVE', $2 FROM generate_series(1, $3)
		RETURNING id
	`, keyId, now, n)
	if err != nil {
		c.rollback(tx)
		return nil, c.handleError("insert unit", err)
	}
	ids := make([]int64, 0, n)
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			c.rollback(tx)
			return nil, c.handleError("scan unit id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		c.rollback(tx)
		return nil, c.handleError("insert unit", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, c.handleError("commit", err)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	units := make([]shared.Unit, 0, len(ids))
	for _, id := range ids {
		units = append(units, shared.Unit{
			ID:         formatPgID(id),
			ProductKey: key.ProductKey,
			MachineKey: key.MachineKey,
			Stage:      key.Stage,
			State:      shared.StateActive,
			CreatedAt:  now,
		})
	}
	return units, nil
}

func (c *PostgresStore) CountByState(ctx context.Context, key shared.Key) (shared.Counts, error) {
	var keyId int
	var counts shared.Counts
	err := c.Db.QueryRow(ctx, `
		SELECT uk.id,
		       COUNT(u.id) FILTER (WHERE u.state = 'ACTIVE'),
		       COUNT(u.id) FILTER (WHERE u.state = 'PARKED')
		FROM unit_key uk
		JOIN product p ON p.id = uk.product_id
		LEFT JOIN unit u ON u.key_id = uk.id
		WHERE p.name = $1 AND uk.machine = $2 AND uk.stage = $3
		GROUP BY uk.id
	`, key.ProductKey, key.MachineKey, key.Stage).Scan(&keyId, &counts.Active, &counts.Parked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return shared.Counts{}, nil
		}
		return shared.Counts{}, c.handleError("count units", err)
	}
	counts.Known = true
	return counts, nil
}

func (c *PostgresStore) Transition(ctx context.Context, key shared.Key, from shared.State, to shared.State, n int, now time.Time) ([]shared.Unit, error) {
	if !validState(from) || !validState(to) || from == to {
		return nil, &shared.ValidationError{Field: "state", Reason: "transition must be between ACTIVE and PARKED"}
	}
	tx, err := c.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, c.handleError("begin", err)
	}

	// Lock the key row, this serializes all transitions on the key across replicas
	var keyId int
	err = tx.QueryRow(ctx, `
		SELECT uk.id FROM unit_key uk
		JOIN product p ON p.id = uk.product_id
		WHERE p.name = $1 AND uk.machine = $2 AND uk.stage = $3
		FOR UPDATE OF uk
	`, key.ProductKey, key.MachineKey, key.Stage).Scan(&keyId)
	if err != nil {
		c.rollback(tx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, insufficient(key, from, 0, n)
		}
		return nil, c.handleError("lock unit_key", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, created_at FROM unit
		WHERE key_id = $1 AND state = $2
		ORDER BY created_at, id
		LIMIT $3
		FOR UPDATE
	`, keyId, string(from), n)
	if err != nil {
		c.rollback(tx)
		return nil, c.handleError("select units", err)
	}
	ids := make([]int64, 0, n)
	units := make([]shared.Unit, 0, n)
	for rows.Next() {
		var id int64
		var createdAt time.Time
		if err = rows.Scan(&id, &createdAt); err != nil {
			rows.Close()
			c.rollback(tx)
			return nil, c.handleError("scan unit", err)
		}
		stamp := now
		ids = append(ids, id)
		units = append(units, shared.Unit{
			ID:             formatPgID(id),
			ProductKey:     key.ProductKey,
			MachineKey:     key.MachineKey,
			Stage:          key.Stage,
			State:          to,
			CreatedAt:      createdAt,
			TransitionedAt: &stamp,
		})
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		c.rollback(tx)
		return nil, c.handleError("select units", err)
	}
	// LIMIT n returned fewer rows, so this is the full availability
	if len(ids) < n {
		c.rollback(tx)
		return nil, insufficient(key, from, len(ids), n)
	}

	cmdTag, err := tx.Exec(ctx, `UPDATE unit SET state = $1, transitioned_at = $2 WHERE id = ANY($3)`, string(to), now, ids)
	if err != nil {
		c.rollback(tx)
		return nil, c.handleError("update units", err)
	}
	if cmdTag.RowsAffected() != int64(n) {
		c.rollback(tx)
		return nil, fmt.Errorf("update units: expected %d rows, updated %d", n, cmdTag.RowsAffected())
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, c.handleError("commit", err)
	}
	return units, nil
}

func (c *PostgresStore) Consume(ctx context.Context, productKey string, stage string, n int) ([]shared.Unit, error) {
	tx, err := c.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, c.handleError("begin", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT u.id, uk.machine, u.created_at, u.transitioned_at
		FROM unit u
		JOIN unit_key uk ON uk.id = u.key_id
		JOIN product p ON p.id = uk.product_id
		WHERE p.name = $1 AND uk.stage = $2 AND u.state = 'ACTIVE'
		ORDER BY u.created_at, u.id
		LIMIT $3
		FOR UPDATE OF u
	`, productKey, stage, n)
	if err != nil {
		c.rollback(tx)
		return nil, c.handleError("select funnel units", err)
	}
	ids := make([]int64, 0, n)
	units := make([]shared.Unit, 0, n)
	for rows.Next() {
		var id int64
		var machine string
		var createdAt time.Time
		var transitionedAt *time.Time
		if err = rows.Scan(&id, &machine, &createdAt, &transitionedAt); err != nil {
			rows.Close()
			c.rollback(tx)
			return nil, c.handleError("scan funnel unit", err)
		}
		ids = append(ids, id)
		units = append(units, shared.Unit{
			ID:             formatPgID(id),
			ProductKey:     productKey,
			MachineKey:     machine,
			Stage:          stage,
			State:          shared.StateActive,
			CreatedAt:      createdAt,
			TransitionedAt: transitionedAt,
		})
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		c.rollback(tx)
		return nil, c.handleError("select funnel units", err)
	}
	if len(ids) < n {
		c.rollback(tx)
		return nil, &shared.InsufficientQuantityError{
			Key:       shared.Key{ProductKey: productKey, Stage: stage},
			Direction: shared.DirectionConsume,
			Available: len(ids),
			Requested: n,
		}
	}

	_, err = tx.Exec(ctx, `DELETE FROM unit WHERE id = ANY($1)`, ids)
	if err != nil {
		c.rollback(tx)
		return nil, c.handleError("delete units", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, c.handleError("commit", err)
	}
	return units, nil
}

func (c *PostgresStore) CountFunnel(ctx context.Context, productKey string, stage string) (int, error) {
	var count int
	err := c.Db.QueryRow(ctx, `
		SELECT COUNT(*) FROM unit u
		JOIN unit_key uk ON uk.id = u.key_id
		JOIN product p ON p.id = uk.product_id
		WHERE p.name = $1 AND uk.stage = $2 AND u.state = 'ACTIVE'
	`, productKey, stage).Scan(&count)
	if err != nil {
		return 0, c.handleError("count funnel", err)
	}
	return count, nil
}

func (c *PostgresStore) HasActiveOnMachine(ctx context.Context, machineKey string) (bool, error) {
	var exists bool
	err := c.Db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM unit u
			JOIN unit_key uk ON uk.id = u.key_id
			WHERE uk.machine = $1 AND u.state = 'ACTIVE'
		)
	`, machineKey).Scan(&exists)
	if err != nil {
		return false, c.handleError("active on machine", err)
	}
	return exists, nil
}

func (c *PostgresStore) HasActiveForProduct(ctx context.Context, productKey string) (bool, error) {
	var exists bool
	err := c.Db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM unit u
			JOIN unit_key uk ON uk.id = u.key_id
			JOIN product p ON p.id = uk.product_id
			WHERE p.name = $1 AND u.state = 'ACTIVE'
		)
	`, productKey).Scan(&exists)
	if err != nil {
		return false, c.handleError("active for product", err)
	}
	return exists, nil
}

func (c *PostgresStore) ListUnits(ctx context.Context, key shared.Key) ([]shared.Unit, error) {
	rows, err := c.Db.Query(ctx, `
		SELECT u.id, u.state, u.created_at, u.transitioned_at
		FROM unit u
		JOIN unit_key uk ON uk.id = u.key_id
		JOIN product p ON p.id = uk.product_id
		WHERE p.name = $1 AND uk.machine = $2 AND uk.stage = $3
		ORDER BY u.created_at, u.id
	`, key.ProductKey, key.MachineKey, key.Stage)
	if err != nil {
		return nil, c.handleError("list units", err)
	}
	defer rows.Close()
	var units []shared.Unit
	for rows.Next() {
		var id int64
		var state string
		var createdAt time.Time
		var transitionedAt *time.Time
		if err = rows.Scan(&id, &state, &createdAt, &transitionedAt); err != nil {
			return nil, c.handleError("scan unit", err)
		}
		units = append(units, shared.Unit{
			ID:             formatPgID(id),
			ProductKey:     key.ProductKey,
			MachineKey:     key.MachineKey,
			Stage:          key.Stage,
			State:          shared.State(state),
			CreatedAt:      createdAt,
			TransitionedAt: transitionedAt,
		})
	}
	if err = rows.Err(); err != nil {
		return nil, c.handleError("list units", err)
	}
	return units, nil
}

func (c *PostgresStore) Ping(ctx context.Context) error {
	if c.Db == nil {
		return errors.New("database is nil")
	}
	err := c.Db.Ping(ctx)
	if err != nil {
		c.healthy.Store(false)
		return err
	}
	c.healthy.Store(true)
	return nil
}

// GetHealthCheck pings the database.
// The first check after a connection exception fails even if the ping succeeds, the next one reports the recovery.
func (c *PostgresStore) GetHealthCheck() healthcheck.Check {
	return func() error {
		wasHealthy := c.Healthy()
		ctx, cncl := helper.Get5SecondContext()
		defer cncl()
		if err := c.Ping(ctx); err != nil {
			return err
		}
		if !wasHealthy {
			return errors.New("recovering from connection exception")
		}
		return nil
	}
}

// Healthy is false after a connection exception until the next successful ping
func (c *PostgresStore) Healthy() bool {
	return c.healthy.Load()
}

// LRUHitPercentage of the product cache
func (c *PostgresStore) LRUHitPercentage() float64 {
	hits := c.lruHits.Load()
	total := hits + c.lruMisses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

func (c *PostgresStore) Close() error {
	if c.Db != nil {
		c.Db.Close()
	}
	return nil
}
