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
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/shared"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLiteStore is an embedded single-file store.
// It uses one connection, so every transaction is serialized by the database itself.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS unit_key (
    product TEXT NOT NULL,
    machine TEXT NOT NULL,
    stage   TEXT NOT NULL,
    PRIMARY KEY (product, machine, stage)
);
CREATE TABLE IF NOT EXISTS unit (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    product         TEXT NOT NULL,
    machine         TEXT NOT NULL,
    stage           TEXT NOT NULL,
    state           TEXT NOT NULL CHECK (state IN ('ACTIVE', 'PARKED')),
    created_at      INTEGER NOT NULL,
    transitioned_at INTEGER
);
CREATE INDEX IF NOT EXISTS unit_fifo_idx ON unit (product, machine, stage, state, created_at, id);
CREATE INDEX IF NOT EXISTS unit_funnel_idx ON unit (product, stage, state, created_at, id);
`

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "unit-ledger.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err = db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	zap.S().Infof("Opened sqlite store at %s", path)
	return &SQLiteStore{db: db, path: path}, nil
}

func toUnixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func rollbackSQL(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		zap.S().Errorf("Failed to rollback transaction: %s", err)
	}
}

func (s *SQLiteStore) CreateUnits(ctx context.Context, key shared.Key, n int, now time.Time) ([]shared.Unit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO unit_key (product, machine, stage) VALUES (?, ?, ?)`,
		key.ProductKey, key.MachineKey, key.Stage)
	if err != nil {
		rollbackSQL(tx)
		return nil, fmt.Errorf("insert unit_key: %w", err)
	}

	units := make([]shared.Unit, 0, n)
	for i := 0; i < n; i++ {
		res, errI := tx.ExecContext(ctx, `INSERT INTO unit (product, machine, stage, state, created_at) VALUES (?, ?, ?, 'ACTIVE', ?)`,
			key.ProductKey, key.MachineKey, key.Stage, toUnixNano(now))
		if errI != nil {
			rollbackSQL(tx)
			return nil, fmt.Errorf("insert unit: %w", errI)
		}
		id, errI := res.LastInsertId()
		if errI != nil {
			rollbackSQL(tx)
			return nil, fmt.Errorf("insert unit: %w", errI)
		}
		units = append(units, shared.Unit{
			ID:         FormatID(uint64(id)),
			ProductKey: key.ProductKey,
			MachineKey: key.MachineKey,
			Stage:      key.Stage,
			State:      shared.StateActive,
			CreatedAt:  now,
		})
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return units, nil
}

func (s *SQLiteStore) CountByState(ctx context.Context, key shared.Key) (shared.Counts, error) {
	var known int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM unit_key WHERE product = ? AND machine = ? AND stage = ?`,
		key.ProductKey, key.MachineKey, key.Stage).Scan(&known)
	if err != nil {
		return shared.Counts{}, fmt.Errorf("lookup unit_key: %w", err)
	}
	if known == 0 {
		return shared.Counts{}, nil
	}
	counts := shared.Counts{Known: true}
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN state = 'ACTIVE' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN state = 'PARKED' THEN 1 ELSE 0 END), 0)
		FROM unit WHERE product = ? AND machine = ? AND stage = ?
	`, key.ProductKey, key.MachineKey, key.Stage).Scan(&counts.Active, &counts.Parked)
	if err != nil {
		return shared.Counts{}, fmt.Errorf("count units: %w", err)
	}
	return counts, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *SQLiteStore) Transition(ctx context.Context, key shared.Key, from shared.State, to shared.State, n int, now time.Time) ([]shared.Unit, error) {
	if !validState(from) || !validState(to) || from == to {
		return nil, &shared.ValidationError{Field: "state", Reason: "transition must be between ACTIVE and PARKED"}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT id, created_at FROM unit
		WHERE product = ? AND machine = ? AND stage = ? AND state = ?
		ORDER BY created_at, id
		LIMIT ?
	`, key.ProductKey, key.MachineKey, key.Stage, string(from), n)
	if err != nil {
		rollbackSQL(tx)
		return nil, fmt.Errorf("select units: %w", err)
	}
	var ids []any
	var units []shared.Unit
	for rows.Next() {
		var id, createdAt int64
		if err = rows.Scan(&id, &createdAt); err != nil {
			_ = rows.Close()
			rollbackSQL(tx)
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		stamp := now
		ids = append(ids, id)
		units = append(units, shared.Unit{
			ID:             FormatID(uint64(id)),
			ProductKey:     key.ProductKey,
			MachineKey:     key.MachineKey,
			Stage:          key.Stage,
			State:          to,
			CreatedAt:      fromUnixNano(createdAt),
			TransitionedAt: &stamp,
		})
	}
	_ = rows.Close()
	if err = rows.Err(); err != nil {
		rollbackSQL(tx)
		return nil, fmt.Errorf("select units: %w", err)
	}
	if len(ids) < n {
		rollbackSQL(tx)
		return nil, insufficient(key, from, len(ids), n)
	}

	args := append([]any{string(to), toUnixNano(now)}, ids...)
	_, err = tx.ExecContext(ctx, `UPDATE unit SET state = ?, transitioned_at = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		rollbackSQL(tx)
		return nil, fmt.Errorf("update units: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return units, nil
}

func (s *SQLiteStore) Consume(ctx context.Context, productKey string, stage string, n int) ([]shared.Unit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT id, machine, created_at, transitioned_at FROM unit
		WHERE product = ? AND stage = ? AND state = 'ACTIVE'
		ORDER BY created_at, id
		LIMIT ?
	`, productKey, stage, n)
	if err != nil {
		rollbackSQL(tx)
		return nil, fmt.Errorf("select funnel units: %w", err)
	}
	var ids []any
	var units []shared.Unit
	for rows.Next() {
		var id, createdAt int64
		var machine string
		var transitionedAt sql.NullInt64
		if err = rows.Scan(&id, &machine, &createdAt, &transitionedAt); err != nil {
			_ = rows.Close()
			rollbackSQL(tx)
			return nil, fmt.Errorf("scan funnel unit: %w", err)
		}
		u := shared.Unit{
			ID:         FormatID(uint64(id)),
			ProductKey: productKey,
			MachineKey: machine,
			Stage:      stage,
			State:      shared.StateActive,
			CreatedAt:  fromUnixNano(createdAt),
		}
		if transitionedAt.Valid {
			t := fromUnixNano(transitionedAt.Int64)
			u.TransitionedAt = &t
		}
		ids = append(ids, id)
		units = append(units, u)
	}
	_ = rows.Close()
	if err = rows.Err(); err != nil {
		rollbackSQL(tx)
		return nil, fmt.Errorf("select funnel units: %w", err)
	}
	if len(ids) < n {
		rollbackSQL(tx)
		return nil, &shared.InsufficientQuantityError{
			Key:       shared.Key{ProductKey: productKey, Stage: stage},
			Direction: shared.DirectionConsume,
			Available: len(ids),
			Requested: n,
		}
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM unit WHERE id IN (`+placeholders(len(ids))+`)`, ids...)
	if err != nil {
		rollbackSQL(tx)
		return nil, fmt.Errorf("delete units: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return units, nil
}

func (s *SQLiteStore) CountFunnel(ctx context.Context, productKey string, stage string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM unit WHERE product = ? AND stage = ? AND state = 'ACTIVE'`,
		productKey, stage).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count funnel: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) HasActiveOnMachine(ctx context.Context, machineKey string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM unit WHERE machine = ? AND state = 'ACTIVE')`, machineKey)
}

func (s *SQLiteStore) HasActiveForProduct(ctx context.Context, productKey string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM unit WHERE product = ? AND state = 'ACTIVE')`, productKey)
}

func (s *SQLiteStore) exists(ctx context.Context, query string, arg string) (bool, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, query, arg).Scan(&exists); err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return exists == 1, nil
}

func (s *SQLiteStore) ListUnits(ctx context.Context, key shared.Key) ([]shared.Unit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state, created_at, transitioned_at FROM unit
		WHERE product = ? AND machine = ? AND stage = ?
		ORDER BY created_at, id
	`, key.ProductKey, key.MachineKey, key.Stage)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var units []shared.Unit
	for rows.Next() {
		var id, createdAt int64
		var state string
		var transitionedAt sql.NullInt64
		if err = rows.Scan(&id, &state, &createdAt, &transitionedAt); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		u := shared.Unit{
			ID:         FormatID(uint64(id)),
			ProductKey: key.ProductKey,
			MachineKey: key.MachineKey,
			Stage:      key.Stage,
			State:      shared.State(state),
			CreatedAt:  fromUnixNano(createdAt),
		}
		if transitionedAt.Valid {
			t := fromUnixNano(transitionedAt.Int64)
			u.TransitionedAt = &t
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
