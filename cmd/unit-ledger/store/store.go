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
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/shared"
)

// Store is the durable keyed storage for units.
// Transition and Consume re-check availability inside the same atomic unit of work
// that selects and mutates the rows, so callers never rely on an earlier count.
type Store interface {
	// CreateUnits inserts n ACTIVE units for key, all stamped with now
	CreateUnits(ctx context.Context, key shared.Key, n int, now time.Time) ([]shared.Unit, error)
	CountByState(ctx context.Context, key shared.Key) (shared.Counts, error)
	// Transition moves the n oldest units in state from to state to, or nothing
	Transition(ctx context.Context, key shared.Key, from shared.State, to shared.State, n int, now time.Time) ([]shared.Unit, error)
	// Consume deletes the n oldest ACTIVE units of a product at stage across all machines, or nothing
	Consume(ctx context.Context, productKey string, stage string, n int) ([]shared.Unit, error)
	CountFunnel(ctx context.Context, productKey string, stage string) (int, error)
	HasActiveOnMachine(ctx context.Context, machineKey string) (bool, error)
	HasActiveForProduct(ctx context.Context, productKey string) (bool, error)
	// ListUnits returns the units of key in FIFO order
	ListUnits(ctx context.Context, key shared.Key) ([]shared.Unit, error)
	Ping(ctx context.Context) error
	Close() error
}

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// FormatID renders sequence numbers so that lexical order equals numeric order
func FormatID(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

func insufficient(key shared.Key, from shared.State, available int, requested int) error {
	return &shared.InsufficientQuantityError{
		Key:       key,
		Direction: directionFor(from),
		Available: available,
		Requested: requested,
	}
}

func directionFor(from shared.State) shared.Direction {
	if from == shared.StateParked {
		return shared.DirectionReactivate
	}
	return shared.DirectionPark
}

func validState(s shared.State) bool {
	return s == shared.StateActive || s == shared.StateParked
}
