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

package engine

import (
	"context"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/shared"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/store"
	"go.uber.org/zap"
)

// Prometheus metrics
var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitledger_transitions_total",
			Help: "The total number of transition requests by direction and result",
		},
		[]string{"direction", "result"},
	)
	unitsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unitledger_units_created_total",
			Help: "The total number of units created",
		},
	)
)

const (
	resultOK           = "ok"
	resultInsufficient = "insufficient"
	resultBusy         = "busy"
	resultError        = "error"
)

// Engine moves batches of units between ACTIVE and PARKED.
// All calls on the same key are linearized, different keys run in parallel.
type Engine struct {
	store   store.Store
	locks   *mapmutex.Mutex
	ceiling int
	now     func() time.Time
}

// New creates an engine. lockMaxRetry bounds how often a busy key lock is retried before ErrKeyBusy.
func New(s store.Store, ceiling int, lockMaxRetry int) *Engine {
	if lockMaxRetry <= 0 {
		lockMaxRetry = 800
	}
	return &Engine{
		store:   s,
		ceiling: ceiling,
		// maxDelay: 0.1 second, baseDelay: 10 nanosecond
		locks: mapmutex.NewCustomizedMapMutex(lockMaxRetry, 100000000, 10, 1.1, 0.2),
		now:   time.Now,
	}
}

func (e *Engine) lock(key shared.Key) error {
	if !e.locks.TryLock(key.String()) {
		return shared.ErrKeyBusy
	}
	return nil
}

func (e *Engine) unlock(key shared.Key) {
	e.locks.Unlock(key.String())
}

func (e *Engine) validate(key shared.Key, quantity int) error {
	if err := key.Validate(); err != nil {
		return err
	}
	return shared.ValidateQuantity(quantity, e.ceiling)
}

// Create adds quantity ACTIVE units to key under the key lock
func (e *Engine) Create(ctx context.Context, key shared.Key, quantity int) ([]shared.Unit, error) {
	if err := e.validate(key, quantity); err != nil {
		return nil, err
	}
	if err := e.lock(key); err != nil {
		return nil, err
	}
	defer e.unlock(key)

	units, err := e.store.CreateUnits(ctx, key, quantity, e.now().UTC())
	if err != nil {
		return nil, err
	}
	unitsCreatedTotal.Add(float64(len(units)))
	return units, nil
}

// Transition selects the quantity oldest units in the direction's source state and flips them.
// Availability is checked again by the store inside the same atomic unit of work.
func (e *Engine) Transition(ctx context.Context, key shared.Key, direction shared.Direction, quantity int) ([]shared.Unit, error) {
	if direction != shared.DirectionPark && direction != shared.DirectionReactivate {
		return nil, &shared.ValidationError{Field: "direction", Reason: "must be PARK or REACTIVATE"}
	}
	if err := e.validate(key, quantity); err != nil {
		return nil, err
	}
	if err := e.lock(key); err != nil {
		transitionsTotal.WithLabelValues(string(direction), resultBusy).Inc()
		return nil, err
	}
	defer e.unlock(key)

	moved, err := e.store.Transition(ctx, key, direction.From(), direction.To(), quantity, e.now().UTC())
	if err != nil {
		if _, ok := shared.AsInsufficient(err); ok {
			transitionsTotal.WithLabelValues(string(direction), resultInsufficient).Inc()
			zap.S().Debugw("Transition rejected", "error", err)
		} else {
			transitionsTotal.WithLabelValues(string(direction), resultError).Inc()
		}
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(direction), resultOK).Inc()
	return moved, nil
}

// Counts reads a snapshot of key without taking the lock
func (e *Engine) Counts(ctx context.Context, key shared.Key) (shared.Counts, error) {
	return e.store.CountByState(ctx, key)
}
