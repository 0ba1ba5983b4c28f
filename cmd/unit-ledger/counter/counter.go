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

package counter

import (
	"context"
	"strings"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/shared"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/store"
	"github.com/united-manufacturing-hub/unit-ledger/internal"
	"go.uber.org/zap"
)

var unitsConsumedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "unitledger_units_consumed_total",
		Help: "The total number of units deleted by funnel consumption",
	},
)

// Counter maintains the ACTIVE unit count of every (product, funnel stage) pair.
// The cached value is never the write of record, Recompute derives it from the store.
type Counter struct {
	store   store.Store
	cache   *internal.TieredCache
	locks   *mapmutex.Mutex
	stages  map[string]struct{}
	ceiling int
	now     func() time.Time
}

func New(s store.Store, cache *internal.TieredCache, stages []string, ceiling int, lockMaxRetry int) *Counter {
	if lockMaxRetry <= 0 {
		lockMaxRetry = 800
	}
	st := make(map[string]struct{}, len(stages))
	for _, stage := range stages {
		stage = strings.TrimSpace(stage)
		if stage != "" {
			st[stage] = struct{}{}
		}
	}
	return &Counter{
		store:   s,
		cache:   cache,
		locks:   mapmutex.NewCustomizedMapMutex(lockMaxRetry, 100000000, 10, 1.1, 0.2),
		stages:  st,
		ceiling: ceiling,
		now:     time.Now,
	}
}

// IsFunnelStage reports whether stage has an aggregate counter
func (c *Counter) IsFunnelStage(stage string) bool {
	_, ok := c.stages[stage]
	return ok
}

func cacheKey(productKey string, stage string) string {
	return "unitledger:funnel:" + internal.AsXXHashString(productKey, stage)
}

func (c *Counter) validate(productKey string, stage string) error {
	if productKey == "" {
		return &shared.ValidationError{Field: "product", Reason: "must not be empty"}
	}
	if !c.IsFunnelStage(stage) {
		return &shared.ValidationError{Field: "stage", Reason: "is not a funnel stage"}
	}
	return nil
}

// Get returns the last recomputed row. A cold cache falls through to Recompute.
func (c *Counter) Get(ctx context.Context, productKey string, stage string) (shared.FunnelRow, error) {
	productKey = shared.NormalizeName(productKey)
	stage = strings.TrimSpace(stage)
	if err := c.validate(productKey, stage); err != nil {
		return shared.FunnelRow{}, err
	}
	if raw, found := c.cache.GetTiered(ctx, cacheKey(productKey, stage)); found {
		var row shared.FunnelRow
		if err := json.Unmarshal(raw, &row); err == nil {
			return row, nil
		}
		zap.S().Warnf("Dropping undecodable funnel cache entry for %s/%s", productKey, stage)
	}
	return c.Recompute(ctx, productKey, stage)
}

// Recompute scans the store and refreshes the cache, serialized per (product, stage)
func (c *Counter) Recompute(ctx context.Context, productKey string, stage string) (shared.FunnelRow, error) {
	productKey = shared.NormalizeName(productKey)
	stage = strings.TrimSpace(stage)
	if err := c.validate(productKey, stage); err != nil {
		return shared.FunnelRow{}, err
	}
	lockKey := shared.FunnelKey(productKey, stage)
	if !c.locks.TryLock(lockKey) {
		return shared.FunnelRow{}, shared.ErrKeyBusy
	}
	defer c.locks.Unlock(lockKey)
	return c.recompute(ctx, productKey, stage)
}

// Invalidate drops the cached row so the next Get rescans the store
func (c *Counter) Invalidate(ctx context.Context, productKey string, stage string) {
	c.cache.DeleteTiered(ctx, cacheKey(shared.NormalizeName(productKey), strings.TrimSpace(stage)))
}

// recompute must be called with the pair lock held
func (c *Counter) recompute(ctx context.Context, productKey string, stage string) (shared.FunnelRow, error) {
	count, err := c.store.CountFunnel(ctx, productKey, stage)
	if err != nil {
		return shared.FunnelRow{}, err
	}
	row := shared.FunnelRow{
		ProductKey:  productKey,
		Stage:       stage,
		Count:       count,
		LastUpdated: c.now().UTC(),
	}
	raw, err := json.Marshal(row)
	if err != nil {
		return shared.FunnelRow{}, err
	}
	c.cache.SetTiered(ctx, cacheKey(productKey, stage), raw)
	return row, nil
}

// Consume permanently deletes the quantity oldest ACTIVE units of the funnel and returns them
// together with the recomputed row. Deleted units can never be reactivated.
func (c *Counter) Consume(ctx context.Context, productKey string, stage string, quantity int) ([]shared.Unit, shared.FunnelRow, error) {
	productKey = shared.NormalizeName(productKey)
	stage = strings.TrimSpace(stage)
	if err := c.validate(productKey, stage); err != nil {
		return nil, shared.FunnelRow{}, err
	}
	if err := shared.ValidateQuantity(quantity, c.ceiling); err != nil {
		return nil, shared.FunnelRow{}, err
	}
	lockKey := shared.FunnelKey(productKey, stage)
	if !c.locks.TryLock(lockKey) {
		return nil, shared.FunnelRow{}, shared.ErrKeyBusy
	}
	defer c.locks.Unlock(lockKey)

	consumed, err := c.store.Consume(ctx, productKey, stage, quantity)
	if err != nil {
		return nil, shared.FunnelRow{}, err
	}
	unitsConsumedTotal.Add(float64(len(consumed)))

	row, err := c.recompute(ctx, productKey, stage)
	if err != nil {
		// The delete is committed. Drop the cached value so nobody reads the stale count.
		c.Invalidate(ctx, productKey, stage)
		return consumed, shared.FunnelRow{}, &shared.CascadeFailure{
			Step: "counter",
			Key:  shared.Key{ProductKey: productKey, Stage: stage},
			Err:  err,
		}
	}
	return consumed, row, nil
}
