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
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/shared"
)

type bucket struct {
	lock  sync.Mutex
	key   shared.Key
	units []shared.Unit
}

// MemoryStore keeps units in process memory.
// Every key has its own lock, keys never block each other.
type MemoryStore struct {
	bucketsLock sync.RWMutex
	buckets     map[string]*bucket
	sequence    atomic.Uint64
	closed      atomic.Bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*bucket),
	}
}

var errClosed = errors.New("store is closed")

func (m *MemoryStore) getBucket(key shared.Key, create bool) *bucket {
	k := key.String()
	m.bucketsLock.RLock()
	b, ok := m.buckets[k]
	m.bucketsLock.RUnlock()
	if ok || !create {
		return b
	}

	m.bucketsLock.Lock()
	defer m.bucketsLock.Unlock()
	// Another writer might have created it in the meantime
	b, ok = m.buckets[k]
	if !ok {
		b = &bucket{key: key}
		m.buckets[k] = b
	}
	return b
}

// matching returns the buckets accepted by filter, sorted by key
func (m *MemoryStore) matching(filter func(shared.Key) bool) []*bucket {
	m.bucketsLock.RLock()
	defer m.bucketsLock.RUnlock()
	var result []*bucket
	for _, b := range m.buckets {
		if filter(b.key) {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].key.String() < result[j].key.String()
	})
	return result
}

func (m *MemoryStore) CreateUnits(ctx context.Context, key shared.Key, n int, now time.Time) ([]shared.Unit, error) {
	if m.closed.Load() {
		return nil, errClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := m.getBucket(key, true)
	b.lock.Lock()
	defer b.lock.Unlock()

	created := make([]shared.Unit, 0, n)
	for i := 0; i < n; i++ {
		created = append(created, shared.Unit{
			ID:         FormatID(m.sequence.Add(1)),
			ProductKey: key.ProductKey,
			MachineKey: key.MachineKey,
			Stage:      key.Stage,
			State:      shared.StateActive,
			CreatedAt:  now,
		})
	}
	b.units = append(b.units, created...)
	return created, nil
}

func (m *MemoryStore) CountByState(ctx context.Context, key shared.Key) (shared.Counts, error) {
	if m.closed.Load() {
		return shared.Counts{}, errClosed
	}
	b := m.getBucket(key, false)
	if b == nil {
		return shared.Counts{}, nil
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	counts := shared.Counts{Known: true}
	for _, u := range b.units {
		switch u.State {
		case shared.StateActive:
			counts.Active++
		case shared.StateParked:
			counts.Parked++
		}
	}
	return counts, nil
}

func (m *MemoryStore) Transition(ctx context.Context, key shared.Key, from shared.State, to shared.State, n int, now time.Time) ([]shared.Unit, error) {
	if m.closed.Load() {
		return nil, errClosed
	}
	if !validState(from) || !validState(to) || from == to {
		return nil, &shared.ValidationError{Field: "state", Reason: "transition must be between ACTIVE and PARKED"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := m.getBucket(key, false)
	if b == nil {
		return nil, insufficient(key, from, 0, n)
	}
	b.lock.Lock()
	defer b.lock.Unlock()

	shared.SortFIFO(b.units)
	selected := make([]int, 0, n)
	available := 0
	for i, u := range b.units {
		if u.State != from {
			continue
		}
		available++
		if len(selected) < n {
			selected = append(selected, i)
		}
	}
	if available < n {
		return nil, insufficient(key, from, available, n)
	}

	moved := make([]shared.Unit, 0, n)
	for _, i := range selected {
		stamp := now
		b.units[i].State = to
		b.units[i].TransitionedAt = &stamp
		moved = append(moved, b.units[i])
	}
	return moved, nil
}

func (m *MemoryStore) Consume(ctx context.Context, productKey string, stage string, n int) ([]shared.Unit, error) {
	if m.closed.Load() {
		return nil, errClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buckets := m.matching(func(k shared.Key) bool {
		return k.ProductKey == productKey && k.Stage == stage
	})
	// Sorted order prevents lock cycles with concurrent consumers
	for _, b := range buckets {
		b.lock.Lock()
	}
	defer func() {
		for _, b := range buckets {
			b.lock.Unlock()
		}
	}()

	var candidates []shared.Unit
	for _, b := range buckets {
		for _, u := range b.units {
			if u.State == shared.StateActive {
				candidates = append(candidates, u)
			}
		}
	}
	if len(candidates) < n {
		return nil, &shared.InsufficientQuantityError{
			Key:       shared.Key{ProductKey: productKey, Stage: stage},
			Direction: shared.DirectionConsume,
			Available: len(candidates),
			Requested: n,
		}
	}
	shared.SortFIFO(candidates)
	consumed := candidates[:n]

	drop := make(map[string]struct{}, n)
	for _, u := range consumed {
		drop[u.ID] = struct{}{}
	}
	for _, b := range buckets {
		kept := b.units[:0]
		for _, u := range b.units {
			if _, ok := drop[u.ID]; !ok {
				kept = append(kept, u)
			}
		}
		b.units = kept
	}
	return consumed, nil
}

func (m *MemoryStore) CountFunnel(ctx context.Context, productKey string, stage string) (int, error) {
	if m.closed.Load() {
		return 0, errClosed
	}
	count := 0
	for _, b := range m.matching(func(k shared.Key) bool {
		return k.ProductKey == productKey && k.Stage == stage
	}) {
		count += b.countActive()
	}
	return count, nil
}

func (m *MemoryStore) HasActiveOnMachine(ctx context.Context, machineKey string) (bool, error) {
	return m.anyActive(func(k shared.Key) bool { return k.MachineKey == machineKey })
}

func (m *MemoryStore) HasActiveForProduct(ctx context.Context, productKey string) (bool, error) {
	return m.anyActive(func(k shared.Key) bool { return k.ProductKey == productKey })
}

func (m *MemoryStore) anyActive(filter func(shared.Key) bool) (bool, error) {
	if m.closed.Load() {
		return false, errClosed
	}
	for _, b := range m.matching(filter) {
		if b.countActive() > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (b *bucket) countActive() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	count := 0
	for _, u := range b.units {
		if u.State == shared.StateActive {
			count++
		}
	}
	return count
}

func (m *MemoryStore) ListUnits(ctx context.Context, key shared.Key) ([]shared.Unit, error) {
	if m.closed.Load() {
		return nil, errClosed
	}
	b := m.getBucket(key, false)
	if b == nil {
		return nil, nil
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	units := make([]shared.Unit, len(b.units))
	copy(units, b.units)
	shared.SortFIFO(units)
	return units, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return errClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.closed.Store(true)
	return nil
}
