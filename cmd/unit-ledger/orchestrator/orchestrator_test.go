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

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/cascade"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/counter"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/engine"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/helper"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/shared"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/store"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/validator"
	"github.com/united-manufacturing-hub/unit-ledger/internal"
	"github.com/united-manufacturing-hub/unit-ledger/pkg/datamodel"
)

type recordingPublisher struct {
	lock   sync.Mutex
	events []shared.Event
}

func (r *recordingPublisher) Publish(event shared.Event) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, event)
}

type failingStaging struct{}

func (failingStaging) Add(context.Context, string) error    { return errors.New("staging unreachable") }
func (failingStaging) Remove(context.Context, string) error { return errors.New("staging unreachable") }
func (failingStaging) List(context.Context) ([]string, error) {
	return nil, errors.New("staging unreachable")
}

type failingMachines struct{}

func (failingMachines) Update(context.Context, string, bool) error {
	return errors.New("broker down")
}

type fixture struct {
	orchestrator *Orchestrator
	store        store.Store
	counter      *counter.Counter
	machines     *cascade.MemoryMachineStatus
	staging      *cascade.MemoryStagingList
	publisher    *recordingPublisher
}

func newFixture(s store.Store) *fixture {
	helper.InitTestLogging()
	f := &fixture{
		store:     s,
		machines:  cascade.NewMemoryMachineStatus(),
		staging:   cascade.NewMemoryStagingList(),
		publisher: &recordingPublisher{},
	}
	f.counter = counter.New(s, internal.NewTieredCache(nil, time.Minute, 0), []string{"RFD"}, 1000, 0)
	f.orchestrator = New(
		validator.New(s, 1000),
		engine.New(s, 1000, 0),
		f.counter,
		s,
		f.machines,
		f.staging,
		f.publisher,
	)
	return f
}

func TestParkScenario(t *testing.T) {
	f := newFixture(store.NewMemoryStore())
	ctx := context.Background()
	key := shared.NewKey("Widget", "Cutting-1", "Milling")

	_, err := f.orchestrator.Create(ctx, key, 7)
	require.NoError(t, err)

	out, err := f.orchestrator.Park(ctx, key, 5)
	require.NoError(t, err)
	assert.Len(t, out.Units, 5)
	assert.Equal(t, []Phase{PhaseRequested, PhaseValidated, PhaseTransitioned, PhaseCascaded, PhasePublished}, out.Phases)

	out, err = f.orchestrator.Park(ctx, key, 3)
	insufficient, ok := shared.AsInsufficient(err)
	require.True(t, ok)
	assert.Equal(t, 2, insufficient.Available)
	assert.Equal(t, 3, insufficient.Requested)
	assert.Equal(t, PhaseFailed, out.Phase)
	assert.Equal(t, []Phase{PhaseRequested, PhaseFailed}, out.Phases)

	_, err = f.orchestrator.Park(ctx, key, 2)
	require.NoError(t, err)
	counts, err := f.store.CountByState(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Active)

	// create + two successful parks
	require.Len(t, f.publisher.events, 3)
	last := f.publisher.events[2]
	assert.Equal(t, shared.StateActive, last.FromState)
	assert.Equal(t, shared.StateParked, last.ToState)
	assert.Equal(t, 2, last.Quantity)
	assert.Nil(t, last.FunnelCount)

	// Nothing ACTIVE left on the machine or for the product
	assert.Equal(t, datamodel.NoOrderState, f.machines.Get("cutting-1"))
	staged, err := f.staging.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestUnknownKeyIsValidationError(t *testing.T) {
	f := newFixture(store.NewMemoryStore())
	out, err := f.orchestrator.Park(context.Background(), shared.NewKey("ghost", "m", "s"), 1)
	var v *shared.ValidationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "not found", v.Reason)
	assert.Equal(t, PhaseFailed, out.Phase)
	assert.Empty(t, f.publisher.events)

	_, err = f.orchestrator.Park(context.Background(), shared.NewKey("ghost", "m", "s"), 0)
	assert.True(t, shared.IsValidation(err))
	assert.EqualError(t, err, "invalid quantity: must be a positive integer")
	_, err = f.orchestrator.Create(context.Background(), shared.NewKey("w", "", "s"), 1)
	assert.True(t, shared.IsValidation(err))
}

func TestCascadeFailureDoesNotFailTransition(t *testing.T) {
	helper.InitTestLogging()
	s := store.NewMemoryStore()
	publisher := &recordingPublisher{}
	o := New(
		validator.New(s, 1000),
		engine.New(s, 1000, 0),
		counter.New(s, internal.NewTieredCache(nil, time.Minute, 0), []string{"RFD"}, 1000, 0),
		s,
		failingMachines{},
		failingStaging{},
		publisher,
	)
	ctx := context.Background()
	key := shared.NewKey("widget", "press-1", "Milling")

	out, err := o.Create(ctx, key, 3)
	require.NoError(t, err)
	assert.Len(t, out.CascadeFailures, 2)

	out, err = o.Park(ctx, key, 3)
	require.NoError(t, err)
	assert.Equal(t, PhasePublished, out.Phase)
	require.Len(t, out.CascadeFailures, 2)
	assert.Equal(t, StepMachineStatus, out.CascadeFailures[0].Step)
	assert.Equal(t, StepStaging, out.CascadeFailures[1].Step)

	counts, err := s.CountByState(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Parked)
	assert.Len(t, publisher.events, 2)
}

func TestFunnelCountIsFreshInEvents(t *testing.T) {
	f := newFixture(store.NewMemoryStore())
	ctx := context.Background()
	key := shared.NewKey("widget", "press-1", "RFD")

	out, err := f.orchestrator.Create(ctx, key, 4)
	require.NoError(t, err)
	require.NotNil(t, out.Events[0].FunnelCount)
	assert.Equal(t, 4, *out.Events[0].FunnelCount)

	out, err = f.orchestrator.Park(ctx, key, 1)
	require.NoError(t, err)
	require.NotNil(t, out.Events[0].FunnelCount)
	assert.Equal(t, 3, *out.Events[0].FunnelCount)

	out, err = f.orchestrator.Reactivate(ctx, key, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, *out.Events[0].FunnelCount)
	assert.Equal(t, shared.StateParked, out.Events[0].FromState)
}

func TestConsumePublishesPerMachine(t *testing.T) {
	f := newFixture(store.NewMemoryStore())
	ctx := context.Background()
	a := shared.NewKey("widget", "press-1", "RFD")
	b := shared.NewKey("widget", "press-2", "RFD")

	_, err := f.orchestrator.Create(ctx, a, 2)
	require.NoError(t, err)
	_, err = f.orchestrator.Create(ctx, b, 2)
	require.NoError(t, err)
	f.publisher.events = nil

	out, err := f.orchestrator.Consume(ctx, " Widget ", "RFD", 3)
	require.NoError(t, err)
	assert.Len(t, out.Units, 3)
	require.Len(t, out.Events, 2)
	assert.Equal(t, "press-1", out.Events[0].MachineKey)
	assert.Equal(t, 2, out.Events[0].Quantity)
	assert.Equal(t, "press-2", out.Events[1].MachineKey)
	assert.Equal(t, 1, out.Events[1].Quantity)
	for _, e := range out.Events {
		assert.Equal(t, shared.StateConsumed, e.ToState)
		require.NotNil(t, e.FunnelCount)
		assert.Equal(t, 1, *e.FunnelCount)
	}

	assert.Equal(t, datamodel.NoOrderState, f.machines.Get("press-1"))
	assert.Equal(t, datamodel.ProducingAtFullSpeedState, f.machines.Get("press-2"))
	staged, err := f.staging.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"widget"}, staged)

	_, err = f.orchestrator.Consume(ctx, "widget", "RFD", 1)
	require.NoError(t, err)
	staged, err = f.staging.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, staged)

	// Deleted units cannot come back
	_, err = f.orchestrator.Reactivate(ctx, a, 1)
	var v *shared.ValidationError
	_, isInsufficient := shared.AsInsufficient(err)
	assert.True(t, errors.As(err, &v) || isInsufficient)
}

func TestConsumeRejections(t *testing.T) {
	f := newFixture(store.NewMemoryStore())
	ctx := context.Background()

	out, err := f.orchestrator.Consume(ctx, "widget", "Milling", 1)
	assert.True(t, shared.IsValidation(err))
	assert.Equal(t, PhaseFailed, out.Phase)

	_, err = f.orchestrator.Consume(ctx, "widget", "RFD", 1)
	insufficient, ok := shared.AsInsufficient(err)
	require.True(t, ok)
	assert.Equal(t, shared.DirectionConsume, insufficient.Direction)
	assert.Empty(t, f.publisher.events)
}

type brokenCountStore struct {
	*store.MemoryStore
}

func (brokenCountStore) CountFunnel(context.Context, string, string) (int, error) {
	return 0, errors.New("scan failed")
}

func TestStaleCountIsNeverPublished(t *testing.T) {
	f := newFixture(brokenCountStore{store.NewMemoryStore()})
	ctx := context.Background()
	key := shared.NewKey("widget", "press-1", "RFD")

	out, err := f.orchestrator.Create(ctx, key, 2)
	require.NoError(t, err)
	assert.Nil(t, out.Events[0].FunnelCount)
	require.Len(t, out.CascadeFailures, 1)
	assert.Equal(t, StepCounter, out.CascadeFailures[0].Step)

	out, err = f.orchestrator.Consume(ctx, "widget", "RFD", 1)
	require.NoError(t, err)
	assert.Len(t, out.Units, 1)
	assert.Nil(t, out.Events[0].FunnelCount)
}

type flakyCountStore struct {
	*store.MemoryStore
	fail atomic.Bool
}

func (s *flakyCountStore) CountFunnel(ctx context.Context, productKey string, stage string) (int, error) {
	if s.fail.Load() {
		return 0, errors.New("scan failed")
	}
	return s.MemoryStore.CountFunnel(ctx, productKey, stage)
}

func TestFailedRecomputeDropsCachedCount(t *testing.T) {
	s := &flakyCountStore{MemoryStore: store.NewMemoryStore()}
	f := newFixture(s)
	ctx := context.Background()
	key := shared.NewKey("widget", "press-1", "RFD")

	_, err := f.orchestrator.Create(ctx, key, 5)
	require.NoError(t, err)
	row, err := f.counter.Get(ctx, "widget", "RFD")
	require.NoError(t, err)
	require.Equal(t, 5, row.Count)

	s.fail.Store(true)
	out, err := f.orchestrator.Park(ctx, key, 3)
	require.NoError(t, err)
	assert.Len(t, out.Units, 3)
	assert.Nil(t, out.Events[0].FunnelCount)
	require.Len(t, out.CascadeFailures, 1)
	assert.Equal(t, StepCounter, out.CascadeFailures[0].Step)
	s.fail.Store(false)

	fresh, err := s.CountFunnel(ctx, "widget", "RFD")
	require.NoError(t, err)
	row, err = f.counter.Get(ctx, "widget", "RFD")
	require.NoError(t, err)
	assert.Equal(t, 2, fresh)
	assert.Equal(t, fresh, row.Count)
}
