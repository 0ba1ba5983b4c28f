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
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/cascade"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/counter"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/engine"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/shared"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/validator"
	"go.uber.org/zap"
)

var cascadeFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "unitledger_cascade_failures_total",
		Help: "The total number of failed cascade steps by step",
	},
	[]string{"step"},
)

// Phase of one batch operation
type Phase string

const (
	PhaseRequested    Phase = "REQUESTED"
	PhaseValidated    Phase = "VALIDATED"
	PhaseTransitioned Phase = "TRANSITIONED"
	PhaseCascaded     Phase = "CASCADED"
	PhasePublished    Phase = "PUBLISHED"
	PhaseFailed       Phase = "FAILED"
)

const (
	StepMachineStatus = "machine-status"
	StepStaging       = "staging"
	StepCounter       = "counter"
)

// Ledger is the read side the cascades need
type Ledger interface {
	HasActiveOnMachine(ctx context.Context, machineKey string) (bool, error)
	HasActiveForProduct(ctx context.Context, productKey string) (bool, error)
}

// Publisher receives every committed change
type Publisher interface {
	Publish(event shared.Event)
}

// Outcome describes how far an operation got
type Outcome struct {
	Phase     Phase
	Phases    []Phase
	Direction shared.Direction
	Key       shared.Key
	Units     []shared.Unit
	Events    []shared.Event
	// Cascades that failed, the operation itself still succeeded
	CascadeFailures []*shared.CascadeFailure
	Err             error
}

func newOutcome(direction shared.Direction, key shared.Key) *Outcome {
	return &Outcome{Phase: PhaseRequested, Phases: []Phase{PhaseRequested}, Direction: direction, Key: key}
}

func (o *Outcome) advance(p Phase) {
	o.Phase = p
	o.Phases = append(o.Phases, p)
}

func (o *Outcome) fail(err error) (*Outcome, error) {
	o.advance(PhaseFailed)
	o.Err = err
	return o, err
}

type Orchestrator struct {
	validator *validator.Validator
	engine    *engine.Engine
	counter   *counter.Counter
	ledger    Ledger
	machines  cascade.MachineStatus
	staging   cascade.StagingList
	publisher Publisher
	now       func() time.Time
}

func New(v *validator.Validator, e *engine.Engine, c *counter.Counter, ledger Ledger, machines cascade.MachineStatus, staging cascade.StagingList, publisher Publisher) *Orchestrator {
	return &Orchestrator{
		validator: v,
		engine:    e,
		counter:   c,
		ledger:    ledger,
		machines:  machines,
		staging:   staging,
		publisher: publisher,
		now:       time.Now,
	}
}

// Park moves the quantity oldest ACTIVE units of key to PARKED
func (o *Orchestrator) Park(ctx context.Context, key shared.Key, quantity int) (*Outcome, error) {
	return o.Transition(ctx, key, shared.DirectionPark, quantity)
}

// Reactivate moves the quantity oldest PARKED units of key back to ACTIVE
func (o *Orchestrator) Reactivate(ctx context.Context, key shared.Key, quantity int) (*Outcome, error) {
	return o.Transition(ctx, key, shared.DirectionReactivate, quantity)
}

// Transition runs one batch through all phases. A lost race is returned as is, it is never retried here.
func (o *Orchestrator) Transition(ctx context.Context, key shared.Key, direction shared.Direction, quantity int) (*Outcome, error) {
	out := newOutcome(direction, key)

	ok, available, reason, err := o.validator.CanTransition(ctx, key, direction, quantity)
	if err != nil {
		return out.fail(err)
	}
	if !ok {
		err = rejection(key, direction, quantity, available, reason)
		zap.S().Debugw("Transition rejected before commit", "product", key.ProductKey, "machine", key.MachineKey, "stage", key.Stage, "error", err)
		return out.fail(err)
	}
	out.advance(PhaseValidated)

	moved, err := o.engine.Transition(ctx, key, direction, quantity)
	if err != nil {
		return out.fail(err)
	}
	out.Units = moved
	out.advance(PhaseTransitioned)

	// The transition is committed, nothing below may undo it or be cut short by the caller leaving
	detached := context.WithoutCancel(ctx)
	o.cascadeMachine(detached, out, key)
	o.cascadeStaging(detached, out, key, direction == shared.DirectionReactivate)
	funnelCount := o.cascadeCounter(detached, out, key)
	out.advance(PhaseCascaded)

	o.publish(out, shared.Event{
		ProductKey:  key.ProductKey,
		MachineKey:  key.MachineKey,
		Stage:       key.Stage,
		FromState:   direction.From(),
		ToState:     direction.To(),
		Quantity:    len(moved),
		UnitIDs:     shared.IDs(moved),
		FunnelCount: funnelCount,
		Timestamp:   o.now().UTC(),
	})
	return out, nil
}

// Create adds quantity ACTIVE units and runs the same cascades as a transition
func (o *Orchestrator) Create(ctx context.Context, key shared.Key, quantity int) (*Outcome, error) {
	out := newOutcome("", key)
	if err := key.Validate(); err != nil {
		return out.fail(err)
	}
	if err := shared.ValidateQuantity(quantity, o.validator.Ceiling()); err != nil {
		return out.fail(err)
	}
	out.advance(PhaseValidated)

	created, err := o.engine.Create(ctx, key, quantity)
	if err != nil {
		return out.fail(err)
	}
	out.Units = created
	out.advance(PhaseTransitioned)

	detached := context.WithoutCancel(ctx)
	o.cascadeMachine(detached, out, key)
	o.cascadeStaging(detached, out, key, true)
	funnelCount := o.cascadeCounter(detached, out, key)
	out.advance(PhaseCascaded)

	o.publish(out, shared.Event{
		ProductKey:  key.ProductKey,
		MachineKey:  key.MachineKey,
		Stage:       key.Stage,
		ToState:     shared.StateActive,
		Quantity:    len(created),
		UnitIDs:     shared.IDs(created),
		FunnelCount: funnelCount,
		Timestamp:   o.now().UTC(),
	})
	return out, nil
}

// Consume drains a funnel. The deleted units may span several machines, one event is published per machine.
func (o *Orchestrator) Consume(ctx context.Context, productKey string, stage string, quantity int) (*Outcome, error) {
	funnel := shared.Key{ProductKey: shared.NormalizeName(productKey), Stage: strings.TrimSpace(stage)}
	out := newOutcome(shared.DirectionConsume, funnel)
	if funnel.ProductKey == "" {
		return out.fail(&shared.ValidationError{Field: "product", Reason: "must not be empty"})
	}
	if !o.counter.IsFunnelStage(funnel.Stage) {
		return out.fail(&shared.ValidationError{Field: "stage", Reason: "is not a funnel stage"})
	}
	if err := shared.ValidateQuantity(quantity, o.validator.Ceiling()); err != nil {
		return out.fail(err)
	}
	out.advance(PhaseValidated)

	consumed, row, err := o.counter.Consume(ctx, funnel.ProductKey, funnel.Stage, quantity)
	var counterFailure *shared.CascadeFailure
	if err != nil && !errors.As(err, &counterFailure) {
		return out.fail(err)
	}
	out.Units = consumed
	out.advance(PhaseTransitioned)

	detached := context.WithoutCancel(ctx)
	var funnelCount *int
	if counterFailure != nil {
		o.recordFailure(out, counterFailure)
	} else {
		count := row.Count
		funnelCount = &count
	}

	keys, groups := shared.GroupByKey(consumed)
	for _, k := range keys {
		o.cascadeMachine(detached, out, k)
	}
	o.cascadeStaging(detached, out, funnel, false)
	out.advance(PhaseCascaded)

	now := o.now().UTC()
	for _, k := range keys {
		units := groups[k]
		o.publishOne(shared.Event{
			ProductKey:  k.ProductKey,
			MachineKey:  k.MachineKey,
			Stage:       k.Stage,
			FromState:   shared.StateActive,
			ToState:     shared.StateConsumed,
			Quantity:    len(units),
			UnitIDs:     shared.IDs(units),
			FunnelCount: funnelCount,
			Timestamp:   now,
		}, out)
	}
	out.advance(PhasePublished)
	return out, nil
}

func rejection(key shared.Key, direction shared.Direction, quantity int, available int, reason string) error {
	switch reason {
	case validator.ReasonNotFound:
		return &shared.ValidationError{Field: "key", Reason: validator.ReasonNotFound}
	case validator.ReasonInsufficient:
		return &shared.InsufficientQuantityError{Key: key, Direction: direction, Available: available, Requested: quantity}
	}
	if err := key.Validate(); err != nil {
		return err
	}
	return &shared.ValidationError{Field: "quantity", Reason: reason}
}

func (o *Orchestrator) recordFailure(out *Outcome, failure *shared.CascadeFailure) {
	cascadeFailuresTotal.WithLabelValues(failure.Step).Inc()
	zap.S().Warnw("Cascade failed, ledger change is kept",
		"step", failure.Step,
		"product", failure.Key.ProductKey,
		"machine", failure.Key.MachineKey,
		"stage", failure.Key.Stage,
		"error", failure.Err,
	)
	out.CascadeFailures = append(out.CascadeFailures, failure)
}

func (o *Orchestrator) cascadeMachine(ctx context.Context, out *Outcome, key shared.Key) {
	hasActive, err := o.ledger.HasActiveOnMachine(ctx, key.MachineKey)
	if err == nil {
		err = o.machines.Update(ctx, key.MachineKey, hasActive)
	}
	if err != nil {
		o.recordFailure(out, &shared.CascadeFailure{Step: StepMachineStatus, Key: key, Err: err})
	}
}

func (o *Orchestrator) cascadeStaging(ctx context.Context, out *Outcome, key shared.Key, addIfActive bool) {
	hasActive, err := o.ledger.HasActiveForProduct(ctx, key.ProductKey)
	if err == nil {
		if !hasActive {
			err = o.staging.Remove(ctx, key.ProductKey)
		} else if addIfActive {
			err = o.staging.Add(ctx, key.ProductKey)
		}
	}
	if err != nil {
		o.recordFailure(out, &shared.CascadeFailure{Step: StepStaging, Key: key, Err: err})
	}
}

// cascadeCounter returns nil when the stage has no counter or the recompute failed, so a stale count is never published
func (o *Orchestrator) cascadeCounter(ctx context.Context, out *Outcome, key shared.Key) *int {
	if !o.counter.IsFunnelStage(key.Stage) {
		return nil
	}
	row, err := o.counter.Recompute(ctx, key.ProductKey, key.Stage)
	if err != nil {
		o.counter.Invalidate(ctx, key.ProductKey, key.Stage)
		o.recordFailure(out, &shared.CascadeFailure{Step: StepCounter, Key: key, Err: err})
		return nil
	}
	count := row.Count
	return &count
}

func (o *Orchestrator) publish(out *Outcome, event shared.Event) {
	o.publishOne(event, out)
	out.advance(PhasePublished)
}

func (o *Orchestrator) publishOne(event shared.Event, out *Outcome) {
	o.publisher.Publish(event)
	out.Events = append(out.Events, event)
}
