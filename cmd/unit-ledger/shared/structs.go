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

package shared

import (
	"sort"
	"strings"
	"time"
)

const (
	// KeySeparator cannot occur in a normalized name, and therefore can be safely used as a separator
	KeySeparator = "\x1f"
)

// State is the ledger state of a unit.
type State string

const (
	StateActive State = "ACTIVE"
	StateParked State = "PARKED"
	// StateConsumed only appears in events. Consumed units are deleted from the ledger.
	StateConsumed State = "CONSUMED"
)

// Direction selects which way a batch of units is moved.
type Direction string

const (
	DirectionPark       Direction = "PARK"
	DirectionReactivate Direction = "REACTIVATE"
	// DirectionConsume deletes units. It is never accepted by ParseDirection.
	DirectionConsume Direction = "CONSUME"
)

// From returns the state units must be in to be selected for this direction
func (d Direction) From() State {
	if d == DirectionReactivate {
		return StateParked
	}
	return StateActive
}

// To returns the state units end up in
func (d Direction) To() State {
	switch d {
	case DirectionReactivate:
		return StateActive
	case DirectionConsume:
		return StateConsumed
	}
	return StateParked
}

// ParseDirection accepts "park"/"reactivate" in any case.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(s))) {
	case DirectionPark:
		return DirectionPark, nil
	case DirectionReactivate:
		return DirectionReactivate, nil
	}
	return "", &ValidationError{Field: "direction", Reason: "must be PARK or REACTIVATE"}
}

// Key identifies one FIFO queue of units.
type Key struct {
	ProductKey string `json:"productKey"`
	MachineKey string `json:"machineKey"`
	Stage      string `json:"stage"`
}

// NewKey normalizes the product and machine names. The stage label is only trimmed.
func NewKey(product, machine, stage string) Key {
	return Key{
		ProductKey: NormalizeName(product),
		MachineKey: NormalizeName(machine),
		Stage:      strings.TrimSpace(stage),
	}
}

// Validate checks that no part of the key is empty
func (k Key) Validate() error {
	if k.ProductKey == "" {
		return &ValidationError{Field: "product", Reason: "must not be empty"}
	}
	if k.MachineKey == "" {
		return &ValidationError{Field: "machine", Reason: "must not be empty"}
	}
	if k.Stage == "" {
		return &ValidationError{Field: "stage", Reason: "must not be empty"}
	}
	return nil
}

func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.ProductKey)
	b.WriteString(KeySeparator)
	b.WriteString(k.MachineKey)
	b.WriteString(KeySeparator)
	b.WriteString(k.Stage)
	return b.String()
}

// FunnelKey identifies an aggregate counter row.
func FunnelKey(productKey, stage string) string {
	return productKey + KeySeparator + stage
}

// Unit is one discrete quantity item.
type Unit struct {
	ID             string     `json:"id"`
	ProductKey     string     `json:"productKey"`
	MachineKey     string     `json:"machineKey"`
	Stage          string     `json:"stage"`
	State          State      `json:"state"`
	CreatedAt      time.Time  `json:"createdAt"`
	TransitionedAt *time.Time `json:"transitionedAt,omitempty"`
}

// Key returns the immutable key triple of the unit
func (u Unit) Key() Key {
	return Key{ProductKey: u.ProductKey, MachineKey: u.MachineKey, Stage: u.Stage}
}

// IDs returns the ids of the given units in their current order
func IDs(units []Unit) []string {
	ids := make([]string, 0, len(units))
	for _, u := range units {
		ids = append(ids, u.ID)
	}
	return ids
}

// LessID orders decimal or zero-padded ids numerically.
func LessID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// LessFIFO is the FIFO order of the ledger: oldest creation first, ties by id.
func LessFIFO(a, b Unit) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return LessID(a.ID, b.ID)
}

// SortFIFO sorts units in place in FIFO order
func SortFIFO(units []Unit) {
	sort.SliceStable(units, func(i, j int) bool {
		return LessFIFO(units[i], units[j])
	})
}

// GroupByKey splits units by their key, keeping FIFO order inside each group.
// The returned keys are sorted to give callers a deterministic iteration order.
func GroupByKey(units []Unit) ([]Key, map[Key][]Unit) {
	groups := make(map[Key][]Unit)
	var keys []Key
	for _, u := range units {
		k := u.Key()
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], u)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, groups
}

// Counts is a snapshot of one key.
type Counts struct {
	Active int  `json:"active"`
	Parked int  `json:"parked"`
	Known  bool `json:"known"`
}

// Available returns how many units may leave the given direction's source state
func (c Counts) Available(d Direction) int {
	if d.From() == StateParked {
		return c.Parked
	}
	return c.Active
}

// Event is what observers receive for every committed ledger change.
type Event struct {
	ProductKey  string    `json:"productKey"`
	MachineKey  string    `json:"machineKey"`
	Stage       string    `json:"stage"`
	FromState   State     `json:"fromState,omitempty"`
	ToState     State     `json:"toState"`
	Quantity    int       `json:"quantity"`
	UnitIDs     []string  `json:"unitIds,omitempty"`
	FunnelCount *int      `json:"funnelCount,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// FunnelRow is one aggregate counter row
type FunnelRow struct {
	ProductKey  string    `json:"productKey"`
	Stage       string    `json:"stage"`
	Count       int       `json:"count"`
	LastUpdated time.Time `json:"lastUpdated"`
}
