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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyNormalizes(t *testing.T) {
	a := NewKey("  Widget ", "Cutting-1", " Milling ")
	b := NewKey("widget", "CUTTING-1", "Milling")
	assert.Equal(t, a, b)
	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, "widget", a.ProductKey)
	assert.Equal(t, "cutting-1", a.MachineKey)
	assert.Equal(t, "Milling", a.Stage)

	assert.Equal(t, "big widget", NormalizeName("Big \t  Widget"))
}

func TestKeyValidate(t *testing.T) {
	assert.NoError(t, NewKey("w", "m", "s").Validate())

	err := NewKey("   ", "m", "s").Validate()
	var v *ValidationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "product", v.Field)

	assert.True(t, IsValidation(NewKey("w", "", "s").Validate()))
	assert.True(t, IsValidation(NewKey("w", "m", "").Validate()))
}

func TestValidateQuantity(t *testing.T) {
	assert.NoError(t, ValidateQuantity(1, 1000))
	assert.NoError(t, ValidateQuantity(1000, 1000))
	assert.True(t, IsValidation(ValidateQuantity(0, 1000)))
	assert.True(t, IsValidation(ValidateQuantity(-3, 1000)))
	assert.True(t, IsValidation(ValidateQuantity(1001, 1000)))
	// No ceiling configured
	assert.NoError(t, ValidateQuantity(5000, 0))
}

func TestDirection(t *testing.T) {
	d, err := ParseDirection(" park ")
	require.NoError(t, err)
	assert.Equal(t, DirectionPark, d)
	assert.Equal(t, StateActive, d.From())
	assert.Equal(t, StateParked, d.To())

	d, err = ParseDirection("REACTIVATE")
	require.NoError(t, err)
	assert.Equal(t, StateParked, d.From())
	assert.Equal(t, StateActive, d.To())

	_, err = ParseDirection("consume")
	assert.True(t, IsValidation(err))

	c := Counts{Active: 4, Parked: 2, Known: true}
	assert.Equal(t, 4, c.Available(DirectionPark))
	assert.Equal(t, 2, c.Available(DirectionReactivate))
}

func TestSortFIFO(t *testing.T) {
	t0 := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	units := []Unit{
		{ID: "10", CreatedAt: t0},
		{ID: "3", CreatedAt: t0.Add(time.Second)},
		{ID: "9", CreatedAt: t0},
		{ID: "1", CreatedAt: t0.Add(time.Second)},
	}
	SortFIFO(units)
	assert.Equal(t, []string{"9", "10", "1", "3"}, IDs(units))
}

func TestGroupByKey(t *testing.T) {
	units := []Unit{
		{ID: "1", ProductKey: "p", MachineKey: "m2", Stage: "RFD"},
		{ID: "2", ProductKey: "p", MachineKey: "m1", Stage: "RFD"},
		{ID: "3", ProductKey: "p", MachineKey: "m2", Stage: "RFD"},
	}
	keys, groups := GroupByKey(units)
	require.Len(t, keys, 2)
	assert.Equal(t, "m1", keys[0].MachineKey)
	assert.Equal(t, []string{"1", "3"}, IDs(groups[keys[1]]))
}

func TestErrors(t *testing.T) {
	insufficient := &InsufficientQuantityError{Key: NewKey("w", "m", "s"), Direction: DirectionPark, Available: 2, Requested: 3}
	wrapped := fmt.Errorf("park: %w", insufficient)
	got, ok := AsInsufficient(wrapped)
	require.True(t, ok)
	assert.Equal(t, 2, got.Available)
	assert.Equal(t, 3, got.Requested)
	_, ok = AsInsufficient(errors.New("other"))
	assert.False(t, ok)

	cause := errors.New("redis down")
	cf := &CascadeFailure{Step: "staging", Key: NewKey("w", "m", "s"), Err: cause}
	assert.ErrorIs(t, cf, cause)
	assert.Contains(t, cf.Error(), "staging")
}
