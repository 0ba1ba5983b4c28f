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

package validator

import (
	"context"
	"errors"

	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/shared"
)

const (
	ReasonOK           = ""
	ReasonNotFound     = "not found"
	ReasonInsufficient = "insufficient quantity"
)

// CountReader is the part of the store the validator reads
type CountReader interface {
	CountByState(ctx context.Context, key shared.Key) (shared.Counts, error)
}

// Check is the availability rule on a snapshot.
// quantity == available is allowed and drains the key.
func Check(counts shared.Counts, direction shared.Direction, quantity int, ceiling int) (ok bool, available int, reason string) {
	if err := shared.ValidateQuantity(quantity, ceiling); err != nil {
		var v *shared.ValidationError
		if errors.As(err, &v) {
			return false, counts.Available(direction), v.Reason
		}
		return false, counts.Available(direction), err.Error()
	}
	if !counts.Known {
		return false, 0, ReasonNotFound
	}
	available = counts.Available(direction)
	if quantity > available {
		return false, available, ReasonInsufficient
	}
	return true, available, ReasonOK
}

// Validator answers whether a transition could happen now. It never writes.
type Validator struct {
	store   CountReader
	ceiling int
}

func New(store CountReader, ceiling int) *Validator {
	return &Validator{store: store, ceiling: ceiling}
}

func (v *Validator) Ceiling() int {
	return v.ceiling
}

// CanTransition reads a snapshot of key. An unknown key is a negative answer, not an error.
// The error is only set when the store could not be read.
func (v *Validator) CanTransition(ctx context.Context, key shared.Key, direction shared.Direction, quantity int) (ok bool, available int, reason string, err error) {
	if errK := key.Validate(); errK != nil {
		return false, 0, errK.Error(), nil
	}
	counts, err := v.store.CountByState(ctx, key)
	if err != nil {
		return false, 0, "", err
	}
	ok, available, reason = Check(counts, direction, quantity, v.ceiling)
	return ok, available, reason, nil
}
