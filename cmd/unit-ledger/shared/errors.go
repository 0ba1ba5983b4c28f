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
)

// ErrKeyBusy is returned when the per-key lock could not be taken in time. Safe to retry.
var ErrKeyBusy = errors.New("key is busy, retry later")

// ErrNotFound is returned when nothing was ever created for a key
var ErrNotFound = errors.New("not found")

// ValidationError rejects a malformed request. It never changes the ledger.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InsufficientQuantityError means fewer units were available than requested at commit time.
type InsufficientQuantityError struct {
	Key       Key
	Direction Direction
	Available int
	Requested int
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("insufficient quantity for %s %s/%s/%s: available %d, requested %d",
		e.Direction, e.Key.ProductKey, e.Key.MachineKey, e.Key.Stage, e.Available, e.Requested)
}

// CascadeFailure is a failed projection step after a committed change. It is logged, never returned to callers.
type CascadeFailure struct {
	Step string
	Key  Key
	Err  error
}

func (e *CascadeFailure) Error() string {
	return fmt.Sprintf("cascade %s failed for %s/%s/%s: %s", e.Step, e.Key.ProductKey, e.Key.MachineKey, e.Key.Stage, e.Err)
}

func (e *CascadeFailure) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// AsInsufficient extracts an InsufficientQuantityError from err
func AsInsufficient(err error) (*InsufficientQuantityError, bool) {
	var e *InsufficientQuantityError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
