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

package datamodel

const (
	// ProducingAtFullSpeedState means that the asset is producing at full speed
	ProducingAtFullSpeedState = 10000

	// ProducingAtLowerThanFullSpeedState means that the asset is producing lower than full speed
	ProducingAtLowerThanFullSpeedState = 20000

	// UnknownState means that the asset is in an unknown state
	UnknownState = 30000

	// IdleState means that the asset is in an unspecified state, but theoretically ready to run
	IdleState = 40100

	// NoOrderState means that there is no order at the asset
	NoOrderState = 170000

	// MaxState is the highest possible state
	MaxState = 230000
)

// StateForActiveUnits maps the presence of ACTIVE units on a machine to a state code.
// A machine holding at least one ACTIVE unit is producing, an empty machine has no order.
func StateForActiveUnits(hasActive bool) int {
	if hasActive {
		return ProducingAtFullSpeedState
	}
	return NoOrderState
}
