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

import "strings"

// NormalizeName turns a free-text product or machine name into its stable key.
// Case is folded, surrounding whitespace is dropped and inner whitespace runs collapse to one space.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// ValidateQuantity checks 1 <= quantity <= ceiling
func ValidateQuantity(quantity int, ceiling int) error {
	if quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be a positive integer"}
	}
	if ceiling > 0 && quantity > ceiling {
		return &ValidationError{Field: "quantity", Reason: "exceeds the configured maximum"}
	}
	return nil
}
