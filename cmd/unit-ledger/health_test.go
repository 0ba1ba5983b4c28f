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

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/store"
)

func TestStoreCheck(t *testing.T) {
	s := store.NewMemoryStore()
	name, check := storeCheck(s)
	assert.Equal(t, "store", name)
	assert.NoError(t, check())

	require.NoError(t, s.Close())
	assert.Error(t, check())
}
