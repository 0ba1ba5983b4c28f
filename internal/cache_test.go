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

package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTieredCacheMemoryOnly(t *testing.T) {
	c := NewTieredCache(nil, time.Minute, 0)
	assert.False(t, c.RedisEnabled())
	assert.False(t, c.IsRedisAvailable(context.Background()))

	_, found := c.GetTiered(context.Background(), "k")
	assert.False(t, found)

	c.SetTiered(context.Background(), "k", []byte("42"))
	v, found := c.GetTiered(context.Background(), "k")
	assert.True(t, found)
	assert.Equal(t, []byte("42"), v)

	c.DeleteTiered(context.Background(), "k")
	_, found = c.GetTiered(context.Background(), "k")
	assert.False(t, found)
	assert.NoError(t, c.Close())
}

func TestNewRedisClientEmptyURI(t *testing.T) {
	assert.Nil(t, NewRedisClient("", "", 0))
}

func TestAsXXHash(t *testing.T) {
	a := AsXXHash([]byte("ab"), []byte("c"))
	b := AsXXHash([]byte("a"), []byte("bc"))
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, AsXXHash([]byte("ab"), []byte("c")))
	assert.Len(t, AsXXHashString("create", "key-1"), 32)
}
