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

package api

import (
	"github.com/goccy/go-json"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/shared"
	"github.com/united-manufacturing-hub/unit-ledger/internal"
	"go.uber.org/zap"
)

const (
	idempotencyHeader       = "Idempotency-Key"
	idempotencyReplayHeader = "Idempotent-Replayed"
)

func idempotencyCacheKey(key string) []byte {
	return internal.AsXXHash([]byte("create"), []byte(key))
}

// lockIdempotencyKey serializes requests carrying the same key, so the second one replays the first
func (s *Server) lockIdempotencyKey(key string) (func(), error) {
	lockKey := internal.AsXXHashString("create", key)
	if !s.idemLocks.TryLock(lockKey) {
		return nil, shared.ErrKeyBusy
	}
	return func() { s.idemLocks.Unlock(lockKey) }, nil
}

func (s *Server) replay(key string) ([]byte, bool) {
	body, err := s.idempotency.Get(idempotencyCacheKey(key))
	if err != nil {
		return nil, false
	}
	return body, true
}

func (s *Server) remember(key string, res batchResponse) {
	body, err := json.Marshal(res)
	if err != nil {
		zap.S().Warnf("Failed to marshal idempotent response: %v", err)
		return
	}
	if err = s.idempotency.Set(idempotencyCacheKey(key), body, int(s.idemTTL.Seconds())); err != nil {
		zap.S().Warnf("Failed to store idempotent response: %v", err)
	}
}
