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
	"math/rand"
	"time"
)

const Int64Max = 1<<63 - 1

// GetBackoffTime returns the time to wait before the next attempt.
// It uses the exponential backoff algorithm, capped at maximum.
func GetBackoffTime(retries int64, slotTime time.Duration, maximum time.Duration) (backoff time.Duration) {

	defer func() {
		if r := recover(); r != nil {
			backoff = maximum
		}
	}()

	if slotTime <= 0 || retries <= 0 {
		return time.Duration(0)
	}
	//2^retries - 1
	// -1 is ommitted here, because the random function is [min, max)
	if retries >= 63 {
		return maximum
	}
	max := int64(1) << retries
	n := rand.Int63n(max)

	//Prevents overflow
	if n > 0 && slotTime.Nanoseconds() > Int64Max/n {
		return maximum
	}

	backoff = time.Duration(n) * slotTime
	if backoff > maximum {
		backoff = maximum
	}
	return backoff
}

// SleepBackedOff waits for the backoff time or until ctx is done
func SleepBackedOff(ctx context.Context, retries int64, slotTime time.Duration, maximum time.Duration) error {
	timer := time.NewTimer(GetBackoffTime(retries, slotTime, maximum))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry calls fn until it succeeds, attempts are used up or ctx is done.
// The last error is returned.
func Retry(ctx context.Context, attempts int, slotTime time.Duration, maximum time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if errS := SleepBackedOff(ctx, int64(i+1), slotTime, maximum); errS != nil {
			return err
		}
	}
	return err
}
