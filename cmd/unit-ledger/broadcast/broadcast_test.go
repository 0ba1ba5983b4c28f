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

package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/helper"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/shared"
)

func event(product string, quantity int) shared.Event {
	return shared.Event{
		ProductKey: product,
		MachineKey: "m1",
		Stage:      "Milling",
		FromState:  shared.StateActive,
		ToState:    shared.StateParked,
		Quantity:   quantity,
		Timestamp:  time.Now().UTC(),
	}
}

func decode(t *testing.T, msg Message) shared.Event {
	var e shared.Event
	require.NoError(t, json.Unmarshal(msg.Data, &e))
	return e
}

func TestSubscribeStartsWithConnected(t *testing.T) {
	helper.InitTestLogging()
	b := New(4)
	s := b.Subscribe()
	defer b.Unsubscribe(s)

	msg := <-s.Messages()
	assert.Equal(t, EventConnected, msg.Event)
	var payload connectedPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, s.ID, payload.SubscriberID)
	assert.Equal(t, 1, b.Len())
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	helper.InitTestLogging()
	b := New(4)
	b.Publish(event("early", 1))

	s := b.Subscribe()
	defer b.Unsubscribe(s)
	<-s.Messages()

	b.Publish(event("late", 2))
	msg := <-s.Messages()
	assert.Equal(t, "late", decode(t, msg).ProductKey)
	assert.Equal(t, "late", msg.Key)
	select {
	case extra := <-s.Messages():
		t.Fatalf("unexpected message %s", extra.Data)
	default:
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	helper.InitTestLogging()
	b := New(8)
	slow := b.SubscribeWithBuffer(1)
	fast := b.Subscribe()
	<-fast.Messages()

	for i := 0; i < 3; i++ {
		b.Publish(event("widget", i+1))
		msg := <-fast.Messages()
		assert.Equal(t, i+1, decode(t, msg).Quantity)
	}

	// connected + first event fit, then the channel is closed
	var received []Message
	for msg := range slow.Messages() {
		received = append(received, msg)
	}
	require.Len(t, received, 2)
	assert.Equal(t, EventConnected, received[0].Event)
	assert.Equal(t, 1, decode(t, received[1]).Quantity)
	assert.Equal(t, 1, b.Len())

	// Unsubscribing a dropped subscriber is a no-op
	b.Unsubscribe(slow)
	b.Unsubscribe(fast)
	b.Unsubscribe(fast)
	assert.Equal(t, 0, b.Len())
}

func TestOrderPerSubscriberUnderConcurrentPublish(t *testing.T) {
	helper.InitTestLogging()
	const perKey = 200
	products := []string{"a", "b", "c", "d"}
	b := New(len(products)*perKey + 1)
	s := b.Subscribe()
	<-s.Messages()

	var wg sync.WaitGroup
	for _, p := range products {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			for i := 1; i <= perKey; i++ {
				b.Publish(event(p, i))
			}
		}(p)
	}
	wg.Wait()
	b.Unsubscribe(s)

	last := map[string]int{}
	total := 0
	for msg := range s.Messages() {
		e := decode(t, msg)
		assert.Equal(t, last[e.ProductKey]+1, e.Quantity, fmt.Sprintf("out of order for %s", e.ProductKey))
		last[e.ProductKey] = e.Quantity
		total++
	}
	assert.Equal(t, len(products)*perKey, total)
}

func TestCloseDropsEveryone(t *testing.T) {
	helper.InitTestLogging()
	b := New(2)
	s := b.Subscribe()
	b.Close()
	<-s.Messages()
	_, open := <-s.Messages()
	assert.False(t, open)

	late := b.Subscribe()
	msg, open := <-late.Messages()
	assert.True(t, open)
	assert.Equal(t, EventConnected, msg.Event)
	_, open = <-late.Messages()
	assert.False(t, open)
	assert.Equal(t, 0, b.Len())
}

func TestIndependentBroadcasters(t *testing.T) {
	helper.InitTestLogging()
	a := New(2)
	b := New(2)
	sa := a.Subscribe()
	<-sa.Messages()
	b.Publish(event("only-b", 1))
	select {
	case msg := <-sa.Messages():
		t.Fatalf("received event from another broadcaster: %s", msg.Data)
	default:
	}
}
