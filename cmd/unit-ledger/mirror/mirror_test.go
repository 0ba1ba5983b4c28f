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

package mirror

import (
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/shared"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/broadcast"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/helper"
	ledger "github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/shared"
)

type MockProducer struct {
	lock   sync.Mutex
	Sent   []*shared.KafkaMessage
	Closed bool
}

func (p *MockProducer) SendMessage(message *shared.KafkaMessage) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.Sent = append(p.Sent, message)
}

func (p *MockProducer) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.Closed = true
	return nil
}

func (p *MockProducer) count() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.Sent)
}

func TestMirrorForwardsLedgerEvents(t *testing.T) {
	helper.InitTestLogging()
	b := broadcast.New(8)
	p := &MockProducer{}
	m := New(b, p, "", 0)
	m.Start()

	b.Publish(ledger.Event{ProductKey: "widget", MachineKey: "m1", Stage: "RFD", ToState: ledger.StateActive, Quantity: 2})
	b.Publish(ledger.Event{ProductKey: "gear", MachineKey: "m2", Stage: "RFD", ToState: ledger.StateActive, Quantity: 1})

	assert.Eventually(t, func() bool { return p.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Close())
	assert.True(t, p.Closed)
	assert.Equal(t, uint64(2), m.Forwarded())
	assert.Equal(t, 0, b.Len())

	first := p.Sent[0]
	assert.Equal(t, "umh.v1.unit-ledger.events", first.Topic)
	assert.Equal(t, []byte("widget"), first.Key)
	assert.Equal(t, "ledger", first.Headers["event"])
	var e ledger.Event
	require.NoError(t, json.Unmarshal(first.Value, &e))
	assert.Equal(t, 2, e.Quantity)
}

func TestMirrorResubscribesWhenDropped(t *testing.T) {
	helper.InitTestLogging()
	b := broadcast.New(8)
	p := &MockProducer{}
	m := New(b, p, "events", 1)
	// Fill the subscription before the forwarder runs, so the next publish drops it
	sub := b.SubscribeWithBuffer(1)
	b.Publish(ledger.Event{ProductKey: "widget", Quantity: 1})
	b.Publish(ledger.Event{ProductKey: "widget", Quantity: 2})
	go m.run(sub)

	assert.Eventually(t, func() bool { return m.Resubscribes() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return b.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	b.Publish(ledger.Event{ProductKey: "widget", Quantity: 3})
	assert.Eventually(t, func() bool { return p.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Close())
}

func TestMirrorStopsWhenBroadcasterCloses(t *testing.T) {
	helper.InitTestLogging()
	b := broadcast.New(8)
	p := &MockProducer{}
	m := New(b, p, "events", 0)
	m.Start()
	b.Close()
	select {
	case <-m.done:
	case <-time.After(5 * time.Second):
		t.Fatal("mirror did not stop")
	}
	require.NoError(t, m.Close())
	assert.Equal(t, uint64(0), m.Resubscribes())
}
