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
	"strings"
	"sync"
	"sync/atomic"

	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/producer"
	"github.com/united-manufacturing-hub/Sarama-Kafka-Wrapper-2/pkg/kafka/shared"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/broadcast"
	"go.uber.org/zap"
)

// Producer is the part of the kafka producer the mirror uses
type Producer interface {
	SendMessage(message *shared.KafkaMessage)
	Close() error
}

// NewKafkaProducer connects to a comma separated broker list
func NewKafkaProducer(brokers string) (Producer, error) {
	split := strings.Split(brokers, ",")
	for i := range split {
		split[i] = strings.TrimSpace(split[i])
	}
	zap.S().Infof("connecting to kafka brokers: %s", brokers)
	p, err := producer.NewProducer(split)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Mirror forwards every ledger event to a kafka topic, keyed by product so per product order survives partitioning
type Mirror struct {
	broadcaster  *broadcast.Broadcaster
	producer     Producer
	topic        string
	buffer       int
	forwarded    atomic.Uint64
	resubscribes atomic.Uint64
	stop         chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
}

func New(b *broadcast.Broadcaster, p Producer, topic string, buffer int) *Mirror {
	if topic == "" {
		topic = "umh.v1.unit-ledger.events"
	}
	if buffer < 1 {
		buffer = 1024
	}
	return &Mirror{
		broadcaster: b,
		producer:    p,
		topic:       topic,
		buffer:      buffer,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start subscribes and forwards in the background. The returned subscription is live when Start returns.
func (m *Mirror) Start() {
	sub := m.broadcaster.SubscribeWithBuffer(m.buffer)
	go m.run(sub)
}

func (m *Mirror) run(sub *broadcast.Subscription) {
	defer close(m.done)
	for {
		if !m.forward(sub) {
			return
		}
		if m.broadcaster.Closed() {
			return
		}
		// Dropped for falling behind, events in between are lost for the mirror
		m.resubscribes.Add(1)
		zap.S().Warnf("Kafka mirror was dropped by the broadcaster, resubscribing")
		sub = m.broadcaster.SubscribeWithBuffer(m.buffer)
	}
}

// forward returns false once the mirror is stopping
func (m *Mirror) forward(sub *broadcast.Subscription) bool {
	for {
		select {
		case <-m.stop:
			m.broadcaster.Unsubscribe(sub)
			return false
		case msg, ok := <-sub.Messages():
			if !ok {
				return true
			}
			if msg.Event != broadcast.EventLedger {
				continue
			}
			m.producer.SendMessage(&shared.KafkaMessage{
				Topic: m.topic,
				Key:   []byte(msg.Key),
				Value: msg.Data,
				Headers: map[string]string{
					"event": msg.Event,
				},
			})
			m.forwarded.Add(1)
		}
	}
}

// Forwarded returns how many events were handed to the producer
func (m *Mirror) Forwarded() uint64 {
	return m.forwarded.Load()
}

// Resubscribes returns how often the mirror was dropped
func (m *Mirror) Resubscribes() uint64 {
	return m.resubscribes.Load()
}

// Close stops forwarding and closes the producer, which flushes pending messages
func (m *Mirror) Close() error {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	<-m.done
	return m.producer.Close()
}
