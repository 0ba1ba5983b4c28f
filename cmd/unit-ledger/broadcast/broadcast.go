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
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/shared"
	"go.uber.org/zap"
)

// Prometheus metrics
var (
	subscribersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unitledger_subscribers",
			Help: "The number of live event subscribers",
		},
	)
	subscribersDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unitledger_subscribers_dropped_total",
			Help: "The total number of subscribers dropped because they could not keep up",
		},
	)
	eventsPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unitledger_events_published_total",
			Help: "The total number of ledger events published",
		},
	)
)

const (
	EventConnected = "connected"
	EventLedger    = "ledger"
)

// Message is one serialized frame of the event stream
type Message struct {
	Event string
	// Key is the product key of a ledger event, empty for the handshake
	Key  string
	Data []byte
}

type connectedPayload struct {
	SubscriberID string    `json:"subscriberId"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Subscription is a live subscriber handle. Its channel is closed when it is unsubscribed or dropped.
type Subscription struct {
	ID       string
	JoinedAt time.Time
	messages chan Message
}

// Messages starts with the connected handshake, followed by ledger events in publish order
func (s *Subscription) Messages() <-chan Message {
	return s.messages
}

// Broadcaster fans every published event out to all current subscribers.
// A subscriber that cannot take an event immediately is dropped, publishing never waits.
type Broadcaster struct {
	lock        sync.Mutex
	subscribers map[string]*Subscription
	buffer      int
	closed      bool
	now         func() time.Time
}

func New(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &Broadcaster{
		subscribers: make(map[string]*Subscription),
		buffer:      buffer,
		now:         time.Now,
	}
}

func (b *Broadcaster) Subscribe() *Subscription {
	return b.SubscribeWithBuffer(b.buffer)
}

// SubscribeWithBuffer subscribes with a custom buffer size. Events published before this call are never delivered.
func (b *Broadcaster) SubscribeWithBuffer(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{
		ID:       uuid.New().String(),
		JoinedAt: b.now().UTC(),
		// One extra slot for the handshake
		messages: make(chan Message, buffer+1),
	}
	data, err := json.Marshal(connectedPayload{SubscriberID: s.ID, JoinedAt: s.JoinedAt})
	if err != nil {
		zap.S().Errorf("Failed to encode connected event: %s", err)
	}
	s.messages <- Message{Event: EventConnected, Data: data}

	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		close(s.messages)
		return s
	}
	b.subscribers[s.ID] = s
	subscribersGauge.Inc()
	return s
}

// Unsubscribe is safe to call multiple times and after the subscriber was dropped
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	b.remove(s)
}

// remove must be called with the lock held
func (b *Broadcaster) remove(s *Subscription) bool {
	if _, ok := b.subscribers[s.ID]; !ok {
		return false
	}
	delete(b.subscribers, s.ID)
	close(s.messages)
	subscribersGauge.Dec()
	return true
}

// Publish delivers event to every subscriber at most once.
// Holding the lock for the whole fan-out gives each subscriber the events in publish order.
func (b *Broadcaster) Publish(event shared.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		zap.S().Errorf("Failed to encode ledger event: %s", err)
		return
	}
	msg := Message{Event: EventLedger, Key: event.ProductKey, Data: data}

	b.lock.Lock()
	defer b.lock.Unlock()
	eventsPublishedTotal.Inc()
	for _, s := range b.subscribers {
		select {
		case s.messages <- msg:
		default:
			b.remove(s)
			subscribersDroppedTotal.Inc()
			zap.S().Infow("Dropped subscriber that could not keep up", "subscriber", s.ID, "joinedAt", s.JoinedAt)
		}
	}
}

// Len returns the number of live subscribers
func (b *Broadcaster) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.subscribers)
}

// Closed reports whether Close was called
func (b *Broadcaster) Closed() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.closed
}

// Close drops all subscribers. Later subscriptions are closed immediately.
func (b *Broadcaster) Close() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.closed = true
	for _, s := range b.subscribers {
		b.remove(s)
	}
}
