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

package cascade

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/united-manufacturing-hub/unit-ledger/internal"
	"github.com/united-manufacturing-hub/unit-ledger/pkg/datamodel"
	"go.uber.org/zap"
)

// MachineStatus projects whether a machine still has ACTIVE units
type MachineStatus interface {
	Update(ctx context.Context, machineKey string, hasActive bool) error
}

// StagingList tracks products that currently have ACTIVE units somewhere
type StagingList interface {
	Add(ctx context.Context, productKey string) error
	Remove(ctx context.Context, productKey string) error
	List(ctx context.Context) ([]string, error)
}

// MemoryMachineStatus keeps the last projected state per machine
type MemoryMachineStatus struct {
	lock   sync.RWMutex
	states map[string]int
}

func NewMemoryMachineStatus() *MemoryMachineStatus {
	return &MemoryMachineStatus{states: make(map[string]int)}
}

func (m *MemoryMachineStatus) Update(_ context.Context, machineKey string, hasActive bool) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.states[machineKey] = datamodel.StateForActiveUnits(hasActive)
	return nil
}

// Get returns the last state, UnknownState if the machine was never projected
func (m *MemoryMachineStatus) Get(machineKey string) int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	state, ok := m.states[machineKey]
	if !ok {
		return datamodel.UnknownState
	}
	return state
}

// MQTTMachineStatus publishes the UMH state message of a machine
type MQTTMachineStatus struct {
	client      MQTT.Client
	topicPrefix string
	timeout     time.Duration
	now         func() time.Time
}

func NewMQTTMachineStatus(client MQTT.Client, topicPrefix string) *MQTTMachineStatus {
	if topicPrefix == "" {
		topicPrefix = "ia/unit-ledger"
	}
	return &MQTTMachineStatus{
		client:      client,
		topicPrefix: topicPrefix,
		timeout:     5 * time.Second,
		now:         time.Now,
	}
}

// topicLevelEscaper keeps a machine key inside one topic level. '%' is escaped too so distinct keys never share a topic.
var topicLevelEscaper = strings.NewReplacer("%", "%25", "/", "%2F", "+", "%2B", "#", "%23")

// Topic of the state message for machineKey
func (m *MQTTMachineStatus) Topic(machineKey string) string {
	return fmt.Sprintf("%s/%s/state", m.topicPrefix, topicLevelEscaper.Replace(machineKey))
}

func (m *MQTTMachineStatus) Update(ctx context.Context, machineKey string, hasActive bool) error {
	if !m.client.IsConnected() {
		return errors.New("mqtt client is not connected")
	}
	payload, err := json.Marshal(datamodel.State{
		TimestampMs: uint64(m.now().UnixMilli()),
		State:       uint64(datamodel.StateForActiveUnits(hasActive)),
	})
	if err != nil {
		return err
	}
	token := m.client.Publish(m.Topic(machineKey), 1, true, payload)
	timeout := m.timeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to %s timed out", m.Topic(machineKey))
	}
	return token.Error()
}

// ConnectMQTT connects to the broker, retrying with exponential backoff
func ConnectMQTT(ctx context.Context, brokerURL string, clientID string) (MQTT.Client, error) {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetUsername("UNIT_LEDGER")
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(c MQTT.Client) {
		zap.S().Infof("Connected to MQTT broker %s", brokerURL)
	})
	opts.SetConnectionLostHandler(func(c MQTT.Client, err error) {
		zap.S().Warnf("Connection lost to MQTT broker %s: %s", brokerURL, err)
	})

	client := MQTT.NewClient(opts)
	err := internal.Retry(ctx, 10, 100*time.Millisecond, 10*time.Second, func() error {
		token := client.Connect()
		token.Wait()
		return token.Error()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", brokerURL, err)
	}
	return client, nil
}

// MemoryStagingList is the fallback without redis
type MemoryStagingList struct {
	lock     sync.RWMutex
	products map[string]struct{}
}

func NewMemoryStagingList() *MemoryStagingList {
	return &MemoryStagingList{products: make(map[string]struct{})}
}

func (m *MemoryStagingList) Add(_ context.Context, productKey string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.products[productKey] = struct{}{}
	return nil
}

func (m *MemoryStagingList) Remove(_ context.Context, productKey string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.products, productKey)
	return nil
}

func (m *MemoryStagingList) List(_ context.Context) ([]string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	products := make([]string, 0, len(m.products))
	for p := range m.products {
		products = append(products, p)
	}
	sort.Strings(products)
	return products, nil
}

const StagingSetKey = "unitledger:staged"

// RedisStagingList keeps the staged products in a redis set shared by all replicas
type RedisStagingList struct {
	rdb *redis.Client
	key string
}

func NewRedisStagingList(rdb *redis.Client) *RedisStagingList {
	return &RedisStagingList{rdb: rdb, key: StagingSetKey}
}

func (r *RedisStagingList) Add(ctx context.Context, productKey string) error {
	return r.rdb.SAdd(ctx, r.key, productKey).Err()
}

func (r *RedisStagingList) Remove(ctx context.Context, productKey string) error {
	return r.rdb.SRem(ctx, r.key, productKey).Err()
}

func (r *RedisStagingList) List(ctx context.Context) ([]string, error) {
	products, err := r.rdb.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(products)
	return products, nil
}
