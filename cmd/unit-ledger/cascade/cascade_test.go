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
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/united-manufacturing-hub/unit-ledger/pkg/datamodel"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient only implements what the machine status projection calls
type fakeClient struct {
	MQTT.Client
	connected bool
	err       error
	messages  []published
}

func (f *fakeClient) IsConnected() bool {
	return f.connected
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token {
	f.messages = append(f.messages, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return newFakeToken(f.err)
}

func TestMQTTMachineStatus(t *testing.T) {
	client := &fakeClient{connected: true}
	m := NewMQTTMachineStatus(client, "ia/factory")
	m.now = func() time.Time { return time.UnixMilli(1700000000000) }

	require.NoError(t, m.Update(context.Background(), "cutting-1", true))
	require.NoError(t, m.Update(context.Background(), "cutting-1", false))
	require.Len(t, client.messages, 2)

	assert.Equal(t, "ia/factory/cutting-1/state", client.messages[0].topic)
	assert.True(t, client.messages[0].retained)
	var state datamodel.State
	require.NoError(t, json.Unmarshal(client.messages[0].payload, &state))
	assert.Equal(t, uint64(datamodel.ProducingAtFullSpeedState), state.State)
	assert.Equal(t, uint64(1700000000000), state.TimestampMs)

	require.NoError(t, json.Unmarshal(client.messages[1].payload, &state))
	assert.Equal(t, uint64(datamodel.NoOrderState), state.State)
}

func TestMQTTMachineStatusErrors(t *testing.T) {
	m := NewMQTTMachineStatus(&fakeClient{connected: false}, "")
	assert.Error(t, m.Update(context.Background(), "m", true))

	m = NewMQTTMachineStatus(&fakeClient{connected: true, err: errors.New("broker rejected")}, "")
	assert.EqualError(t, m.Update(context.Background(), "m", true), "broker rejected")
	assert.Equal(t, "ia/unit-ledger/m/state", m.Topic("m"))
}

func TestMQTTTopicKeepsMachineKeyInOneLevel(t *testing.T) {
	client := &fakeClient{connected: true}
	m := NewMQTTMachineStatus(client, "ia/factory")

	require.NoError(t, m.Update(context.Background(), "line/1+#", true))
	require.Len(t, client.messages, 1)
	assert.Equal(t, "ia/factory/line%2F1%2B%23/state", client.messages[0].topic)

	assert.NotEqual(t, m.Topic("a/b"), m.Topic("a%2Fb"))
	assert.Equal(t, "ia/factory/a%252Fb/state", m.Topic("a%2Fb"))
}

func TestMemoryMachineStatus(t *testing.T) {
	m := NewMemoryMachineStatus()
	assert.Equal(t, datamodel.UnknownState, m.Get("m"))
	require.NoError(t, m.Update(context.Background(), "m", true))
	assert.Equal(t, datamodel.ProducingAtFullSpeedState, m.Get("m"))
	require.NoError(t, m.Update(context.Background(), "m", false))
	assert.Equal(t, datamodel.NoOrderState, m.Get("m"))
}

func TestMemoryStagingList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStagingList()
	require.NoError(t, s.Add(ctx, "widget"))
	require.NoError(t, s.Add(ctx, "gear"))
	require.NoError(t, s.Add(ctx, "widget"))
	products, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gear", "widget"}, products)

	require.NoError(t, s.Remove(ctx, "widget"))
	require.NoError(t, s.Remove(ctx, "unknown"))
	products, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"gear"}, products)
}
