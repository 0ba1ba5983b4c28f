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
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdmin struct {
	topics    map[string]sarama.TopicDetail
	created   []string
	createErr error
	listErr   error
}

func (f *fakeAdmin) ListTopics() (map[string]sarama.TopicDetail, error) {
	return f.topics, f.listErr
}

func (f *fakeAdmin) CreateTopic(topic string, detail *sarama.TopicDetail, _ bool) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, topic)
	f.topics[topic] = *detail
	return nil
}

func (f *fakeAdmin) Close() error { return nil }

func TestCreateTopicIfNotExists(t *testing.T) {
	admin := &fakeAdmin{topics: map[string]sarama.TopicDetail{}}
	require.NoError(t, CreateTopicIfNotExists(admin, "umh.v1.unit-ledger.events", 0))
	require.NoError(t, CreateTopicIfNotExists(admin, "umh.v1.unit-ledger.events", 0))

	assert.Equal(t, []string{"umh.v1.unit-ledger.events"}, admin.created)
	assert.Equal(t, int32(1), admin.topics["umh.v1.unit-ledger.events"].NumPartitions)
	assert.Equal(t, int16(1), admin.topics["umh.v1.unit-ledger.events"].ReplicationFactor)
}

func TestCreateTopicRace(t *testing.T) {
	admin := &fakeAdmin{topics: map[string]sarama.TopicDetail{}, createErr: sarama.ErrTopicAlreadyExists}
	assert.NoError(t, CreateTopicIfNotExists(admin, "t", 3))
}

func TestCreateTopicErrors(t *testing.T) {
	admin := &fakeAdmin{listErr: errors.New("no broker")}
	assert.ErrorContains(t, CreateTopicIfNotExists(admin, "t", 1), "no broker")

	admin = &fakeAdmin{topics: map[string]sarama.TopicDetail{}, createErr: sarama.ErrInvalidReplicationFactor}
	assert.ErrorIs(t, CreateTopicIfNotExists(admin, "t", 5), sarama.ErrInvalidReplicationFactor)
}
