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
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// TopicAdmin is the part of sarama.ClusterAdmin the mirror needs
type TopicAdmin interface {
	ListTopics() (map[string]sarama.TopicDetail, error)
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	Close() error
}

func NewTopicAdmin(brokers []string) (TopicAdmin, error) {
	config := sarama.NewConfig()
	config.ClientID = "unit-ledger-admin"
	return sarama.NewClusterAdmin(brokers, config)
}

// CreateTopicIfNotExists creates the mirror topic with one partition, so all events of the ledger keep one order
func CreateTopicIfNotExists(admin TopicAdmin, topic string, replicationFactor int16) error {
	topics, err := admin.ListTopics()
	if err != nil {
		return fmt.Errorf("failed to list kafka topics: %w", err)
	}
	if _, ok := topics[topic]; ok {
		zap.S().Debugf("Topic %s exists", topic)
		return nil
	}
	if replicationFactor <= 0 {
		replicationFactor = 1
	}

	zap.S().Infof("Creating topic %s", topic)
	err = admin.CreateTopic(topic, &sarama.TopicDetail{
		NumPartitions:     1,
		ReplicationFactor: replicationFactor,
	}, false)
	if err != nil && !errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}
