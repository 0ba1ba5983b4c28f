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
	"fmt"
	"regexp"
)

// kafkaTopicMaxLength is the broker side limit for topic names
const kafkaTopicMaxLength = 249

var validKafkaTopicRegex = regexp.MustCompile(`^[a-zA-Z\d\._\-]+$`)

// ValidateKafkaTopic reports why the broker would reject topic as a name
func ValidateKafkaTopic(topic string) error {
	switch {
	case topic == "":
		return fmt.Errorf("kafka topic must not be empty")
	case topic == "." || topic == "..":
		return fmt.Errorf("kafka topic %q is reserved", topic)
	case len(topic) > kafkaTopicMaxLength:
		return fmt.Errorf("kafka topic is longer than %d characters", kafkaTopicMaxLength)
	case !validKafkaTopicRegex.MatchString(topic):
		return fmt.Errorf("kafka topic %q does not match %s", topic, validKafkaTopicRegex)
	}
	return nil
}
