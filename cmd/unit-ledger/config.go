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

package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/store"
	"github.com/united-manufacturing-hub/unit-ledger/internal"
)

type Config struct {
	LoggingLevel string

	HTTPPort    int
	HealthPort  int
	MetricsPort int

	StoreBackend string
	Postgres     store.PostgresConfig
	SQLitePath   string

	MaxQuantity      int
	FunnelStages     []string
	SubscriberBuffer int
	LockMaxRetry     int

	RedisURI      string
	RedisPassword string

	MQTTBrokerURL   string
	MQTTTopicPrefix string

	KafkaBrokers           string
	KafkaTopic             string
	KafkaReplicationFactor int

	IdempotencyCacheBytes int
}

// LoadConfig reads the environment. The first invalid or missing variable aborts.
func LoadConfig() (Config, error) {
	var (
		cfg Config
		err error
	)
	cfg.LoggingLevel, err = env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION")
	if err != nil {
		return cfg, err
	}
	if cfg.HTTPPort, err = env.GetAsInt("HTTP_PORT", false, 8080); err != nil {
		return cfg, err
	}
	if cfg.HealthPort, err = env.GetAsInt("HEALTH_PORT", false, 8086); err != nil {
		return cfg, err
	}
	if cfg.MetricsPort, err = env.GetAsInt("METRICS_PORT", false, 2112); err != nil {
		return cfg, err
	}

	if cfg.StoreBackend, err = env.GetAsString("STORE_BACKEND", false, store.BackendMemory); err != nil {
		return cfg, err
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	postgresRequired := cfg.StoreBackend == store.BackendPostgres
	if cfg.Postgres.Host, err = env.GetAsString("POSTGRES_HOST", postgresRequired, "localhost"); err != nil {
		return cfg, err
	}
	if cfg.Postgres.Port, err = env.GetAsInt("POSTGRES_PORT", false, 5432); err != nil {
		return cfg, err
	}
	if cfg.Postgres.User, err = env.GetAsString("POSTGRES_USER", postgresRequired, ""); err != nil {
		return cfg, err
	}
	if cfg.Postgres.Password, err = env.GetAsString("POSTGRES_PASSWORD", postgresRequired, ""); err != nil {
		return cfg, err
	}
	if cfg.Postgres.Database, err = env.GetAsString("POSTGRES_DATABASE", postgresRequired, ""); err != nil {
		return cfg, err
	}
	if cfg.Postgres.SSLMode, err = env.GetAsString("POSTGRES_SSL_MODE", false, "require"); err != nil {
		return cfg, err
	}
	if cfg.Postgres.LRUCacheSize, err = env.GetAsInt("POSTGRES_LRU_CACHE_SIZE", false, 1000); err != nil {
		return cfg, err
	}
	if cfg.SQLitePath, err = env.GetAsString("SQLITE_PATH", cfg.StoreBackend == store.BackendSQLite, ""); err != nil {
		return cfg, err
	}

	if cfg.MaxQuantity, err = env.GetAsInt("MAX_QUANTITY", false, 1000); err != nil {
		return cfg, err
	}
	stages, err := env.GetAsString("FUNNEL_STAGES", false, "RFD")
	if err != nil {
		return cfg, err
	}
	cfg.FunnelStages = splitList(stages)
	if cfg.SubscriberBuffer, err = env.GetAsInt("SUBSCRIBER_BUFFER", false, 64); err != nil {
		return cfg, err
	}
	if cfg.LockMaxRetry, err = env.GetAsInt("LOCK_MAX_RETRY", false, 800); err != nil {
		return cfg, err
	}

	if cfg.RedisURI, err = env.GetAsString("REDIS_URI", false, ""); err != nil {
		return cfg, err
	}
	if cfg.RedisPassword, err = env.GetAsString("REDIS_PASSWORD", false, ""); err != nil {
		return cfg, err
	}
	if cfg.MQTTBrokerURL, err = env.GetAsString("MQTT_BROKER_URL", false, ""); err != nil {
		return cfg, err
	}
	if cfg.MQTTTopicPrefix, err = env.GetAsString("MQTT_TOPIC_PREFIX", false, "ia/unit-ledger"); err != nil {
		return cfg, err
	}
	if cfg.KafkaBrokers, err = env.GetAsString("KAFKA_BROKERS", false, ""); err != nil {
		return cfg, err
	}
	if cfg.KafkaTopic, err = env.GetAsString("KAFKA_TOPIC", false, "umh.v1.unit-ledger.events"); err != nil {
		return cfg, err
	}
	if cfg.KafkaReplicationFactor, err = env.GetAsInt("KAFKA_REPLICATION_FACTOR", false, 1); err != nil {
		return cfg, err
	}
	if cfg.IdempotencyCacheBytes, err = env.GetAsInt("IDEMPOTENCY_CACHE_BYTES", false, 16*1024*1024); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case store.BackendMemory, store.BackendPostgres, store.BackendSQLite:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.MaxQuantity <= 0 {
		return errors.New("MAX_QUANTITY must be positive")
	}
	if len(c.FunnelStages) == 0 {
		return errors.New("FUNNEL_STAGES must name at least one stage")
	}
	if c.SubscriberBuffer <= 0 {
		return errors.New("SUBSCRIBER_BUFFER must be positive")
	}
	if c.KafkaBrokers != "" {
		if err := internal.ValidateKafkaTopic(c.KafkaTopic); err != nil {
			return fmt.Errorf("invalid KAFKA_TOPIC: %w", err)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
