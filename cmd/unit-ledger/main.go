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
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/api"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/broadcast"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/cascade"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/counter"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/engine"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/helper"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/mirror"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/orchestrator"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/store"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/validator"
	"github.com/united-manufacturing-hub/unit-ledger/internal"
	"go.uber.org/zap"
)

func main() {
	helper.InitLogging()
	cfg, err := LoadConfig()
	if err != nil {
		zap.S().Fatalf("Invalid configuration: %s", err)
	}
	_ = logger.New(cfg.LoggingLevel)
	zap.S().Infof("Starting unit-ledger with %s store", cfg.StoreBackend)

	InitPrometheus(cfg.MetricsPort)

	ctx, cancel := helper.Get1MinuteContext()
	defer cancel()

	ledgerStore := initStore(ctx, cfg)
	rdb := internal.NewRedisClient(cfg.RedisURI, cfg.RedisPassword, 0)
	cache := internal.NewTieredCache(rdb, time.Minute, 10*time.Minute)
	if cache.RedisEnabled() && !cache.IsRedisAvailable(ctx) {
		zap.S().Warnf("Redis at %s is not reachable, continuing with the in-memory tier", cfg.RedisURI)
	}
	machines, mqttClient := initMachineStatus(ctx, cfg)
	staging := initStagingList(rdb)

	broadcaster := broadcast.New(cfg.SubscriberBuffer)
	v := validator.New(ledgerStore, cfg.MaxQuantity)
	c := counter.New(ledgerStore, cache, cfg.FunnelStages, cfg.MaxQuantity, cfg.LockMaxRetry)
	o := orchestrator.New(
		v,
		engine.New(ledgerStore, cfg.MaxQuantity, cfg.LockMaxRetry),
		c,
		ledgerStore,
		machines,
		staging,
		broadcaster,
	)

	var eventMirror *mirror.Mirror
	if cfg.KafkaBrokers != "" {
		ensureKafkaTopic(cfg)
		producer, err := mirror.NewKafkaProducer(cfg.KafkaBrokers)
		if err != nil {
			zap.S().Fatalf("Failed to create kafka producer: %s", err)
		}
		eventMirror = mirror.New(broadcaster, producer, cfg.KafkaTopic, 0)
		eventMirror.Start()
	}

	server := api.NewServer(api.Dependencies{
		Orchestrator:          o,
		Validator:             v,
		Counter:               c,
		Store:                 ledgerStore,
		Staging:               staging,
		Broadcaster:           broadcaster,
		IdempotencyCacheBytes: cfg.IdempotencyCacheBytes,
	})
	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Open event streams never go idle, closing the broadcaster ends them
	httpServer.RegisterOnShutdown(broadcaster.Close)

	shutdown := internal.NewGracefulShutdown(func() error {
		var errs []error
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer shutdownCancel()

		zap.S().Infof("Stopping http server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
		broadcaster.Close()
		if eventMirror != nil {
			zap.S().Infof("Flushing kafka mirror")
			if err := eventMirror.Close(); err != nil {
				errs = append(errs, fmt.Errorf("kafka mirror: %w", err))
			}
		}
		if mqttClient != nil {
			mqttClient.Disconnect(250)
		}
		if err := cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
		zap.S().Infof("Closing store")
		if err := ledgerStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		return errors.Join(errs...)
	})

	InitHealthCheck(cfg.HealthPort, ledgerStore, shutdown)

	go func() {
		zap.S().Infof("Serving api on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Errorf("Error serving api: %s", err)
			shutdown.Shutdown()
		}
	}()

	shutdown.Wait()
}

func initStore(ctx context.Context, cfg Config) store.Store {
	switch cfg.StoreBackend {
	case store.BackendPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.Postgres)
		if err != nil {
			zap.S().Fatalf("Failed to connect to postgres: %s", err)
		}
		return s
	case store.BackendSQLite:
		s, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			zap.S().Fatalf("Failed to open sqlite database %s: %s", cfg.SQLitePath, err)
		}
		return s
	default:
		zap.S().Warnf("Using the in-memory store, units are lost on restart")
		return store.NewMemoryStore()
	}
}

func ensureKafkaTopic(cfg Config) {
	admin, err := mirror.NewTopicAdmin(splitList(cfg.KafkaBrokers))
	if err != nil {
		zap.S().Warnf("Failed to connect kafka admin, relying on topic auto creation: %s", err)
		return
	}
	defer func() {
		_ = admin.Close()
	}()
	if err = mirror.CreateTopicIfNotExists(admin, cfg.KafkaTopic, int16(cfg.KafkaReplicationFactor)); err != nil {
		zap.S().Warnf("%s", err)
	}
}

func initMachineStatus(ctx context.Context, cfg Config) (cascade.MachineStatus, MQTT.Client) {
	if cfg.MQTTBrokerURL == "" {
		return cascade.NewMemoryMachineStatus(), nil
	}
	podName, _ := env.GetAsString("POD_NAME", false, "unit-ledger") //nolint:errcheck
	client, err := cascade.ConnectMQTT(ctx, cfg.MQTTBrokerURL, podName)
	if err != nil {
		zap.S().Fatalf("%s", err)
	}
	return cascade.NewMQTTMachineStatus(client, cfg.MQTTTopicPrefix), client
}

func initStagingList(rdb *redis.Client) cascade.StagingList {
	if rdb == nil {
		return cascade.NewMemoryStagingList()
	}
	return cascade.NewRedisStagingList(rdb)
}

func InitPrometheus(port int) {
	// Prometheus
	metricsPath := "/metrics"
	metricsPort := fmt.Sprintf(":%d", port)
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func InitHealthCheck(port int, s store.Store, shutdown internal.GracefulShutdownHandler) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	health.AddReadinessCheck(storeCheck(s))
	health.AddReadinessCheck("shutdown", shutdownCheck(shutdown))
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(fmt.Sprintf("0.0.0.0:%d", port), health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}

// storeCheck uses the database check of a postgres store so connection exceptions between pings are reported
func storeCheck(s store.Store) (string, healthcheck.Check) {
	if pg, ok := s.(*store.PostgresStore); ok {
		return "database", pg.GetHealthCheck()
	}
	return "store", func() error {
		ctx, cancel := helper.Get5SecondContext()
		defer cancel()
		return s.Ping(ctx)
	}
}

func shutdownCheck(shutdown internal.GracefulShutdownHandler) healthcheck.Check {
	return func() error {
		if shutdown.ShuttingDown() {
			return errors.New("shutting down")
		}
		return nil
	}
}
