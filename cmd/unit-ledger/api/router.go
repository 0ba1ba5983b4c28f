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

package api

import (
	"net/http"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/coocood/freecache"
	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/broadcast"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/cascade"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/counter"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/orchestrator"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/store"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/validator"
	"go.uber.org/zap"
)

// Server is the HTTP transport of the ledger
type Server struct {
	orchestrator *orchestrator.Orchestrator
	validator    *validator.Validator
	counter      *counter.Counter
	store        store.Store
	staging      cascade.StagingList
	broadcaster  *broadcast.Broadcaster
	idempotency  *freecache.Cache
	idemLocks    *mapmutex.Mutex
	idemTTL      time.Duration
}

type Dependencies struct {
	Orchestrator *orchestrator.Orchestrator
	Validator    *validator.Validator
	Counter      *counter.Counter
	Store        store.Store
	Staging      cascade.StagingList
	Broadcaster  *broadcast.Broadcaster
	// IdempotencyCacheBytes sizes the replay cache of create requests, freecache needs at least 512 KiB
	IdempotencyCacheBytes int
}

func NewServer(deps Dependencies) *Server {
	size := deps.IdempotencyCacheBytes
	if size < 512*1024 {
		size = 512 * 1024
	}
	return &Server{
		orchestrator: deps.Orchestrator,
		validator:    deps.Validator,
		counter:      deps.Counter,
		store:        deps.Store,
		staging:      deps.Staging,
		broadcaster:  deps.Broadcaster,
		idempotency:  freecache.NewCache(size),
		idemLocks:    mapmutex.NewCustomizedMapMutex(800, 100000000, 10, 1.1, 0.2),
		idemTTL:      10 * time.Minute,
	}
}

// Router builds the gin engine. The event stream is registered outside the gzip group, compression would buffer it.
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	router.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))
	router.Use(requestID())

	// Healthcheck
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	stream := router.Group("/api/v1")
	{
		stream.GET("/events", s.streamEvents)
	}

	v1 := router.Group("/api/v1", gzip.Gzip(gzip.DefaultCompression))
	{
		v1.POST("/units", s.createUnits)
		v1.POST("/units/park", s.parkUnits)
		v1.POST("/units/reactivate", s.reactivateUnits)
		v1.GET("/units", s.listUnits)
		v1.GET("/validate", s.validate)
		v1.POST("/funnels/consume", s.consumeFunnel)
		v1.GET("/funnels/:product/:stage", s.getFunnel)
		v1.GET("/staged", s.listStaged)
	}
	return router
}
