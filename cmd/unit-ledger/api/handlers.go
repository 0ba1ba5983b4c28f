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
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/orchestrator"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/shared"
)

type batchRequest struct {
	ProductKey string `json:"productKey"`
	MachineKey string `json:"machineKey"`
	Stage      string `json:"stage"`
	Quantity   int    `json:"quantity"`
}

type consumeRequest struct {
	ProductKey string `json:"productKey"`
	Stage      string `json:"stage"`
	Quantity   int    `json:"quantity"`
}

type batchResponse struct {
	Direction       shared.Direction `json:"direction,omitempty"`
	ProductKey      string           `json:"productKey"`
	MachineKey      string           `json:"machineKey,omitempty"`
	Stage           string           `json:"stage"`
	Quantity        int              `json:"quantity"`
	UnitIDs         []string         `json:"unitIds"`
	FunnelCount     *int             `json:"funnelCount,omitempty"`
	Phase           string           `json:"phase"`
	CascadeWarnings []string         `json:"cascadeWarnings,omitempty"`
}

type unitsResponse struct {
	Key    shared.Key    `json:"key"`
	Active int           `json:"active"`
	Parked int           `json:"parked"`
	Units  []shared.Unit `json:"units"`
}

type validateResponse struct {
	OK        bool   `json:"ok"`
	Available int    `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

type stagedResponse struct {
	Products []string `json:"products"`
}

func newBatchResponse(out *orchestrator.Outcome) batchResponse {
	res := batchResponse{
		ProductKey: out.Key.ProductKey,
		MachineKey: out.Key.MachineKey,
		Stage:      out.Key.Stage,
		Quantity:   len(out.Units),
		UnitIDs:    shared.IDs(out.Units),
		Direction:  out.Direction,
		Phase:      string(out.Phase),
	}
	if res.UnitIDs == nil {
		res.UnitIDs = []string{}
	}
	for _, e := range out.Events {
		if e.FunnelCount != nil {
			res.FunnelCount = e.FunnelCount
		}
	}
	for _, f := range out.CascadeFailures {
		res.CascadeWarnings = append(res.CascadeWarnings, f.Step)
	}
	return res
}

func bindBatch(c *gin.Context) (shared.Key, int, bool) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, &shared.ValidationError{Field: "body", Reason: err.Error()})
		return shared.Key{}, 0, false
	}
	return shared.NewKey(req.ProductKey, req.MachineKey, req.Stage), req.Quantity, true
}

func (s *Server) createUnits(c *gin.Context) {
	idempotencyKey := c.GetHeader(idempotencyHeader)
	if idempotencyKey != "" {
		unlock, err := s.lockIdempotencyKey(idempotencyKey)
		if err != nil {
			handleError(c, err)
			return
		}
		defer unlock()
		if body, found := s.replay(idempotencyKey); found {
			c.Header(idempotencyReplayHeader, "true")
			c.Data(http.StatusCreated, "application/json; charset=utf-8", body)
			return
		}
	}

	key, quantity, ok := bindBatch(c)
	if !ok {
		return
	}
	out, err := s.orchestrator.Create(c.Request.Context(), key, quantity)
	if err != nil {
		handleError(c, err)
		return
	}
	res := newBatchResponse(out)
	if idempotencyKey != "" {
		s.remember(idempotencyKey, res)
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) parkUnits(c *gin.Context) {
	s.transition(c, shared.DirectionPark)
}

func (s *Server) reactivateUnits(c *gin.Context) {
	s.transition(c, shared.DirectionReactivate)
}

func (s *Server) transition(c *gin.Context, direction shared.Direction) {
	key, quantity, ok := bindBatch(c)
	if !ok {
		return
	}
	out, err := s.orchestrator.Transition(c.Request.Context(), key, direction, quantity)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, newBatchResponse(out))
}

func (s *Server) consumeFunnel(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleError(c, &shared.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	out, err := s.orchestrator.Consume(c.Request.Context(), req.ProductKey, req.Stage, req.Quantity)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, newBatchResponse(out))
}

func keyFromQuery(c *gin.Context) (shared.Key, error) {
	key := shared.NewKey(c.Query("product"), c.Query("machine"), c.Query("stage"))
	return key, key.Validate()
}

func (s *Server) listUnits(c *gin.Context) {
	key, err := keyFromQuery(c)
	if err != nil {
		handleError(c, err)
		return
	}
	ctx := c.Request.Context()
	counts, err := s.store.CountByState(ctx, key)
	if err != nil {
		handleError(c, err)
		return
	}
	units, err := s.store.ListUnits(ctx, key)
	if err != nil {
		handleError(c, err)
		return
	}
	if units == nil {
		units = []shared.Unit{}
	}
	c.JSON(http.StatusOK, unitsResponse{Key: key, Active: counts.Active, Parked: counts.Parked, Units: units})
}

func (s *Server) validate(c *gin.Context) {
	key, err := keyFromQuery(c)
	if err != nil {
		handleError(c, err)
		return
	}
	direction, err := shared.ParseDirection(c.Query("direction"))
	if err != nil {
		handleError(c, err)
		return
	}
	quantity, err := strconv.Atoi(c.Query("quantity"))
	if err != nil {
		handleError(c, &shared.ValidationError{Field: "quantity", Reason: "must be a positive integer"})
		return
	}
	ok, available, reason, err := s.validator.CanTransition(c.Request.Context(), key, direction, quantity)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, validateResponse{OK: ok, Available: available, Reason: reason})
}

func (s *Server) getFunnel(c *gin.Context) {
	product := c.Param("product")
	stage := c.Param("stage")

	var (
		row shared.FunnelRow
		err error
	)
	if fresh, _ := strconv.ParseBool(c.DefaultQuery("fresh", "false")); fresh {
		row, err = s.counter.Recompute(c.Request.Context(), product, stage)
	} else {
		row, err = s.counter.Get(c.Request.Context(), product, stage)
	}
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (s *Server) listStaged(c *gin.Context) {
	products, err := s.staging.List(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	if products == nil {
		products = []string{}
	}
	c.JSON(http.StatusOK, stagedResponse{Products: products})
}

// streamEvents holds the connection open and forwards broadcaster messages as server sent events
func (s *Server) streamEvents(c *gin.Context) {
	sub := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(sub)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case msg, ok := <-sub.Messages():
			if !ok {
				// dropped as a slow subscriber or the broadcaster closed
				return false
			}
			c.SSEvent(msg.Event, string(msg.Data))
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", "")
			return true
		}
	})
}
