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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/united-manufacturing-hub/unit-ledger/cmd/unit-ledger/shared"
	"go.uber.org/zap"
)

const (
	requestIDHeader = "X-Request-Id"
	requestIDKey    = "requestId"
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Available *int   `json:"available,omitempty"`
	Requested *int   `json:"requested,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// handleError maps the ledger error taxonomy to status codes
func handleError(c *gin.Context, err error) {
	id := c.GetString(requestIDKey)

	var validation *shared.ValidationError
	if errors.As(err, &validation) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request", Details: validation.Error(), RequestID: id})
		return
	}
	if insufficient, ok := shared.AsInsufficient(err); ok {
		available := insufficient.Available
		requested := insufficient.Requested
		c.JSON(http.StatusConflict, errorResponse{
			Error:     "insufficient quantity",
			Details:   insufficient.Error(),
			Available: &available,
			Requested: &requested,
			RequestID: id,
		})
		return
	}
	if errors.Is(err, shared.ErrKeyBusy) {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "busy, retry later", RequestID: id})
		return
	}

	zap.S().Errorw("Internal server error",
		"error", err,
		"request id", id,
	)
	c.JSON(http.StatusInternalServerError, errorResponse{
		Error:     "The server had an internal error. Please mention the request id while contacting our support",
		RequestID: id,
	})
}
