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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// apiError mirrors the error body of the ledger api
type apiError struct {
	Status    int    `json:"-"`
	Message   string `json:"error"`
	Details   string `json:"details"`
	Available *int   `json:"available"`
	Requested *int   `json:"requested"`
	RequestID string `json:"requestId"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("%d %s", e.Status, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.RequestID != "" {
		msg += " (request id " + e.RequestID + ")"
	}
	return msg
}

type client struct {
	server string
	http   *http.Client
}

func newClient(server string, timeout time.Duration) *client {
	return &client{
		server: strings.TrimRight(server, "/"),
		http:   &http.Client{Timeout: timeout},
	}
}

func (c *client) do(ctx context.Context, method string, path string, query url.Values, body interface{}, headers map[string]string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	target := c.server + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if err = json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return raw, nil
}

// frame is one server sent event
type frame struct {
	Event string
	Data  string
}

// stream reads server sent events until the context ends or the server closes the stream
func (c *client) stream(ctx context.Context, path string, onFrame func(frame) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream has no deadline, only the request context ends it
	streaming := &http.Client{Transport: c.http.Transport}
	resp, err := streaming.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &apiError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	scanner := bufio.NewScanner(resp.Body)
	var current frame
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current.Event == "" && len(dataLines) == 0 {
				continue
			}
			current.Data = strings.Join(dataLines, "\n")
			if err = onFrame(current); err != nil {
				return err
			}
			current = frame{}
			dataLines = nil
		case strings.HasPrefix(line, "event:"):
			current.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			// one leading space belongs to the field separator, the rest is payload
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}
