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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func httptestBasicServer(gs GracefulShutdownHandler) *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if gs.ShuttingDown() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		// Triggers the execution of the onShutdown passed to NewGracefulShutdown.
		gs.Shutdown()
		w.WriteHeader(http.StatusOK)
	})

	return httptest.NewServer(mux)
}

func Test_NewGracefulShutdown(t *testing.T) {
	var reqWg sync.WaitGroup // To wait for all requests to complete before closing the server.
	var testSrv *httptest.Server
	var exitCode atomic.Int64
	exitCode.Store(-1)

	// Only close the httptest server after a /shutdown request is made,
	// which initiates the graceful shutdown.
	gs := newGracefulShutdown(func() error {
		reqWg.Wait()
		testSrv.Close()
		return nil
	}, func(code int) { exitCode.Store(int64(code)) }, 5*time.Second)

	// Create a basic httptest server and start listening for requests.
	testSrv = httptestBasicServer(gs)
	healthRoute := fmt.Sprintf("%s/health", testSrv.URL)
	shutdownRoute := fmt.Sprintf("%s/shutdown", testSrv.URL)

	// Order of requests is important.
	tcs := []struct {
		url                string
		expectedStatusCode int
	}{
		{healthRoute, http.StatusOK},
		{shutdownRoute, http.StatusOK},
	}

	reqWg.Add(len(tcs))
	for _, tc := range tcs {
		name := fmt.Sprintf("test request %s", tc.url)
		t.Run(name, func(t *testing.T) {
			defer reqWg.Done()

			res, err := http.Get(tc.url)
			if !assert.NoError(t, err) {
				return
			}
			defer res.Body.Close()
			assert.Equal(t, tc.expectedStatusCode, res.StatusCode)
		})
	}

	gs.Wait()
	assert.True(t, gs.ShuttingDown())
	assert.Equal(t, int64(0), exitCode.Load())
}

func Test_GracefulShutdownFailingTask(t *testing.T) {
	var exitCode atomic.Int64
	exitCode.Store(-1)
	gs := newGracefulShutdown(func() error {
		return errors.New("flush failed")
	}, func(code int) { exitCode.Store(int64(code)) }, time.Second)

	gs.Shutdown()
	gs.Wait()
	assert.Equal(t, int64(1), exitCode.Load())
}

func Test_GracefulShutdownTimeout(t *testing.T) {
	var exitCode atomic.Int64
	exitCode.Store(-1)
	block := make(chan struct{})
	defer close(block)
	gs := newGracefulShutdown(func() error {
		<-block
		return nil
	}, func(code int) { exitCode.Store(int64(code)) }, 50*time.Millisecond)

	gs.Shutdown()
	gs.Wait()
	assert.Equal(t, int64(1), exitCode.Load())
}
