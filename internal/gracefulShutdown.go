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
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type GracefulShutdownHandler interface {
	Shutdown()          // Triggers a graceful shutdown programmatically.
	ShuttingDown() bool // Quickly checks if a shutdown is in progress.
	Wait()              // Blocks until shutdown tasks are complete.
}

type gracefulShutdown struct {
	quit         chan os.Signal // Blocks until a SIGTERM/SIGINT signal is received.
	shuttingDown chan bool      // Indicates if a shutdown is happening.
	wg           sync.WaitGroup // Waits until all shutdown tasks are complete.
	exit         func(code int)
	timeout      time.Duration
}

// NewGracefulShutdown calls onShutdown on SIGINT/SIGTERM and exits the process afterwards.
// Kubernetes sends SIGTERM 30 seconds before killing the pod, so onShutdown gets 30 seconds.
func NewGracefulShutdown(onShutdown func() error) GracefulShutdownHandler {
	return newGracefulShutdown(onShutdown, os.Exit, 30*time.Second)
}

func newGracefulShutdown(onShutdown func() error, exit func(code int), timeout time.Duration) *gracefulShutdown {
	gs := &gracefulShutdown{
		quit:         make(chan os.Signal, 1),
		shuttingDown: make(chan bool, 1),
		wg:           sync.WaitGroup{},
		exit:         exit,
		timeout:      timeout,
	}
	gs.wg.Add(1)
	signal.Notify(gs.quit, syscall.SIGINT, syscall.SIGTERM)

	go gs.run(onShutdown)

	return gs
}

func (gs *gracefulShutdown) run(onShutdown func() error) {
	defer gs.wg.Done()
	sig := <-gs.quit
	signal.Stop(gs.quit)
	gs.shuttingDown <- true
	zap.S().Infow("Received signal, shutting down", "signal", sig.String())
	if onShutdown != nil {
		zap.S().Infow("Waiting for shutdown tasks to complete", "timeout", gs.timeout)
		done := make(chan error, 1)
		go func() {
			done <- onShutdown()
		}()
		select {
		case err := <-done:
			if err != nil {
				zap.S().Errorw("Error during shutdown", "error", err)
				_ = zap.S().Sync()
				gs.exit(1)
				return
			}
		case <-time.After(gs.timeout):
			zap.S().Errorw("Shutdown tasks did not complete in time", "timeout", gs.timeout)
			// Flush buffer
			_ = zap.S().Sync()
			gs.exit(1)
			return
		}
	}
	zap.S().Info("Shutdown tasks completed. Ready to exit.")
	_ = zap.S().Sync()
	gs.exit(0)
}

func (gs *gracefulShutdown) ShuttingDown() bool {
	select {
	case <-gs.shuttingDown:
		// Put the value back, in case it's checked again later during shutdown.
		gs.shuttingDown <- true
		return true
	default:
		return false
	}
}

func (gs *gracefulShutdown) Shutdown() {
	// Only send a SIGTERM signal if we are not already shutting down.
	if !gs.ShuttingDown() {
		select {
		case gs.quit <- syscall.SIGTERM:
		default:
		}
	}
}

func (gs *gracefulShutdown) Wait() {
	gs.wg.Wait()
}
