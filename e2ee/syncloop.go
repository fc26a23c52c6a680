// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"time"

	"github.com/bureau-foundation/matrixcrypto/messaging"
)

// Syncer performs one /sync request. *messaging.DirectSession
// implements it.
type Syncer interface {
	Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error)
}

var _ Syncer = (*messaging.DirectSession)(nil)

// SyncLoopConfig configures RunSyncLoop.
type SyncLoopConfig struct {
	// Filter is an inline JSON filter or a filter ID.
	Filter string

	// Timeout is the long-poll timeout. Default: 30 seconds.
	Timeout time.Duration

	// MaxBackoff caps the delay between retries of a failed sync,
	// which starts at one second and doubles. Default: 30 seconds.
	MaxBackoff time.Duration
}

// SyncHandler is called after each response has been applied to the
// machine, with the decryption results of its timelines.
type SyncHandler func(ctx context.Context, response *messaging.SyncResponse, result *SyncResult)

// RunSyncLoop long-polls syncer starting from since, applies every
// response to the machine, and calls handler. It returns the last
// next_batch token when ctx is cancelled. An empty since performs an
// initial sync first, without a timeout.
func (m *Machine) RunSyncLoop(ctx context.Context, syncer Syncer, config SyncLoopConfig, since string, handler SyncHandler) string {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBackoff := config.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return since
		}

		options := messaging.SyncOptions{Since: since, Filter: config.Filter}
		if since != "" {
			options.Timeout = int(timeout.Milliseconds())
			options.SetTimeout = true
		}
		response, err := syncer.Sync(ctx, options)
		if err != nil {
			if ctx.Err() != nil {
				return since
			}
			m.logger.Error("sync failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return since
			case <-m.clock.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = time.Second
		result := m.ProcessSync(ctx, response)
		since = response.NextBatch
		if handler != nil {
			handler(ctx, response, result)
		}
	}
}
