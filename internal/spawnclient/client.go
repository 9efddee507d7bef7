// Copyright 2024 The spawnsrv Authors.
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

// Package spawnclient implements the client side of the protocol: making
// the process a subreaper so the orphaned target reparents to it, asking
// a spawn server to create the target, and waiting on the spawner child
// to confirm a clean handoff.
package spawnclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"spawnsrv/internal/spawnwire"
)

var (
	subreaperOnce sync.Once
	subreaperErr  error
)

// EnableSubreaper marks the calling process as a child subreaper via
// prctl(PR_SET_CHILD_SUBREAPER, 1). It must be called before the target
// process is spawned — ideally once, at client startup — so that when
// the spawner child's own child (the target) is orphaned, the kernel
// reparents it to this process rather than to whatever subreaper or
// init happens to sit above the spawn server. Idempotent: later calls
// reuse the first call's result.
func EnableSubreaper() error {
	subreaperOnce.Do(func() {
		subreaperErr = unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0)
	})
	return subreaperErr
}

// Client talks to a spawn server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default *http.Client, e.g. to set a
// request timeout or a custom transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a Client that talks to the server at baseURL (e.g.
// "http://127.0.0.1:8099").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Spawn asks the server to create req.Executable as this process's
// child. The initial connection is retried with a short bounded
// backoff on transient dial failures (e.g. the server binary is still
// starting up); once a response of any kind is received, it is returned
// immediately — a 4xx/5xx application response is never retried, since
// the server itself never retries a failed spawn and the client has no
// basis to expect a repeat attempt would behave differently.
func (c *Client) Spawn(ctx context.Context, req *spawnwire.SpawnRequest) (*spawnwire.SpawnResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	var httpResp *http.Response
	op := func() error {
		r, err := c.doPost(ctx, body)
		if err != nil {
			var opErr *net.OpError
			if errors.As(err, &opErr) && opErr.Op == "dial" {
				return err
			}
			return backoff.Permanent(err)
		}
		httpResp = r
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 5), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("dialing spawn server: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var errResp spawnwire.ErrorResponse
		if decErr := json.NewDecoder(httpResp.Body).Decode(&errResp); decErr == nil && errResp.Error != "" {
			return nil, fmt.Errorf("spawn server returned %s: %s", httpResp.Status, errResp.Error)
		}
		return nil, fmt.Errorf("spawn server returned %s", httpResp.Status)
	}

	var resp spawnwire.SpawnResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if !resp.Valid() {
		return nil, fmt.Errorf("spawn server returned invalid pids: %+v", resp)
	}
	return &resp, nil
}

func (c *Client) doPost(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/posix_spawn", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.http.Do(httpReq)
}

// WaitSpawner blocks until the spawner child identified by spawnerPid
// exits, and reports an error if it did not exit cleanly. Per spec.md
// §4.4, the spawner child's exit is just cleanup: by the time the
// server returned a response, the target has already been reparented to
// this process and can be waited on independently via targetPid.
//
// wait4 only reaps a calling process's own children, so this is
// meaningful only when called in-process by whatever forked the spawn
// server itself (library use of this package against a server running
// as a direct child). The spawner is a reexec of the server binary, so
// across the HTTP-distributed path spawnctl otherwise uses, the server
// process is the spawner's real parent and reaps it via its own
// cmd.Wait in spawnserver.Driver.Spawn; a separate spawnctl process
// calling WaitSpawner would get ECHILD. This mirrors the original
// implementation's assumption that the waiter and the forker are the
// same process.
func WaitSpawner(spawnerPid int32) error {
	var status unix.WaitStatus
	if _, err := unix.Wait4(int(spawnerPid), &status, 0, nil); err != nil {
		return fmt.Errorf("waiting for spawner %d: %w", spawnerPid, err)
	}
	if !status.Exited() || status.ExitStatus() != 0 {
		return fmt.Errorf("spawner %d exited abnormally: %v", spawnerPid, status)
	}
	return nil
}
