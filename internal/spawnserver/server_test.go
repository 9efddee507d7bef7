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

package spawnserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"spawnsrv/internal/spawnwire"
)

func TestHandleIdentity(t *testing.T) {
	s := New()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var id spawnwire.Identity
	if err := json.Unmarshal(rec.Body.Bytes(), &id); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if id.Server != "spawnsrv" {
		t.Errorf("Server = %q, want spawnsrv", id.Server)
	}
}

func TestHandleHealthz(t *testing.T) {
	s := New()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleSpawnRejectsMalformedRequest(t *testing.T) {
	s := New()
	rec := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"client_pid": 0}`)
	req := httptest.NewRequest(http.MethodPost, "/posix_spawn", body)
	req.Header.Set("Content-Type", "application/json")
	s.Engine().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleSpawnRateLimited(t *testing.T) {
	s := New(WithRateLimit(0.0001))

	// The limiter is consulted before the body is even parsed, so a
	// malformed body is enough to exercise it without ever reaching the
	// driver (which would fork a real spawner child).
	malformed := func() *bytes.Buffer { return bytes.NewBufferString(`not json`) }

	first := httptest.NewRecorder()
	r1 := httptest.NewRequest(http.MethodPost, "/posix_spawn", malformed())
	r1.Header.Set("Content-Type", "application/json")
	s.Engine().ServeHTTP(first, r1)
	if first.Code != http.StatusBadRequest {
		t.Fatalf("first request status = %d, want 400 (burst token spent on a rejected body)", first.Code)
	}

	second := httptest.NewRecorder()
	r2 := httptest.NewRequest(http.MethodPost, "/posix_spawn", malformed())
	r2.Header.Set("Content-Type", "application/json")
	s.Engine().ServeHTTP(second, r2)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", second.Code)
	}
}
