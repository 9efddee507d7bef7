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

package spawnwire

import (
	"encoding/json"
	"testing"
)

func TestSpawnRequestValidate(t *testing.T) {
	cases := []struct {
		name    string
		req     SpawnRequest
		wantErr bool
	}{
		{
			name: "valid minimal",
			req: SpawnRequest{
				Executable: "/bin/echo",
				ClientPid:  42,
			},
		},
		{
			name: "missing executable",
			req: SpawnRequest{
				ClientPid: 42,
			},
			wantErr: true,
		},
		{
			name: "non-positive client pid",
			req: SpawnRequest{
				Executable: "/bin/echo",
				ClientPid:  0,
			},
			wantErr: true,
		},
		{
			name: "bad spawn_attrs length",
			req: SpawnRequest{
				Executable: "/bin/echo",
				ClientPid:  1,
				SpawnAttrs: make([]byte, 10),
			},
			wantErr: true,
		},
		{
			name: "valid spawn_attrs length",
			req: SpawnRequest{
				Executable: "/bin/echo",
				ClientPid:  1,
				SpawnAttrs: make([]byte, SpawnAttrsSize),
			},
		},
		{
			name: "unknown fdop",
			req: SpawnRequest{
				Executable:  "/bin/echo",
				ClientPid:   1,
				FileActions: []FileAction{{Op: "frobnicate"}},
			},
			wantErr: true,
		},
		{
			name: "dup2 with negative srcfd",
			req: SpawnRequest{
				Executable:  "/bin/echo",
				ClientPid:   1,
				FileActions: []FileAction{{Op: OpDup2, Fd: 1, Srcfd: -1}},
			},
			wantErr: true,
		},
		{
			name: "open with empty path",
			req: SpawnRequest{
				Executable:  "/bin/echo",
				ClientPid:   1,
				FileActions: []FileAction{{Op: OpOpen, Fd: 3}},
			},
			wantErr: true,
		},
		{
			name: "well-formed file action chain",
			req: SpawnRequest{
				Executable: "/bin/echo",
				ClientPid:  1,
				FileActions: []FileAction{
					{Op: OpClose, Fd: 2},
					{Op: OpDup2, Srcfd: 5, Fd: 1},
					{Op: OpOpen, Fd: 3, Path: "/tmp/out", Oflag: 577, Mode: 0644},
				},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestSpawnResponseValid(t *testing.T) {
	cases := []struct {
		resp SpawnResponse
		want bool
	}{
		{SpawnResponse{SpawnerPid: 1, TargetPid: 2}, true},
		{SpawnResponse{SpawnerPid: 0, TargetPid: 2}, false},
		{SpawnResponse{SpawnerPid: 1, TargetPid: 0}, false},
		{SpawnResponse{SpawnerPid: -1, TargetPid: -1}, false},
	}
	for _, tc := range cases {
		if got := tc.resp.Valid(); got != tc.want {
			t.Errorf("SpawnResponse%+v.Valid() = %v, want %v", tc.resp, got, tc.want)
		}
	}
}

func TestSpawnResponseJSONIsTwoElementArray(t *testing.T) {
	resp := SpawnResponse{SpawnerPid: 100, TargetPid: 101}

	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got, want := string(b), "[100,101]"; got != want {
		t.Fatalf("Marshal(%+v) = %s, want %s", resp, got, want)
	}

	var decoded SpawnResponse
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != resp {
		t.Fatalf("round trip = %+v, want %+v", decoded, resp)
	}
}
