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

package spawnchild

import (
	"bytes"
	"encoding/json"
	"testing"

	"spawnsrv/internal/spawnwire"
)

func TestWriteJobRoundTrip(t *testing.T) {
	job := Job{
		ClientPid:  123,
		Executable: "/bin/echo",
		Argv:       []string{"/bin/echo", "hi"},
		Envp:       []string{"PATH=/bin"},
		UsePath:    false,
		FileActions: []spawnwire.FileAction{
			{Op: spawnwire.OpClose, Fd: 2},
			{Op: spawnwire.OpDup2, Srcfd: 5, Fd: 1},
		},
	}

	var buf bytes.Buffer
	if err := WriteJob(&buf, job); err != nil {
		t.Fatalf("WriteJob: %v", err)
	}

	var decoded Job
	if err := json.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("decoding written job: %v", err)
	}
	if decoded.Executable != job.Executable || decoded.ClientPid != job.ClientPid {
		t.Fatalf("decoded job = %+v, want %+v", decoded, job)
	}
	if len(decoded.FileActions) != len(job.FileActions) {
		t.Fatalf("decoded %d file actions, want %d", len(decoded.FileActions), len(job.FileActions))
	}
}

func TestReadResult(t *testing.T) {
	cases := []struct {
		name    string
		bytes   []byte
		want    int32
		wantErr bool
	}{
		{name: "zero means failure", bytes: []byte{0, 0, 0, 0}, want: 0},
		{name: "positive pid", bytes: []byte{0, 0, 0x04, 0xd2}, want: 1234},
		{name: "short read", bytes: []byte{0, 0, 1}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ReadResult(bytes.NewReader(tc.bytes))
			if (err != nil) != tc.wantErr {
				t.Fatalf("ReadResult error = %v, wantErr %v", err, tc.wantErr)
			}
			if err == nil && got != tc.want {
				t.Errorf("ReadResult = %d, want %d", got, tc.want)
			}
		})
	}
}
