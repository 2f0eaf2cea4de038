package api

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDuration_MarshalJSON(t *testing.T) {
	d := Duration{Duration: 10 * time.Second}
	b, err := d.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	want := `"10s"`
	if string(b) != want {
		t.Errorf("MarshalJSON() = %s, want %s", b, want)
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{`"10s"`, 10 * time.Second, false},
		{`"24h"`, 24 * time.Hour, false},
		{`"0s"`, 0, false},
		{`"not-a-duration"`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.input), &d)
			if (err != nil) != tt.wantErr {
				t.Errorf("UnmarshalJSON(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && d.Duration != tt.want {
				t.Errorf("UnmarshalJSON(%s) = %s, want %s", tt.input, d.Duration, tt.want)
			}
		})
	}
}

func TestCreateSessionRequest_Decode(t *testing.T) {
	body := `{
		"name": "analysis",
		"isPublic": true,
		"ttl": "2h",
		"files": [{"name": "main.py", "content": "print(1)", "language": "python"}]
	}`
	var req CreateSessionRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatal(err)
	}
	if req.TTL.Duration != 2*time.Hour {
		t.Errorf("TTL = %s, want 2h", req.TTL.Duration)
	}
	if !req.IsPublic || len(req.Files) != 1 || req.Files[0].Language != "python" {
		t.Errorf("req = %+v", req)
	}
}

func TestExecuteRequest_TimeoutIsMillis(t *testing.T) {
	var req ExecuteRequest
	if err := json.Unmarshal([]byte(`{"code":"1","language":"js","timeout":2500,"memoryLimit":1048576}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.Timeout != 2500 || req.MemoryLimit != 1<<20 {
		t.Errorf("req = %+v", req)
	}
}
