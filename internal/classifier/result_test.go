package classifier

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest(t *testing.T) {
	tests := []struct {
		ref     string
		local   bool
		wantErr string
	}{
		{ref: "file:///srv/captures/capture_001.jpg", local: true},
		{ref: "FILE:///srv/captures/capture_001.jpg", local: true},
		{ref: "http://localhost:8000/capture_001.jpg"},
		{ref: "https://cdn.example.com/leaf.jpg"},
		{ref: "", wantErr: "empty"},
		{ref: "capture_001.jpg", wantErr: "unsupported image reference scheme"},
		{ref: "ftp://host/leaf.jpg", wantErr: "unsupported image reference scheme"},
		{ref: "http:///leaf.jpg", wantErr: "no host"},
		{ref: "file://", wantErr: "no path"},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			req, err := NewRequest(tt.ref)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ref, req.Reference())
			assert.Equal(t, tt.local, req.IsLocal())
		})
	}
}

func TestRequest_LocalPath(t *testing.T) {
	req, err := NewRequest("file:///srv/captures/capture_001.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/srv/captures/capture_001.jpg"), req.LocalPath())

	drive, err := NewRequest("file:///C:/captures/leaf.jpg")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("C:/captures/leaf.jpg"), drive.LocalPath())

	remote, err := NewRequest("https://cdn.example.com/leaf.jpg")
	require.NoError(t, err)
	assert.Empty(t, remote.LocalPath())
}

func TestAssessRisk(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		want   Risk
	}{
		{name: "empty", result: nil, want: RiskHealthy},
		{name: "low", result: Result{{Label: "healthy", Score: 0.29}}, want: RiskHealthy},
		{name: "monitor boundary", result: Result{{Label: "rust", Score: 0.30}}, want: RiskMonitor},
		{name: "monitor", result: Result{{Label: "rust", Score: 0.69}}, want: RiskMonitor},
		{name: "high boundary", result: Result{{Label: "leaf_blight", Score: 0.70}}, want: RiskHighRisk},
		{name: "uses first entry", result: Result{{Label: "a", Score: 0.1}, {Label: "b", Score: 0.9}}, want: RiskHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AssessRisk(tt.result))
		})
	}
}

func TestResult_MarshalEmptyAsArray(t *testing.T) {
	data, err := json.Marshal(Result(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))

	data, err = json.Marshal(struct {
		Analysis Result `json:"analysis"`
	}{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"analysis":[]}`, string(data))
}
