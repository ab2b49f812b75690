package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"rfc3339", "2025-03-01T10:20:30Z", time.Date(2025, 3, 1, 10, 20, 30, 0, time.UTC)},
		{"offset", "2025-03-01T12:20:30+02:00", time.Date(2025, 3, 1, 10, 20, 30, 0, time.UTC)},
		{"naive iso is utc", "2025-03-01T10:20:30.123456", time.Date(2025, 3, 1, 10, 20, 30, 123456000, time.UTC)},
		{"space separator", "2025-03-01 10:20:30", time.Date(2025, 3, 1, 10, 20, 30, 0, time.UTC)},
		{"date only", "2025-03-01", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"empty", "  ", time.Time{}},
		{"garbage", "yesterday", time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTimestamp(tt.in)
			assert.True(t, tt.want.Equal(got.Time), "got %s", got.Time)
		})
	}
}

func TestTimestamp_UnmarshalJSON(t *testing.T) {
	var job Job
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","created_at":null}`), &job))
	assert.True(t, job.CreatedAt.IsZero())

	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","created_at":"not a date"}`), &job))
	assert.True(t, job.CreatedAt.IsZero(), "unparseable timestamps are treated as missing")

	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","created_at":1735725600000}`), &job))
	assert.Equal(t, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), job.CreatedAt.Time)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","created_at":"2025-01-01T10:00:00"}`), &job))
	assert.Equal(t, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), job.CreatedAt.Time)
}

func TestTimestamp_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(Job{ID: "a"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"created_at":null`)
	assert.NotContains(t, string(data), "nodeUrl", "origin is omitted until tagged")

	data, err = json.Marshal(Job{ID: "a", CreatedAt: ParseTimestamp("2025-01-01T10:00:00Z"), NodeURL: "http://a"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"created_at":"2025-01-01T10:00:00Z"`)
	assert.Contains(t, string(data), `"nodeUrl":"http://a"`)
}

func TestJobStatus_Valid(t *testing.T) {
	for _, s := range []JobStatus{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, JobStatus("paused").Valid())
	assert.False(t, JobStatus("").Valid())
}

func TestJob_Playable(t *testing.T) {
	assert.True(t, Job{Status: StatusCompleted, OutputFiles: []string{"a.wav"}}.Playable())
	assert.False(t, Job{Status: StatusCompleted}.Playable(), "completed without output")
	assert.False(t, Job{Status: StatusProcessing, OutputFiles: []string{"a.wav"}}.Playable())
}

func TestFogNode_WithLiveness(t *testing.T) {
	n := FogNode{ID: "1", URL: "http://a"}
	assert.True(t, n.LastPingTime().IsZero())

	at := time.UnixMilli(1735725600000)
	checked := n.WithLiveness(true, at)
	assert.True(t, checked.IsOnline)
	require.NotNil(t, checked.LastPing)
	assert.Equal(t, at, checked.LastPingTime())
	assert.Nil(t, n.LastPing, "receiver is unchanged")

	data, err := json.Marshal(checked)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"1","url":"http://a","isOnline":true,"lastPing":1735725600000}`, string(data))
}
