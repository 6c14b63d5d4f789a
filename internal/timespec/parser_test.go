package timespec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	now := time.Date(2025, 10, 29, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		spec    string
		want    time.Time
		wantErr string
	}{
		{name: "duration", spec: "1h30m", want: now.Add(-90 * time.Minute)},
		{name: "rfc3339", spec: "2025-10-29T13:00:00Z", want: time.Date(2025, 10, 29, 13, 0, 0, 0, time.UTC)},
		{name: "empty", spec: "", wantErr: "empty time specification"},
		{name: "garbage", spec: "yesterday", wantErr: "invalid time specification"},
		{name: "negative", spec: "-5m", wantErr: "negative duration"},
		{name: "future", spec: "2025-10-30T00:00:00Z", wantErr: "in the future"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.spec, now)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}
}

func TestStreamID(t *testing.T) {
	assert.Equal(t, "1761742800000-0", StreamID(time.Date(2025, 10, 29, 13, 0, 0, 0, time.UTC)))
}
