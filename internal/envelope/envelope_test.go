package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndLastQueueStage(t *testing.T) {
	content := `{"value":1}`
	stamped, err := Append(content, QueueStage{URL: "file:///a/1.json", Timestamp: 1000, DateTime: "2000-01-01 00:00:00", Serial: 1})
	require.NoError(t, err)

	stage, err := LastQueueStage(stamped)
	require.NoError(t, err)
	require.Equal(t, int64(1), stage.Serial)
	require.Equal(t, "file:///a/1.json", stage.URL)
}

func TestLastQueueStagePrefersMostRecentStage(t *testing.T) {
	content := `{"value":1}`
	first, err := Append(content, QueueStage{URL: "u1", Serial: 1})
	require.NoError(t, err)
	second, err := Append(first, QueueStage{URL: "u2", Serial: 2})
	require.NoError(t, err)

	stage, err := LastQueueStage(second)
	require.NoError(t, err)
	require.Equal(t, int64(2), stage.Serial, "expected the second (most recent) stage")
	require.Equal(t, "u2", stage.URL)
}

func TestLastQueueStageErrorsWithoutEtl(t *testing.T) {
	_, err := LastQueueStage(`{"value":1}`)
	require.Error(t, err, "expected an error for a message with no etl array")
}

func TestDatePath(t *testing.T) {
	got := DatePath(1577836800) // 2020-01-01T00:00:00Z
	require.Equal(t, "2020/01/01", got)
}
