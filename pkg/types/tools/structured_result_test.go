package tools

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredToolResultRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	original := StructuredToolResult{
		ToolName: "execute_python",
		Success:  true,
		Metadata: PythonExecutionMetadata{
			ExitCode:        0,
			DurationSeconds: 1.5,
			Stdout:          "hello\n",
			OutputFiles: []ArtifactInfo{
				{TempID: "a1b2", Filename: "plot.png", Mime: "image/png", Size: 2048},
			},
		},
		Timestamp: now,
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"metadataType":"execute_python"`)

	var decoded StructuredToolResult
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original.ToolName, decoded.ToolName)
	assert.True(t, decoded.Success)

	var meta PythonExecutionMetadata
	require.True(t, ExtractMetadata(decoded.Metadata, &meta))
	assert.Equal(t, 0, meta.ExitCode)
	assert.Len(t, meta.OutputFiles, 1)
	assert.Equal(t, "plot.png", meta.OutputFiles[0].Filename)
}

func TestStructuredToolResultUnknownMetadata(t *testing.T) {
	raw := `{"toolName":"mystery","success":false,"error":"boom","metadataType":"not_registered","metadata":{"x":1},"timestamp":"2025-06-01T12:00:00Z"}`

	var decoded StructuredToolResult
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))

	assert.Equal(t, "mystery", decoded.ToolName)
	assert.Equal(t, "boom", decoded.Error)
	assert.Nil(t, decoded.Metadata)
}

func TestExtractMetadataTypeMismatch(t *testing.T) {
	meta := CritiqueMetadata{Verdict: "PASS", AlignmentScore: 91}

	var wrong PythonExecutionMetadata
	assert.False(t, ExtractMetadata(meta, &wrong))

	var right CritiqueMetadata
	require.True(t, ExtractMetadata(meta, &right))
	assert.Equal(t, 91, right.AlignmentScore)

	assert.False(t, ExtractMetadata(nil, &right))
}
