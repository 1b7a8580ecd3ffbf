package tools

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/sandbox"
	"github.com/parleyhq/parley/pkg/types/chat"
	tooltypes "github.com/parleyhq/parley/pkg/types/tools"
)

func TestExecutePython_Happy(t *testing.T) {
	env := newTestEnv(t)
	env.addThreadFile("file_csv", "sales.csv", "text/csv", chat.FileDocument, []byte("a,b\n1,2\n"))
	env.sandbox.execResult = &sandbox.ExecResult{
		Stdout:   "done\n",
		ExitCode: 0,
		Duration: 2500 * time.Millisecond,
	}
	env.sandbox.remote = []sandbox.RemoteFile{
		{Path: "outputs/plot.png", Size: 1024, ModifiedAt: time.Now()},
		{Path: "outputs/huge.bin", Size: 50 * 1024 * 1024, ModifiedAt: time.Now()},
	}
	env.sandbox.contents["outputs/plot.png"] = []byte("pngdata")

	tool := &ExecutePythonTool{deps: env.deps}
	result := tool.Execute(context.Background(), testInvocation(),
		`{"code":"import pandas as pd","input_files":["sales.csv"]}`)

	require.False(t, result.IsError(), result.GetError())
	assert.Equal(t, []byte("a,b\n1,2\n"), env.sandbox.uploads["sales.csv"], "input staged under its filename")
	assert.Equal(t, "import pandas as pd", env.sandbox.execCode)
	assert.Equal(t, 180*time.Second, env.sandbox.execTimeout, "default timeout")

	carrier := result.(tooltypes.ArtifactCarrier)
	blobs := carrier.OutputFiles()
	require.Len(t, blobs, 2)
	assert.Equal(t, "plot.png", blobs[0].Filename)
	assert.Equal(t, []byte("pngdata"), blobs[0].Bytes)
	assert.NotEmpty(t, blobs[0].TempID)
	assert.Empty(t, blobs[1].Bytes, "oversized output stays remote")
	assert.Equal(t, "outputs/huge.bin", blobs[1].SandboxPath)

	assert.Contains(t, result.GetResult(), blobs[0].TempID)
	assert.Contains(t, result.GetResult(), "done")

	// 2.5 s at $0.0008/s
	reporter := result.(tooltypes.CostReporter)
	assert.True(t, reporter.CostUSD().Equal(decimal.NewFromFloat(0.002)), reporter.CostUSD().String())
}

func TestExecutePython_TimeoutClamped(t *testing.T) {
	env := newTestEnv(t)
	env.sandbox.execResult = &sandbox.ExecResult{ExitCode: 0, Duration: time.Second}

	tool := &ExecutePythonTool{deps: env.deps}
	result := tool.Execute(context.Background(), testInvocation(), `{"code":"print(1)","timeout_seconds":7200}`)

	require.False(t, result.IsError())
	assert.Equal(t, 3600*time.Second, env.sandbox.execTimeout)
}

func TestExecutePython_TimedOutRun(t *testing.T) {
	env := newTestEnv(t)
	env.sandbox.execResult = &sandbox.ExecResult{
		ExitCode: -1,
		Duration: 180 * time.Second,
		TimedOut: true,
	}

	tool := &ExecutePythonTool{deps: env.deps}
	result := tool.Execute(context.Background(), testInvocation(), `{"code":"while True: pass"}`)

	require.False(t, result.IsError(), "a timeout is a reportable outcome, not a tool failure")
	assert.Contains(t, result.GetResult(), "timed out")

	var meta tooltypes.PythonExecutionMetadata
	require.True(t, tooltypes.ExtractMetadata(result.StructuredData().Metadata, &meta))
	assert.True(t, meta.TimedOut)
}

func TestExecutePython_StagingFailureAborts(t *testing.T) {
	env := newTestEnv(t)

	tool := &ExecutePythonTool{deps: env.deps}
	result := tool.Execute(context.Background(), testInvocation(),
		`{"code":"print(1)","input_files":["ghost.csv"]}`)

	assert.True(t, result.IsError())
	assert.Contains(t, result.GetError(), "failed to stage")
	assert.Empty(t, env.sandbox.execCode, "nothing ran")
}

func TestExecutePython_HarvestFailureDegrades(t *testing.T) {
	env := newTestEnv(t)
	env.sandbox.execResult = &sandbox.ExecResult{Stdout: "ok", ExitCode: 0, Duration: time.Second}
	env.sandbox.harvestErr = assert.AnError

	tool := &ExecutePythonTool{deps: env.deps}
	result := tool.Execute(context.Background(), testInvocation(), `{"code":"print(1)"}`)

	require.False(t, result.IsError(), "run result stands even when harvest fails")
	assert.Empty(t, result.(tooltypes.ArtifactCarrier).OutputFiles())
}

func TestExecutePython_ValidateInput(t *testing.T) {
	tool := &ExecutePythonTool{}

	assert.Error(t, tool.ValidateInput(tooltypes.Invocation{}, `{"code":"  "}`))
	assert.Error(t, tool.ValidateInput(tooltypes.Invocation{}, `{"code":"x","timeout_seconds":-1}`))
	assert.NoError(t, tool.ValidateInput(tooltypes.Invocation{}, `{"code":"print(1)"}`))
}
