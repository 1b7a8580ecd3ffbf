package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_FullToolSet(t *testing.T) {
	env := newTestEnv(t)
	reg := NewRegistry(env.deps)

	want := []string{
		"analyze_image", "analyze_pdf", "transcribe_audio", "generate_image",
		"render_latex", "execute_python", "preview_file", "deliver_file",
		"self_critique",
	}
	var got []string
	for _, tool := range reg.All() {
		got = append(got, tool.Name())
	}
	assert.Equal(t, want, got, "registration order is request order")
}

func TestNewRegistry_PaidFlags(t *testing.T) {
	env := newTestEnv(t)
	reg := NewRegistry(env.deps)

	paid := map[string]bool{
		"analyze_image":    true,
		"analyze_pdf":      true,
		"transcribe_audio": true,
		"generate_image":   true,
		"render_latex":     false,
		"execute_python":   true,
		"preview_file":     false,
		"deliver_file":     false,
		"self_critique":    true,
	}
	for name, want := range paid {
		tool := reg.Get(name)
		require.NotNil(t, tool, name)
		assert.Equal(t, want, tool.Paid(), name)
	}
}

func TestNewCritiqueRegistry_RestrictedSet(t *testing.T) {
	env := newTestEnv(t)
	reg := NewCritiqueRegistry(env.deps)

	assert.Len(t, reg.All(), 4)
	assert.NotNil(t, reg.Get("execute_python"))
	assert.NotNil(t, reg.Get("preview_file"))
	assert.NotNil(t, reg.Get("analyze_image"))
	assert.NotNil(t, reg.Get("analyze_pdf"))
	assert.Nil(t, reg.Get("deliver_file"))
	assert.Nil(t, reg.Get("self_critique"), "no nested critique")
}

func TestToAnthropicTools(t *testing.T) {
	env := newTestEnv(t)
	reg := NewRegistry(env.deps)

	params := reg.ToAnthropicTools()
	require.Len(t, params, 9)
	assert.Equal(t, "analyze_image", params[0].OfTool.Name)
	assert.NotNil(t, params[0].OfTool.InputSchema.Properties)
	assert.NotEmpty(t, params[0].OfTool.Description.Value)
}

func TestGenerateSchema_InputShapes(t *testing.T) {
	schema := GenerateSchema[AnalyzeImageInput]()

	require.NotNil(t, schema.Properties)
	_, ok := schema.Properties.Get("file_ref")
	assert.True(t, ok)
	_, ok = schema.Properties.Get("prompt")
	assert.True(t, ok)
}

func TestRunTool_UnknownName(t *testing.T) {
	env := newTestEnv(t)
	reg := NewRegistry(env.deps)

	result := RunTool(context.Background(), reg, testInvocation(), "summon_demon", "{}")
	assert.True(t, result.IsError())
	assert.Contains(t, result.GetError(), "unknown tool")

	data := result.StructuredData()
	assert.Equal(t, "summon_demon", data.ToolName)
	assert.False(t, data.Success)
}

func TestRunTool_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	reg := NewRegistry(env.deps)

	result := RunTool(context.Background(), reg, testInvocation(), "analyze_image", "{}")
	assert.True(t, result.IsError())
	assert.Contains(t, result.GetError(), "file_ref is required")
}

func TestRunTool_ExecutesTool(t *testing.T) {
	env := newTestEnv(t)
	env.addThreadFile("file_abc", "notes.txt", "text/plain", "document", []byte("hello world"))
	reg := NewRegistry(env.deps)

	result := RunTool(context.Background(), reg, testInvocation(), "preview_file", `{"file_ref":"notes.txt"}`)
	require.False(t, result.IsError(), result.GetError())
	assert.Contains(t, result.GetResult(), "hello world")
}

func TestErrorResult(t *testing.T) {
	result := ErrorResult("execute_python", "insufficient balance")

	assert.True(t, result.IsError())
	assert.Equal(t, "insufficient balance", result.GetError())
	assert.True(t, strings.Contains(result.AssistantFacing(), "<error>"))

	data := result.StructuredData()
	assert.Equal(t, "execute_python", data.ToolName)
	assert.Equal(t, "insufficient balance", data.Error)
}
