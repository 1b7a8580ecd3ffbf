package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/types/chat"
)

func TestResolveFileRef_ArtifactFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := &chat.ExecArtifact{TempID: "art-1", ThreadID: 7, Filename: "plot.png", Mime: "image/png", Size: 3, Bytes: []byte{1, 2, 3}}
	require.NoError(t, env.artifacts.Store(ctx, a))

	file, err := resolveFileRef(ctx, env.deps, testInvocation(), "art-1")
	require.NoError(t, err)
	assert.Equal(t, "plot.png", file.Filename)
	assert.Equal(t, chat.FileImage, file.Kind)
	assert.Equal(t, []byte{1, 2, 3}, file.Bytes)
}

func TestResolveFileRef_ArtifactFetchesSandboxBytes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := &chat.ExecArtifact{TempID: "art-2", ThreadID: 7, Filename: "big.csv", Mime: "text/csv", Size: 9, SandboxPath: "outputs/big.csv"}
	require.NoError(t, env.artifacts.Store(ctx, a))
	env.sandbox.contents["outputs/big.csv"] = []byte("a,b\n1,2\n")

	file, err := resolveFileRef(ctx, env.deps, testInvocation(), "art-2")
	require.NoError(t, err)
	assert.Equal(t, []byte("a,b\n1,2\n"), file.Bytes)
}

func TestResolveFileRef_ByProviderID(t *testing.T) {
	env := newTestEnv(t)
	env.addThreadFile("file_abc", "photo.jpg", "image/jpeg", chat.FileImage, []byte("jpegbytes"))

	file, err := resolveFileRef(context.Background(), env.deps, testInvocation(), "file_abc")
	require.NoError(t, err)
	assert.Equal(t, "photo.jpg", file.Filename)
	assert.Equal(t, []byte("jpegbytes"), file.Bytes)
}

func TestResolveFileRef_ByFilenameCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	env.addThreadFile("file_abc", "Report.PDF", "application/pdf", chat.FilePDF, []byte("%PDF"))

	file, err := resolveFileRef(context.Background(), env.deps, testInvocation(), "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "file_abc", file.Ref)
}

func TestResolveFileRef_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := resolveFileRef(context.Background(), env.deps, testInvocation(), "ghost.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no file matching")
}

func TestResolveFileRef_Empty(t *testing.T) {
	env := newTestEnv(t)

	_, err := resolveFileRef(context.Background(), env.deps, testInvocation(), "")
	assert.Error(t, err)
}
