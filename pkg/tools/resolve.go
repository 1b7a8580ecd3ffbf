package tools

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/artifacts"
	"github.com/parleyhq/parley/pkg/types/chat"
	tooltypes "github.com/parleyhq/parley/pkg/types/tools"
)

// resolvedFile is a file reference materialized to bytes, whether it
// came from the provider file store or from a pending artifact.
type resolvedFile struct {
	Ref      string
	Filename string
	Mime     string
	Kind     chat.FileKind
	Size     int64
	Bytes    []byte
}

// resolveFileRef turns the model-supplied file_ref into bytes. A ref is
// tried as a pending artifact temp id, then as a provider file id, then
// as a filename registered on the thread. Thread files outside their
// provider TTL resolve but fail the download, which surfaces as a tool
// error the model can react to.
func resolveFileRef(ctx context.Context, deps Deps, inv tooltypes.Invocation, ref string) (*resolvedFile, error) {
	if ref == "" {
		return nil, errors.New("file_ref is required")
	}

	if a, err := deps.Artifacts.Get(ctx, ref); err == nil {
		data := a.Bytes
		if len(data) == 0 && a.SandboxPath != "" {
			data, err = deps.Sandbox.Download(ctx, inv.UserID, a.SandboxPath)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to fetch artifact %s from sandbox", ref)
			}
		}
		return &resolvedFile{
			Ref:      a.TempID,
			Filename: a.Filename,
			Mime:     a.Mime,
			Kind:     chat.KindForMime(a.Mime),
			Size:     a.Size,
			Bytes:    data,
		}, nil
	} else if !errors.Is(err, artifacts.ErrNotFound) {
		return nil, errors.Wrapf(err, "failed to look up artifact %s", ref)
	}

	file, err := findThreadFile(ctx, deps, inv.ThreadID, ref)
	if err != nil {
		return nil, err
	}

	data, err := deps.Files.Download(ctx, file.ProviderFileID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to download %q", file.Filename)
	}
	return &resolvedFile{
		Ref:      file.ProviderFileID,
		Filename: file.Filename,
		Mime:     file.Mime,
		Kind:     file.Kind,
		Size:     file.Size,
		Bytes:    data,
	}, nil
}

func findThreadFile(ctx context.Context, deps Deps, threadID int64, ref string) (*chat.UserFile, error) {
	files, err := deps.State.ThreadFiles(ctx, threadID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list thread files")
	}
	for _, f := range files {
		if f.ProviderFileID == ref {
			return f, nil
		}
	}
	for _, f := range files {
		if strings.EqualFold(f.Filename, ref) {
			return f, nil
		}
	}
	return nil, errors.Errorf("no file matching %q on this thread; check the file manifest for valid ids", ref)
}
