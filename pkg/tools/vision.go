package tools

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/parleyhq/parley/pkg/llm"
)

// imageMediaType maps a mime type to the provider's accepted image media
// types.
func imageMediaType(mime string) (anthropic.Base64ImageSourceMediaType, error) {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg":
		return anthropic.Base64ImageSourceMediaTypeImageJPEG, nil
	case "image/png":
		return anthropic.Base64ImageSourceMediaTypeImagePNG, nil
	case "image/gif":
		return anthropic.Base64ImageSourceMediaTypeImageGIF, nil
	case "image/webp":
		return anthropic.Base64ImageSourceMediaTypeImageWebP, nil
	default:
		return "", errors.Errorf("unsupported image type %q (supported: jpeg, png, gif, webp)", mime)
	}
}

// visionComplete runs one single-shot request against the registry's
// vision model with the file attached inline. Returns the analysis text
// and the token cost priced against that model.
func visionComplete(ctx context.Context, deps Deps, attachment anthropic.ContentBlockParamUnion, prompt string) (string, string, decimal.Decimal, error) {
	modelKey, spec := deps.Models.Vision()

	req := llm.Request{
		Spec: spec,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt), attachment),
		},
	}
	out, err := deps.LLM.Complete(ctx, req)
	if err != nil {
		return "", modelKey, decimal.Zero, err
	}
	return out.Text, modelKey, spec.Cost(out.Usage), nil
}

func imageBlock(mime string, data []byte) (anthropic.ContentBlockParamUnion, error) {
	mediaType, err := imageMediaType(mime)
	if err != nil {
		return anthropic.ContentBlockParamUnion{}, err
	}
	return anthropic.NewImageBlock(anthropic.Base64ImageSourceParam{
		Type:      "base64",
		MediaType: mediaType,
		Data:      base64.StdEncoding.EncodeToString(data),
	}), nil
}

func pdfBlock(data []byte) anthropic.ContentBlockParamUnion {
	return anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{
		Type:      "base64",
		MediaType: "application/pdf",
		Data:      base64.StdEncoding.EncodeToString(data),
	})
}
