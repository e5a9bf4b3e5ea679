package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"job-orchestrator/internal/registry"
)

// ThumbnailHandler renders a resized (optionally grayscale) copy of a local
// image, the first step of the document-processing pipeline.
type ThumbnailHandler struct{}

type thumbnailPayload struct {
	SourcePath string `json:"source_path" validate:"required"`
	OutputPath string `json:"output_path"`
	Width      int    `json:"width" validate:"omitempty,gt=0,lte=4096"`
	Grayscale  bool   `json:"grayscale"`
}

func NewThumbnailHandler() *ThumbnailHandler { return &ThumbnailHandler{} }

func (h *ThumbnailHandler) JobType() string { return "thumbnail" }

func (h *ThumbnailHandler) DefaultConfig() map[string]any {
	return map[string]any{"width": 320, "quality": 85}
}

// MaxConcurrent caps parallel decodes; large images are memory-hungry.
func (h *ThumbnailHandler) MaxConcurrent() int { return 2 }

func (h *ThumbnailHandler) ValidatePayload(payload map[string]any) error {
	var p thumbnailPayload
	return registry.DecodePayload(payload, &p)
}

func (h *ThumbnailHandler) Execute(ctx context.Context, run registry.Run) (map[string]any, error) {
	var p thumbnailPayload
	if err := registry.DecodePayload(run.Payload(), &p); err != nil {
		return nil, err
	}
	if err := run.CheckCancel(ctx); err != nil {
		return nil, err
	}

	width := p.Width
	if width == 0 {
		if w, ok := numericConfig(run.Config()["width"]); ok && w > 0 {
			width = int(w)
		}
	}
	quality := 85
	if q, ok := numericConfig(run.Config()["quality"]); ok && q > 0 {
		quality = int(q)
	}

	if err := run.ReportProgress(ctx, registry.Progress{Stage: "decoding", Message: p.SourcePath}); err != nil {
		return nil, err
	}
	src, err := imaging.Open(p.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("open source image: %w", err)
	}

	if err := run.CheckCancel(ctx); err != nil {
		return nil, err
	}
	if err := run.ReportProgress(ctx, registry.Progress{Stage: "rendering"}); err != nil {
		return nil, err
	}

	img := imaging.Resize(src, width, 0, imaging.Lanczos)
	if p.Grayscale {
		img = imaging.Grayscale(img)
	}

	outputPath := p.OutputPath
	if outputPath == "" {
		dir, file := filepath.Split(p.SourcePath)
		outputPath = filepath.Join(dir, "thumb_"+file)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := imaging.Save(img, outputPath, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("save thumbnail: %w", err)
	}

	return map[string]any{
		"output_path": outputPath,
		"width":       img.Bounds().Dx(),
		"height":      img.Bounds().Dy(),
	}, nil
}
