// Package tools defines the image tool provider boundary. All pixel work
// (decoding, rendering, statistics) happens in an external provider process;
// the agent only moves structured requests and PNG bytes across it.
package tools

import (
	"context"

	"github.com/darkroomd/darkroom/edit"
)

// ImageMetadata describes a base image without decoding its pixels here.
type ImageMetadata struct {
	Width  int               `json:"width"`
	Height int               `json:"height"`
	MIME   string            `json:"mime"`
	EXIF   map[string]string `json:"exif,omitempty"`
}

// ImageStats is a coarse tonal description of a rendered image, used for
// vision-free grounding ("the shadows are crushed").
type ImageStats struct {
	MeanLuma      float64 `json:"mean_luma"`
	ClippedBlacks float64 `json:"clipped_blacks"`
	ClippedWhites float64 `json:"clipped_whites"`
	Summary       string  `json:"summary"`
}

// Provider is the set of image operations the agent needs. Implementations
// must be safe for concurrent use; previews for different sessions may be
// requested at the same time.
type Provider interface {
	// ReadImageMetadata inspects a base image by URI.
	ReadImageMetadata(ctx context.Context, uri string) (ImageMetadata, error)

	// RenderPreview renders the base image with the stack's operations
	// applied, downscaled to at most maxPixels, encoded as PNG. It serves
	// both preview and export paths; export passes a larger pixel budget.
	RenderPreview(ctx context.Context, uri string, stack *edit.Stack, maxPixels int) ([]byte, error)

	// ComputeAspectRect returns the largest centered rect of the given
	// aspect, normalized to the base image.
	ComputeAspectRect(ctx context.Context, uri, aspect string) (edit.RectNorm, error)

	// ComputeImageStats renders and summarizes tonal statistics.
	ComputeImageStats(ctx context.Context, uri string, stack *edit.Stack) (ImageStats, error)

	// Close releases the provider's resources.
	Close() error
}
