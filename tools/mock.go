package tools

import (
	"context"
	"sync"

	"github.com/darkroomd/darkroom/edit"
	"github.com/darkroomd/darkroom/errors"
)

// MockProvider is an in-memory Provider for tests. Zero values behave like
// a 4000x3000 JPEG with no EXIF.
type MockProvider struct {
	mu sync.Mutex

	Metadata   ImageMetadata
	Stats      ImageStats
	PreviewErr error
	MissingURI string

	RenderCalls   int
	MetadataCalls int
	LastStackHash string
}

func (m *MockProvider) ReadImageMetadata(_ context.Context, uri string) (ImageMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MetadataCalls++
	if m.MissingURI != "" && uri == m.MissingURI {
		return ImageMetadata{}, errors.E(errors.KindUser, "image not found: %s", uri)
	}
	meta := m.Metadata
	if meta.Width == 0 {
		meta = ImageMetadata{Width: 4000, Height: 3000, MIME: "image/jpeg"}
	}
	return meta, nil
}

func (m *MockProvider) RenderPreview(_ context.Context, uri string, stack *edit.Stack, maxPixels int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RenderCalls++
	if stack != nil {
		m.LastStackHash = stack.Hash()
	}
	if m.PreviewErr != nil {
		return nil, m.PreviewErr
	}
	// Not a real PNG; callers only move bytes.
	return []byte("png:" + uri + ":" + m.LastStackHash), nil
}

func (m *MockProvider) ComputeAspectRect(_ context.Context, _, aspect string) (edit.RectNorm, error) {
	if !edit.ValidAspects[aspect] {
		return edit.RectNorm{}, errors.E(errors.KindValidation, "unknown aspect %q", aspect)
	}
	switch aspect {
	case "1:1":
		return edit.RectNorm{X: 0.125, Y: 0, W: 0.75, H: 1}, nil
	default:
		return edit.RectNorm{X: 0, Y: 0, W: 1, H: 1}, nil
	}
}

func (m *MockProvider) ComputeImageStats(_ context.Context, _ string, _ *edit.Stack) (ImageStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.Stats
	if stats.Summary == "" {
		stats.Summary = "balanced midtones, no clipping"
	}
	return stats, nil
}

func (m *MockProvider) Close() error { return nil }
