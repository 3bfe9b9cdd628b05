package transcode

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

const (
	FormatOriginal = ""
	FormatJPEG     = "jpeg"
	FormatPNG      = "png"

	defaultJPEGQuality = 85
)

// Settings are the per-upload processing options sent by the client as a JSON
// string. Unknown keys are ignored.
type Settings struct {
	MaxWidth  int    `json:"maxWidth,omitempty"`
	MaxHeight int    `json:"maxHeight,omitempty"`
	Quality   int    `json:"quality,omitempty"`
	Format    string `json:"format,omitempty"`
	Public    bool   `json:"public,omitempty"`
}

func ParseSettings(raw string) (Settings, error) {
	var settings Settings
	if strings.TrimSpace(raw) == "" {
		return settings, nil
	}
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return Settings{}, fmt.Errorf("malformed settings: %w", err)
	}
	if settings.MaxWidth < 0 || settings.MaxHeight < 0 {
		return Settings{}, fmt.Errorf("malformed settings: negative dimensions")
	}
	if settings.Quality < 0 || settings.Quality > 100 {
		return Settings{}, fmt.Errorf("malformed settings: quality must be between 1 and 100")
	}
	switch strings.ToLower(settings.Format) {
	case FormatOriginal, "original":
		settings.Format = FormatOriginal
	case FormatJPEG, "jpg":
		settings.Format = FormatJPEG
	case FormatPNG:
		settings.Format = FormatPNG
	default:
		return Settings{}, fmt.Errorf("malformed settings: unsupported format %q", settings.Format)
	}
	return settings, nil
}

func (s Settings) transforms() bool {
	return s.MaxWidth > 0 || s.MaxHeight > 0 || s.Format != FormatOriginal
}

type Result struct {
	Data     []byte
	MimeType string
	// Extension is set when the output format differs from the input.
	Extension string
	Width     *int
	Height    *int
	Duration  *float64
}

type Transcoder interface {
	Transcode(ctx context.Context, blob []byte, mimeType string, settings Settings) (*Result, error)
}
