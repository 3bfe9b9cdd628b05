package transcode

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"
)

var imageFormats = map[string]imaging.Format{
	"image/jpeg": imaging.JPEG,
	"image/png":  imaging.PNG,
	"image/gif":  imaging.GIF,
}

// ImageTranscoder resizes and re-encodes raster images. Everything else
// passes through untouched.
type ImageTranscoder struct{}

func NewImageTranscoder() *ImageTranscoder {
	return &ImageTranscoder{}
}

func (t *ImageTranscoder) Transcode(ctx context.Context, blob []byte, mimeType string, settings Settings) (*Result, error) {
	passthrough := &Result{Data: blob, MimeType: mimeType}

	inputFormat, isImage := imageFormats[mimeType]
	if !isImage {
		return passthrough, nil
	}

	if !settings.transforms() {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(blob))
		if err != nil {
			log.Debug().Err(err).Str("mimeType", mimeType).Msg("[TRANSCODE] Could not read image dimensions")
			return passthrough, nil
		}
		passthrough.Width, passthrough.Height = intPtr(cfg.Width), intPtr(cfg.Height)
		return passthrough, nil
	}

	img, err := imaging.Decode(bytes.NewReader(blob), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if needsResize(img.Bounds(), settings) {
		img = imaging.Fit(img, bound(settings.MaxWidth), bound(settings.MaxHeight), imaging.Lanczos)
	}

	outputFormat, outputMime, extension := inputFormat, mimeType, ""
	switch settings.Format {
	case FormatJPEG:
		if inputFormat != imaging.JPEG {
			extension = ".jpg"
		}
		outputFormat, outputMime = imaging.JPEG, "image/jpeg"
	case FormatPNG:
		if inputFormat != imaging.PNG {
			extension = ".png"
		}
		outputFormat, outputMime = imaging.PNG, "image/png"
	}

	quality := settings.Quality
	if quality == 0 {
		quality = defaultJPEGQuality
	}

	var out bytes.Buffer
	if err := imaging.Encode(&out, img, outputFormat, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	bounds := img.Bounds()
	return &Result{
		Data:      out.Bytes(),
		MimeType:  outputMime,
		Extension: extension,
		Width:     intPtr(bounds.Dx()),
		Height:    intPtr(bounds.Dy()),
	}, nil
}

func needsResize(bounds image.Rectangle, settings Settings) bool {
	return (settings.MaxWidth > 0 && bounds.Dx() > settings.MaxWidth) ||
		(settings.MaxHeight > 0 && bounds.Dy() > settings.MaxHeight)
}

// bound maps an unset limit to one imaging.Fit never hits.
func bound(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}

func intPtr(v int) *int {
	return &v
}
