// Package imageprep shrinks reference images before they are sent upstream.
package imageprep

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Fit downsizes data so that neither edge exceeds maxEdge, keeping the aspect
// ratio. Images already within bounds, images in formats the decoders do not
// recognise, and a non-positive maxEdge all return the input untouched.
// PNG input stays PNG; everything else is re-encoded as JPEG.
func Fit(data []byte, mimeType string, maxEdge int) ([]byte, string, error) {
	if maxEdge <= 0 || len(data) == 0 {
		return data, mimeType, nil
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return data, mimeType, nil
		}
		return nil, "", fmt.Errorf("image decode failed: %w", err)
	}
	if cfg.Width <= maxEdge && cfg.Height <= maxEdge {
		return data, mimeType, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("image decode failed: %w", err)
	}

	resized := imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)

	var buf bytes.Buffer
	if format == "png" {
		if err := imaging.Encode(&buf, resized, imaging.PNG); err != nil {
			return nil, "", fmt.Errorf("PNG encode failed: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	}

	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, "", fmt.Errorf("JPEG encode failed: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
