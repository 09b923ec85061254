package services

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"os"
	"strings"

	"github.com/disintegration/imaging"
)

const jpegQuality = 85

// loadImage accepts the payload shapes the mobile layer produces: a data
// URL, raw base64, a file:// URI, or a plain filesystem path.
func loadImage(uri string) (image.Image, error) {
	switch {
	case strings.HasPrefix(uri, "data:"):
		raw, err := decodeDataURL(uri)
		if err != nil {
			return nil, err
		}
		return imaging.Decode(bytes.NewReader(raw))
	case strings.HasPrefix(uri, "file://"):
		return imaging.Open(strings.TrimPrefix(uri, "file://"))
	default:
		if _, err := os.Stat(uri); err == nil {
			return imaging.Open(uri)
		}
		raw, err := base64.StdEncoding.DecodeString(uri)
		if err != nil {
			return nil, fmt.Errorf("image payload is neither a readable path nor base64: %w", err)
		}
		return imaging.Decode(bytes.NewReader(raw))
	}
}

func decodeDataURL(uri string) ([]byte, error) {
	parts := strings.SplitN(uri, ",", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed data url")
	}
	return base64.StdEncoding.DecodeString(parts[1])
}

// prepareJPEG bounds the image to maxSide pixels on its longer edge and
// re-encodes as JPEG. Phone cameras produce images far larger than the
// product card ever renders.
func prepareJPEG(img image.Image, maxSide int) ([]byte, error) {
	b := img.Bounds()
	if b.Dx() > maxSide || b.Dy() > maxSide {
		img = imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
