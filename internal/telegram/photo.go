package telegram

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// maxPhotoEdge caps the longest side of mirrored photos. The Bot API
// re-compresses anything larger anyway, so uploads stay small.
const maxPhotoEdge = 1280

const jpegQuality = 85

// shrinkJPEG re-encodes an image as JPEG with its longest side capped at
// maxEdge. Images already within bounds keep their dimensions but are
// still re-encoded so the upload is always a plain JPEG.
func shrinkJPEG(data []byte, maxEdge int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	if b.Dx() > maxEdge || b.Dy() > maxEdge {
		img = imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
