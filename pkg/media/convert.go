package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	_ "image/gif"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/lrhodin/wabot/pkg/wamsg"
)

const jpegQuality = 90

// decodeImageData decodes PNG, JPEG, GIF (stdlib) and BMP, TIFF, WebP
// (golang.org/x/image). Returns the image, the detected format and whether
// the data is already JPEG.
func decodeImageData(data []byte) (image.Image, string, bool) {
	if img, fmtName, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, fmtName, fmtName == "jpeg"
	}
	return nil, "", false
}

// Normalize prepares a decrypted image for re-posting as a photo: JPEG and
// PNG pass through, other still formats are re-encoded as JPEG. Non-image
// media is returned unchanged apart from a sniffed MIME type.
func Normalize(m *Media) (*Media, error) {
	detected := mimetype.Detect(m.Data)
	out := *m
	if out.Mimetype == "" || out.Mimetype == "application/octet-stream" {
		out.Mimetype = detected.String()
	}
	if m.Kind != wamsg.MediaImage || detected.Is("image/jpeg") || detected.Is("image/png") {
		return &out, nil
	}
	img, fmtName, isJPEG := decodeImageData(m.Data)
	if img == nil || isJPEG {
		return &out, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to re-encode %s image as jpeg: %w", fmtName, err)
	}
	out.Data = buf.Bytes()
	out.Mimetype = "image/jpeg"
	return &out, nil
}
