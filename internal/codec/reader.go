package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // frame formats accepted by ReadBytes
	_ "image/png"

	"github.com/makiuchi-d/gozxing"
	zxingqr "github.com/makiuchi-d/gozxing/qrcode"
)

// ErrNoCode reports that an image did not contain a readable code.
var ErrNoCode = errors.New("no code found in image")

// ImageReader extracts QR text from images.
type ImageReader struct {
	reader gozxing.Reader
	hints  map[gozxing.DecodeHintType]interface{}
}

// NewImageReader returns a QR reader tuned for camera frames.
func NewImageReader() *ImageReader {
	return &ImageReader{
		reader: zxingqr.NewQRCodeReader(),
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

// Read returns the raw text of the first QR code in img. Unreadable or
// code-free images yield ErrNoCode.
func (r *ImageReader) Read(img image.Image) (string, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("prepare bitmap: %w", err)
	}
	result, err := r.reader.Decode(bmp, r.hints)
	if err != nil {
		var readerErr gozxing.ReaderException
		if errors.As(err, &readerErr) {
			return "", fmt.Errorf("%w: %v", ErrNoCode, err)
		}
		return "", err
	}
	return result.GetText(), nil
}

// ReadBytes decodes an encoded PNG or JPEG image and reads it.
func (r *ImageReader) ReadBytes(data []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	return r.Read(img)
}

// Reset clears internal reader state between sessions.
func (r *ImageReader) Reset() {
	r.reader.Reset()
}
