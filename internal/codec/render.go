package codec

import (
	"fmt"
	"image"

	goqrcode "github.com/skip2/go-qrcode"

	"herbtrace/pkg/domain"
)

// DefaultImageSize is the edge length in pixels of rendered codes.
const DefaultImageSize = 256

// Renderer turns a payload into image bytes suitable for display.
type Renderer interface {
	Render(payload string) ([]byte, error)
	ContentType() string
}

// QRRenderer renders payloads as PNG QR codes.
type QRRenderer struct {
	Size     int
	Recovery goqrcode.RecoveryLevel
}

// NewQRRenderer returns a renderer producing size x size PNG images.
func NewQRRenderer(size int) *QRRenderer {
	if size <= 0 {
		size = DefaultImageSize
	}
	return &QRRenderer{Size: size, Recovery: goqrcode.Medium}
}

// Render implements Renderer.
func (r *QRRenderer) Render(payload string) ([]byte, error) {
	png, err := goqrcode.Encode(payload, r.Recovery, r.Size)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return png, nil
}

// Image renders the payload as an in-memory image.
func (r *QRRenderer) Image(payload string) (image.Image, error) {
	code, err := goqrcode.New(payload, r.Recovery)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return code.Image(r.Size), nil
}

// ContentType implements Renderer.
func (r *QRRenderer) ContentType() string { return "image/png" }

// RenderBatch encodes id and renders the resulting payload.
func RenderBatch(r Renderer, id domain.BatchID) ([]byte, error) {
	if id.IsBlank() {
		return nil, domain.ErrEmptyIdentifier
	}
	return r.Render(Encode(id))
}
