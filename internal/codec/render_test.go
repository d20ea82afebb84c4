package codec

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"testing"

	"herbtrace/pkg/domain"
)

func TestRenderBatchProducesScannablePNG(t *testing.T) {
	renderer := NewQRRenderer(0)
	data, err := RenderBatch(renderer, "BATCH_001")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatalf("expected PNG bytes")
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if img.Bounds().Dx() != DefaultImageSize {
		t.Fatalf("unexpected width %d", img.Bounds().Dx())
	}

	text, err := NewImageReader().ReadBytes(data)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	id, err := Decode(text)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if id != "BATCH_001" {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestRenderBatchRejectsBlankID(t *testing.T) {
	if _, err := RenderBatch(NewQRRenderer(64), "  "); !errors.Is(err, domain.ErrEmptyIdentifier) {
		t.Fatalf("expected ErrEmptyIdentifier, got %v", err)
	}
}

func TestImageReaderBlankImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 120, 120))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	reader := NewImageReader()
	if _, err := reader.Read(img); !errors.Is(err, ErrNoCode) {
		t.Fatalf("expected ErrNoCode, got %v", err)
	}
	reader.Reset()
}

func TestImageReaderReadsRenderedImage(t *testing.T) {
	renderer := NewQRRenderer(200)
	img, err := renderer.Image(Encode("LOT-7"))
	if err != nil {
		t.Fatalf("image: %v", err)
	}
	text, err := NewImageReader().Read(img)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if text != "HerbTrace:LOT-7" {
		t.Fatalf("unexpected text %q", text)
	}
	if renderer.ContentType() != "image/png" {
		t.Fatalf("unexpected content type")
	}
}

func TestReadBytesRejectsNonImage(t *testing.T) {
	if _, err := NewImageReader().ReadBytes([]byte("not an image")); err == nil {
		t.Fatalf("expected decode error")
	}
}
