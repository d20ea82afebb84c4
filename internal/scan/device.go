// Package scan drives camera-based identifier scanning: acquiring a capture
// stream, feeding frames to a decoder and guaranteeing the stream is released
// exactly once whatever way the session ends.
package scan

import (
	"context"
	"errors"
	"image"

	"herbtrace/internal/codec"
)

// Facing is the preferred camera direction.
type Facing string

const (
	FacingEnvironment Facing = "environment" // rear camera
	FacingUser        Facing = "user"
)

var (
	// ErrNoFrame is returned by Stream.ReadFrame when no frame is available yet.
	ErrNoFrame = errors.New("no frame available")
	// ErrStreamEnded is returned by Stream.ReadFrame when the source is exhausted.
	ErrStreamEnded = errors.New("capture stream ended")
	// ErrNoCode is returned by FrameDecoder.Decode when a frame holds no readable code.
	ErrNoCode = codec.ErrNoCode
)

// Device grants capture streams. Denial or unavailability is returned as an error.
type Device interface {
	RequestAccess(ctx context.Context, facing Facing) (Stream, error)
}

// Stream is an exclusively owned capture handle. Release may be called while a
// ReadFrame is in flight and must make it return promptly.
type Stream interface {
	ReadFrame(ctx context.Context) (image.Image, error)
	Release() error
}

// FrameDecoder extracts raw code text from a frame. Reset detaches it from the
// current stream and may be called while Decode runs.
type FrameDecoder interface {
	Decode(ctx context.Context, frame image.Image) (string, error)
	Reset()
}

// QRDecoder is a FrameDecoder backed by the gozxing QR reader.
type QRDecoder struct {
	reader *codec.ImageReader
}

// NewQRDecoder returns a decoder for QR frames.
func NewQRDecoder() *QRDecoder {
	return &QRDecoder{reader: codec.NewImageReader()}
}

// Decode implements FrameDecoder.
func (d *QRDecoder) Decode(ctx context.Context, frame image.Image) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return d.reader.Read(frame)
}

// Reset implements FrameDecoder.
func (d *QRDecoder) Reset() { d.reader.Reset() }
