package frame

import (
	"context"
	"fmt"
	"image"
	"time"
)

// Frame is a single video frame with an 8-bit luma plane. Frames are
// immutable after creation; whichever stage holds a frame owns it.
type Frame struct {
	Sequence  uint64
	Timestamp time.Time
	Pixels    []byte // len == Width*Height, row-major luma
	Width     int
	Height    int
}

// New allocates a frame and copies the pixel data so the caller may reuse
// its buffer.
func New(seq uint64, ts time.Time, pixels []byte, width, height int) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame dimensions %dx%d", width, height)
	}
	if len(pixels) != width*height {
		return nil, fmt.Errorf("pixel buffer is %d bytes, want %d", len(pixels), width*height)
	}
	px := make([]byte, len(pixels))
	copy(px, pixels)
	return &Frame{
		Sequence:  seq,
		Timestamp: ts,
		Pixels:    px,
		Width:     width,
		Height:    height,
	}, nil
}

// Clone returns an owned deep copy. Used for copy-on-transition snapshots so
// a finalized session never aliases the live ring buffer.
func (f *Frame) Clone() *Frame {
	px := make([]byte, len(f.Pixels))
	copy(px, f.Pixels)
	return &Frame{
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		Pixels:    px,
		Width:     f.Width,
		Height:    f.Height,
	}
}

// Bytes returns the memory footprint of the frame's pixel buffer.
func (f *Frame) Bytes() int { return len(f.Pixels) }

// Gray wraps the luma plane as an image.Gray without copying.
func (f *Frame) Gray() *image.Gray {
	return &image.Gray{
		Pix:    f.Pixels,
		Stride: f.Width,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Crop returns an owned copy of the region r, clamped to the frame bounds.
func (f *Frame) Crop(r image.Rectangle) *image.Gray {
	r = r.Intersect(image.Rect(0, 0, f.Width, f.Height))
	out := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		src := f.Pixels[(r.Min.Y+y)*f.Width+r.Min.X : (r.Min.Y+y)*f.Width+r.Max.X]
		copy(out.Pix[y*out.Stride:y*out.Stride+r.Dx()], src)
	}
	return out
}

// Source supplies an ordered, timestamped sequence of frames. Next returns
// io.EOF when the stream ends. Sequence numbers are strictly increasing;
// gaps must be tolerated by consumers.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
}
