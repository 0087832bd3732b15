package frame

import (
	"context"
	"image"
	"io"
	"testing"
	"time"
)

func TestNewValidatesDimensions(t *testing.T) {
	if _, err := New(1, time.Now(), make([]byte, 10), 0, 10); err == nil {
		t.Fatal("zero width must be rejected")
	}
	if _, err := New(1, time.Now(), make([]byte, 10), 4, 4); err == nil {
		t.Fatal("pixel buffer size mismatch must be rejected")
	}
}

func TestNewCopiesPixels(t *testing.T) {
	px := make([]byte, 16)
	f, err := New(1, time.Now(), px, 4, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	px[0] = 99
	if f.Pixels[0] != 0 {
		t.Fatal("frame aliases the caller's buffer")
	}
}

func TestCloneIsIsolated(t *testing.T) {
	f, _ := New(7, time.Unix(1, 0), make([]byte, 16), 4, 4)
	c := f.Clone()
	f.Pixels[0] = 200
	if c.Pixels[0] != 0 {
		t.Fatal("clone shares pixel storage with the original")
	}
	if c.Sequence != 7 || !c.Timestamp.Equal(time.Unix(1, 0)) {
		t.Fatalf("clone metadata = %d/%v", c.Sequence, c.Timestamp)
	}
}

func TestCropClampsToBounds(t *testing.T) {
	px := make([]byte, 8*8)
	for i := range px {
		px[i] = byte(i)
	}
	f, _ := New(1, time.Now(), px, 8, 8)

	crop := f.Crop(image.Rect(6, 6, 20, 20))
	if crop.Bounds().Dx() != 2 || crop.Bounds().Dy() != 2 {
		t.Fatalf("crop bounds = %v, want clamped 2x2", crop.Bounds())
	}
	if crop.Pix[0] != px[6*8+6] {
		t.Fatalf("crop origin pixel = %d, want %d", crop.Pix[0], px[6*8+6])
	}
}

func TestSliceSourceServesInOrderThenEOF(t *testing.T) {
	var frames []*Frame
	for i := 1; i <= 3; i++ {
		f, _ := New(uint64(i), time.Unix(int64(i), 0), make([]byte, 4), 2, 2)
		frames = append(frames, f)
	}
	src := NewSliceSource(frames)

	for i := 1; i <= 3; i++ {
		f, err := src.Next(context.Background())
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if f.Sequence != uint64(i) {
			t.Fatalf("sequence = %d, want %d", f.Sequence, i)
		}
	}
	if _, err := src.Next(context.Background()); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF after last frame", err)
	}
}
