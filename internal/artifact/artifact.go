// Package artifact assembles incident recordings into uploadable files: a
// WebM container of JPEG-encoded frames plus standalone JPEG face crops.
package artifact

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"time"

	"github.com/at-wat/ebml-go/webm"

	"github.com/eyumandy/WatchDog/internal/frame"
)

// Config controls artifact encoding.
type Config struct {
	// JPEGQuality for both video frames and face crops, 1-100.
	JPEGQuality int
}

// DefaultConfig returns the shipped encoding parameters.
func DefaultConfig() Config {
	return Config{JPEGQuality: 80}
}

// Writer encodes incident buffers to disk.
type Writer struct {
	cfg Config
}

// NewWriter creates an artifact writer.
func NewWriter(cfg Config) *Writer {
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = DefaultConfig().JPEGQuality
	}
	return &Writer{cfg: cfg}
}

// WriteVideo writes the ordered frames as a single-track WebM file at path.
// Frames carry their own stream timestamps; block times are derived from the
// first frame. The frames are already ordered by sequence, so no reordering
// happens here.
func (w *Writer) WriteVideo(path string, frames []*frame.Frame) error {
	if len(frames) == 0 {
		return fmt.Errorf("write video %s: no frames", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create artifact file: %w", err)
	}

	first := frames[0]
	ws, err := webm.NewSimpleBlockWriter(file,
		[]webm.TrackEntry{
			{
				Name:        "Video",
				TrackNumber: 1,
				TrackUID:    1,
				CodecID:     "V_MJPEG",
				TrackType:   1,
				Video: &webm.Video{
					PixelWidth:  uint64(first.Width),
					PixelHeight: uint64(first.Height),
				},
			},
		},
	)
	if err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("create webm writer: %w", err)
	}
	video := ws[0]

	for _, f := range frames {
		data, err := w.encodeFrame(f)
		if err != nil {
			video.Close()
			os.Remove(path)
			return fmt.Errorf("encode frame %d: %w", f.Sequence, err)
		}
		ts := f.Timestamp.Sub(first.Timestamp) / time.Millisecond
		// Every MJPEG frame is independently decodable.
		if _, err := video.Write(true, int64(ts), data); err != nil {
			video.Close()
			os.Remove(path)
			return fmt.Errorf("write frame %d: %w", f.Sequence, err)
		}
	}

	if err := video.Close(); err != nil {
		return fmt.Errorf("close webm writer: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("verify artifact: %w", err)
	}
	if info.Size() == 0 {
		os.Remove(path)
		return fmt.Errorf("artifact %s is empty", path)
	}
	return nil
}

// EncodeJPEG renders an image (typically a face crop) as JPEG bytes.
func (w *Writer) EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: w.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func (w *Writer) encodeFrame(f *frame.Frame) ([]byte, error) {
	return w.EncodeJPEG(f.Gray())
}
