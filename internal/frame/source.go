package frame

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"time"
)

// SliceSource serves a fixed set of frames in order, then io.EOF. Intended
// for tests and file-based replay.
type SliceSource struct {
	frames []*Frame
	next   int
}

// NewSliceSource wraps the given frames as a Source.
func NewSliceSource(frames []*Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

func (s *SliceSource) Next(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

// MJPEGSource pulls frames from a multipart MJPEG HTTP stream, the common
// export format of IP cameras. Each JPEG part is decoded to a luma frame.
type MJPEGSource struct {
	url    string
	client *http.Client

	reader *multipart.Reader
	body   io.Closer
	seq    uint64
}

// NewMJPEGSource opens the stream at url. The connection is established
// lazily on the first Next call.
func NewMJPEGSource(url string, client *http.Client) *MJPEGSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &MJPEGSource{url: url, client: client}
}

func (s *MJPEGSource) connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect mjpeg stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("mjpeg stream returned status %d", resp.StatusCode)
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || params["boundary"] == "" {
		resp.Body.Close()
		return fmt.Errorf("unexpected content type %q for mjpeg stream", mediaType)
	}
	s.reader = multipart.NewReader(resp.Body, params["boundary"])
	s.body = resp.Body
	return nil
}

func (s *MJPEGSource) Next(ctx context.Context) (*Frame, error) {
	if s.reader == nil {
		if err := s.connect(ctx); err != nil {
			return nil, err
		}
	}
	part, err := s.reader.NextPart()
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(part)
	part.Close()
	if err != nil {
		return nil, fmt.Errorf("decode mjpeg part: %w", err)
	}
	s.seq++
	return fromImage(s.seq, time.Now(), img), nil
}

// Close tears down the HTTP connection.
func (s *MJPEGSource) Close() error {
	if s.body != nil {
		return s.body.Close()
	}
	return nil
}

// fromImage converts any decoded image to a luma frame.
func fromImage(seq uint64, ts time.Time, img image.Image) *Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	px := make([]byte, w*h)
	if g, ok := img.(*image.Gray); ok && g.Stride == w {
		copy(px, g.Pix)
	} else {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, gr, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				// BT.601 luma from 16-bit channels
				px[y*w+x] = byte((299*r + 587*gr + 114*bl) / 1000 >> 8)
			}
		}
	}
	return &Frame{Sequence: seq, Timestamp: ts, Pixels: px, Width: w, Height: h}
}
