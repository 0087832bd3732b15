package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eyumandy/WatchDog/internal/frame"
)

// HTTPClassifierConfig configures the HTTP classifier adapter.
type HTTPClassifierConfig struct {
	// URL of the inference endpoint.
	URL string
	// Timeout bounds a single classification round trip.
	Timeout time.Duration
	// JPEGQuality used when encoding frames for transport (1-100).
	JPEGQuality int
}

// HTTPClassifier posts JPEG-encoded frames to an inference worker as a
// multipart form (an "image" file part plus a "motion_data" JSON part) and
// decodes the {objects, safety, faces} response.
type HTTPClassifier struct {
	cfg    HTTPClassifierConfig
	client *http.Client
	logger *zap.Logger

	requests atomic.Uint64
	failures atomic.Uint64
}

// NewHTTPClassifier creates the adapter. A nil client uses a dedicated
// http.Client with the configured timeout.
func NewHTTPClassifier(cfg HTTPClassifierConfig, client *http.Client, logger *zap.Logger) (*HTTPClassifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("classifier URL cannot be empty")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = 80
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClassifier{
		cfg:    cfg,
		client: client,
		logger: logger.Named("classifier"),
	}, nil
}

type motionMetadata struct {
	Sequence uint64 `json:"sequence"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Classify sends one frame for inference. Errors (including timeouts) are
// returned to the caller, which degrades to motion-only scoring.
func (c *HTTPClassifier) Classify(ctx context.Context, f *frame.Frame) (Classification, error) {
	c.requests.Add(1)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("image", "frame.jpg")
	if err != nil {
		return Classification{}, err
	}
	if err := jpeg.Encode(part, f.Gray(), &jpeg.Options{Quality: c.cfg.JPEGQuality}); err != nil {
		return Classification{}, fmt.Errorf("encode frame %d: %w", f.Sequence, err)
	}

	meta, err := json.Marshal(motionMetadata{Sequence: f.Sequence, Width: f.Width, Height: f.Height})
	if err != nil {
		return Classification{}, err
	}
	if err := mw.WriteField("motion_data", string(meta)); err != nil {
		return Classification{}, err
	}
	if err := mw.Close(); err != nil {
		return Classification{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, &body)
	if err != nil {
		return Classification{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		c.failures.Add(1)
		return Classification{}, fmt.Errorf("classify frame %d: %w", f.Sequence, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.failures.Add(1)
		return Classification{}, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var result Classification
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.failures.Add(1)
		return Classification{}, fmt.Errorf("decode classification: %w", err)
	}

	c.logger.Debug("frame classified",
		zap.Uint64("sequence", f.Sequence),
		zap.Int("objects", len(result.Objects)),
		zap.Int("faces", len(result.Faces)),
		zap.Float64("violence", result.Safety.Violence))

	return result, nil
}

// Metrics reports request counters.
func (c *HTTPClassifier) Metrics() (requests, failures uint64) {
	return c.requests.Load(), c.failures.Load()
}
