// Package embedder is an inference engine backed by an HTTP face
// embedding server. Frames are downscaled, JPEG-encoded and posted to
// /embed/face; boxes come back in upload coordinates and are scaled to
// the frame.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"golang.org/x/image/draw"

	"github.com/okian/presence/internal/domain/inference"
	"github.com/okian/presence/internal/domain/media"
	"github.com/okian/presence/internal/domain/model"
	"github.com/okian/presence/pkg/logger"
)

const (
	defaultBaseURL = "http://localhost:8000"
	defaultMaxSide = 640
	defaultTimeout = 5 * time.Second
	jpegQuality    = 85
	maxErrorBody   = 512
)

// faceDetection is one face in the server response.
type faceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

type faceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []faceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// Client implements inference.Engine.
type Client struct {
	baseURL string
	maxSide int
	client  *http.Client
	logger  logger.Logger
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		maxSide: defaultMaxSide,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Get().Named("embedder")
	}
	return c
}

// DetectAll implements inference.Engine. Only local frame problems are
// hardware faults; server and transport failures are engine errors.
func (c *Client) DetectAll(ctx context.Context, frame media.Frame, opts inference.Options) ([]model.Detection, error) {
	if frame.Image == nil {
		return nil, fmt.Errorf("empty frame: %w", media.ErrTrackUnreadable)
	}
	upload, scale := downscale(frame.Image, c.maxSide)

	var img bytes.Buffer
	if err := jpeg.Encode(&img, upload, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w: %w", media.ErrTrackUnreadable, err)
	}

	body, err := c.postFace(ctx, img.Bytes(), opts)
	if err != nil {
		return nil, err
	}

	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: parse response: %w", inference.ErrEngineUnavailable, err)
	}

	out := make([]model.Detection, 0, len(resp.Faces))
	for _, f := range resp.Faces {
		if f.DetScore < opts.ScoreThreshold || len(f.BBox) != 4 || len(f.Embedding) == 0 {
			continue
		}
		out = append(out, model.Detection{
			Box: model.Box{
				X:      f.BBox[0] / scale,
				Y:      f.BBox[1] / scale,
				Width:  (f.BBox[2] - f.BBox[0]) / scale,
				Height: (f.BBox[3] - f.BBox[1]) / scale,
			},
			Score:     f.DetScore,
			Embedding: f.Embedding,
		})
	}
	c.logger.Debug(ctx, "faces detected",
		logger.Int("faces", len(out)),
		logger.Int("reported", resp.FacesCount),
		logger.String("model", resp.Model),
	)
	return out, nil
}

func (c *Client) postFace(ctx context.Context, jpg []byte, opts inference.Options) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(jpg); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.WriteField("input_size", strconv.Itoa(opts.InputSize)); err != nil {
		return nil, fmt.Errorf("failed to write field: %w", err)
	}
	if err := writer.WriteField("score_threshold", strconv.FormatFloat(opts.ScoreThreshold, 'f', -1, 64)); err != nil {
		return nil, fmt.Errorf("failed to write field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed/face", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", inference.ErrEngineUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", inference.ErrEngineUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, fmt.Errorf("%w: status %d: %s", inference.ErrEngineUnavailable, resp.StatusCode, string(body))
	}
	return body, nil
}

// downscale fits img within maxSide and returns the scale applied.
func downscale(img image.Image, maxSide int) (image.Image, float64) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return img, 1
	}
	scale := float64(maxSide) / float64(max(w, h))
	nw, nh := max(1, int(float64(w)*scale)), max(1, int(float64(h)*scale))
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst, scale
}
