package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/jonalexanderhere/sistemsekolah-sub000/internal/recognition"
)

var (
	// ErrNoFace is returned when the service finds no face in the image.
	ErrNoFace = errors.New("no face detected in image")
	// ErrMultipleFaces is returned when more than one face is in frame.
	ErrMultipleFaces = errors.New("more than one face detected")
)

// FaceQuality is the part of the service's quality report the gate uses.
// FaceSize is the face area in pixels.
type FaceQuality struct {
	FaceSize int `json:"face_size"`
}

// Client calls the face detection and embedding microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // Face processing can take time
		},
	}
}

// Detect asks the face service for the single face in the image at imageURL
// and returns its descriptor, bounding box and detector score.
func (c *Client) Detect(ctx context.Context, imageURL string) (recognition.Detection, error) {
	if imageURL == "" {
		return recognition.Detection{}, fmt.Errorf("image url required")
	}
	if c.Skip {
		return mockDetection(imageURL), nil
	}

	body, _ := json.Marshal(map[string]string{"image_url": imageURL})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return recognition.Detection{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return recognition.Detection{}, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return recognition.Detection{}, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Embedding     []float32        `json:"embedding"`
		Score         float64          `json:"score"`
		FacesDetected int              `json:"faces_detected"`
		Box           *recognition.Box `json:"box"`
		Quality       *FaceQuality     `json:"quality"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return recognition.Detection{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return recognition.Detection{}, ErrNoFace
	}
	if out.FacesDetected > 1 {
		return recognition.Detection{}, ErrMultipleFaces
	}

	det := recognition.Detection{Descriptor: out.Embedding, Score: out.Score}
	switch {
	case out.Box != nil:
		det.Box = *out.Box
	case out.Quality != nil && out.Quality.FaceSize > 0:
		// Older service versions only report the face area.
		side := int(math.Sqrt(float64(out.Quality.FaceSize)))
		det.Box = recognition.Box{Width: side, Height: side}
	}
	return det, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}

// mockDetection derives a stable unit-length descriptor from the image URL so
// the same photo always maps to the same face in skip mode.
func mockDetection(imageURL string) recognition.Detection {
	h := fnv.New64a()
	_, _ = h.Write([]byte(imageURL))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	d := make(recognition.Descriptor, recognition.DescriptorLength)
	var norm float64
	for i := range d {
		d[i] = float32(rng.NormFloat64())
		norm += float64(d[i]) * float64(d[i])
	}
	norm = math.Sqrt(norm)
	for i := range d {
		d[i] = float32(float64(d[i]) / norm)
	}
	return recognition.Detection{
		Descriptor: d,
		Box:        recognition.Box{X: 80, Y: 60, Width: 200, Height: 200},
		Score:      0.95,
	}
}
