package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// VerifyResult contains a 1:1 verification of a submitted selfie
// against the student's enrolled face.
type VerifyResult struct {
	StudentID  string
	Verified   bool
	Similarity float64
	Threshold  float64
}

// Client calls the face verification microservice. With Skip set it
// returns canned results, which keeps dev environments working without
// the service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with a timeout sized for image processing.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Verify scores a proof image against the enrollment for studentID.
func (c *Client) Verify(ctx context.Context, studentID, imageURL string) (*VerifyResult, error) {
	if c.Skip {
		return &VerifyResult{StudentID: studentID, Verified: true, Similarity: 0.92, Threshold: 0.45}, nil
	}
	if imageURL == "" {
		return nil, fmt.Errorf("image url required")
	}

	body, _ := json.Marshal(map[string]string{
		"user_id":   studentID,
		"image_url": imageURL,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(raw))
	}

	var out struct {
		UserID     string  `json:"user_id"`
		Verified   bool    `json:"verified"`
		Similarity float64 `json:"similarity"`
		Threshold  float64 `json:"threshold"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &VerifyResult{
		StudentID:  out.UserID,
		Verified:   out.Verified,
		Similarity: out.Similarity,
		Threshold:  out.Threshold,
	}, nil
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
