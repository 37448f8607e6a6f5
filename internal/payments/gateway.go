package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

type CaptureStatus string

const (
	CaptureConfirmed CaptureStatus = "CAPTURED"
	CapturePending   CaptureStatus = "PENDING"
	CaptureFailed    CaptureStatus = "FAILED"
)

const captureCacheTTL = 24 * time.Hour

// Client talks to the card payment gateway. Confirmed captures are cached in
// redis so a retried top-up does not hit the gateway again; cash
// confirmations recorded by staff land in the same cache.
type Client struct {
	baseURL string
	http    *http.Client
	redis   *redis.Client
}

func NewClient(baseURL string, redisClient *redis.Client) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		redis:   redisClient,
	}
}

func captureKey(paymentRef string) string {
	return fmt.Sprintf("capture:%s", paymentRef)
}

// ConfirmCapture returns the gateway's view of a payment reference.
func (c *Client) ConfirmCapture(ctx context.Context, paymentRef string) (CaptureStatus, error) {
	if c.redis != nil {
		cached, err := c.redis.Get(ctx, captureKey(paymentRef)).Result()
		if err == nil && cached == string(CaptureConfirmed) {
			return CaptureConfirmed, nil
		}
	}

	url := fmt.Sprintf("%s/captures/%s", c.baseURL, paymentRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return CaptureFailed, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("[PAYMENTS] Gateway request failed for %s: %v", paymentRef, err)
		return CaptureFailed, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return CapturePending, nil
	}
	if resp.StatusCode != http.StatusOK {
		return CaptureFailed, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var result struct {
		Status CaptureStatus `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return CaptureFailed, err
	}

	if result.Status == CaptureConfirmed && c.redis != nil {
		if err := c.redis.Set(ctx, captureKey(paymentRef), string(CaptureConfirmed), captureCacheTTL).Err(); err != nil {
			log.Printf("[PAYMENTS] Failed to cache capture %s: %v", paymentRef, err)
		}
	}
	return result.Status, nil
}

// Confirmed implements ledger.CaptureVerifier.
func (c *Client) Confirmed(ctx context.Context, paymentRef string) (bool, error) {
	status, err := c.ConfirmCapture(ctx, paymentRef)
	if err != nil {
		return false, err
	}
	return status == CaptureConfirmed, nil
}

// RecordCashConfirmation marks a cash payment reference as captured. Called
// by the staff cash-confirmation endpoint.
func (c *Client) RecordCashConfirmation(ctx context.Context, paymentRef string) error {
	if c.redis == nil {
		return fmt.Errorf("cash confirmations require redis")
	}
	return c.redis.Set(ctx, captureKey(paymentRef), string(CaptureConfirmed), captureCacheTTL).Err()
}
