package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
)

// PaymentRequest is the payload encoded into a vendor's point-of-sale QR
// code. An attendee scans it and submits a matching payment.
type PaymentRequest struct {
	VendorID    string `json:"vendorId"`
	FestivalID  string `json:"festivalId"`
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	Nonce       string `json:"nonce"`
}

// QRService issues short-lived, single-use payment request codes backed by
// redis. A code expires after five minutes or on first claim.
type QRService struct {
	redis *redis.Client
}

func NewQRService(redis *redis.Client) *QRService {
	return &QRService{redis: redis}
}

// CreatePaymentRequest encodes a vendor payment request and returns the
// opaque code plus a base64 PNG render of it.
func (s *QRService) CreatePaymentRequest(ctx context.Context, vendorID, festivalID string, amount int64, description string) (string, string, error) {
	request := PaymentRequest{
		VendorID:    vendorID,
		FestivalID:  festivalID,
		Amount:      amount,
		Description: description,
		Timestamp:   time.Now().Unix(),
		Nonce:       s.generateNonce(),
	}

	jsonData, err := json.Marshal(request)
	if err != nil {
		return "", "", err
	}

	code := base64.URLEncoding.EncodeToString(jsonData)

	key := fmt.Sprintf("qr:%s", code)
	if err := s.redis.Set(ctx, key, jsonData, 5*time.Minute).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	qrImage := base64.StdEncoding.EncodeToString(buf.Bytes())

	return code, qrImage, nil
}

// ClaimPaymentRequest resolves a scanned code to its payment request and
// consumes it. A second claim of the same code fails.
func (s *QRService) ClaimPaymentRequest(ctx context.Context, code string) (*PaymentRequest, error) {
	key := fmt.Sprintf("qr:%s", code)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired payment request")
	}
	if err != nil {
		return nil, err
	}

	var request PaymentRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, err
	}

	s.redis.Del(ctx, key)

	return &request, nil
}

func (s *QRService) generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
