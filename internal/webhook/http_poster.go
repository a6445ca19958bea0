package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"
)

// HTTPPoster delivers webhooks over HTTP POST. When a signing secret is set,
// each request carries an HMAC-SHA256 signature of the payload so receivers
// can authenticate the sender.
type HTTPPoster struct {
	client *http.Client
	secret []byte
}

// HTTPPosterOption customizes an HTTPPoster.
type HTTPPosterOption func(*HTTPPoster)

// WithHTTPClient overrides the underlying client.
func WithHTTPClient(client *http.Client) HTTPPosterOption {
	return func(p *HTTPPoster) { p.client = client }
}

// WithSigningSecret enables payload signing.
func WithSigningSecret(secret string) HTTPPosterOption {
	return func(p *HTTPPoster) { p.secret = []byte(secret) }
}

// NewHTTPPoster constructs a poster. The client timeout stays zero so the
// per-attempt context from the Guard governs deadlines.
func NewHTTPPoster(opts ...HTTPPosterOption) *HTTPPoster {
	p := &HTTPPoster{
		client: &http.Client{Timeout: 0},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HTTPPoster) Post(ctx context.Context, d Delivery) (PostResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.EndpointURL, bytes.NewReader(d.Payload))
	if err != nil {
		return PostResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", d.IdempotencyKey)
	req.Header.Set("X-Webhook-Event", d.EventType)
	req.Header.Set("X-Webhook-ID", d.ID)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if len(p.secret) > 0 {
		req.Header.Set("X-Webhook-Signature", p.sign(d.Payload))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return PostResult{}, err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return PostResult{StatusCode: resp.StatusCode}, nil
}

func (p *HTTPPoster) sign(payload []byte) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
