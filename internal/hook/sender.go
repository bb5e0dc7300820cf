package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Sender POSTs events as JSON to one endpoint, retrying transient failures.
type Sender struct {
	url        string
	secret     string
	client     *http.Client
	timeout    time.Duration
	maxRetries int
	backoff    BackoffStrategy
}

type SenderOption func(*Sender)

// WithSecret signs payloads with HMAC-SHA256.
func WithSecret(secret string) SenderOption {
	return func(s *Sender) { s.secret = secret }
}

func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *Sender) {
		if c != nil {
			s.client = c
		}
	}
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) SenderOption {
	return func(s *Sender) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithMaxRetries(n int) SenderOption {
	return func(s *Sender) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

func WithBackoff(b BackoffStrategy) SenderOption {
	return func(s *Sender) {
		if b != nil {
			s.backoff = b
		}
	}
}

func NewSender(endpoint string, opts ...SenderOption) (*Sender, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: endpoint must be an absolute http(s) URL", ErrInvalidConfiguration)
	}

	s := &Sender{
		url: endpoint,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout:    10 * time.Second,
		maxRetries: 3,
		backoff: ExponentialBackoff{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2,
			JitterFactor:    0.1,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send delivers e, returning the last error when every attempt failed.
func (s *Sender) Send(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.backoff.NextInterval(attempt)):
			}
		}

		status, err := s.attempt(ctx, e.ID, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if isPermanent(status) {
			return fmt.Errorf("%w: %w", ErrPermanentFailure, err)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrDeliveryFailed, s.maxRetries+1, lastErr)
}

func (s *Sender) attempt(ctx context.Context, id string, payload []byte) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "filemanager-hook/1.0")
	if s.secret != "" {
		ts := time.Now().Unix()
		req.Header.Set(HeaderSignature, Sign(s.secret, ts, payload))
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderID, id)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return 0, fmt.Errorf("%w: %w", ErrTemporaryFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return resp.StatusCode, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(strings.ReplaceAll(string(body), "\n", " "))
	return resp.StatusCode, fmt.Errorf("hook endpoint returned status %d: %s", resp.StatusCode, msg)
}

// isPermanent treats client errors as final, except the ones that ask for a retry.
func isPermanent(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}
