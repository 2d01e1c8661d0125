package booking

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/antoniostano/teleagent/internal/reliability"
)

// HTTPClient is a Service backed by a remote booking REST API.
type HTTPClient struct {
	baseURL  string
	client   *http.Client
	attempts int
	backoff  time.Duration
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:   &http.Client{Timeout: timeout},
		attempts: 3,
		backoff:  200 * time.Millisecond,
	}
}

// envelope mirrors the booking API response shape.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Count   int             `json:"count"`
	Error   string          `json:"error"`
}

func (c *HTTPClient) ListAvailableSlots(ctx context.Context) ([]Slot, error) {
	var slots []Slot
	if err := c.do(ctx, http.MethodGet, "/api/slots/available", nil, &slots); err != nil {
		return nil, err
	}
	return slots, nil
}

func (c *HTTPClient) CreateAppointment(ctx context.Context, in CreateInput) (Appointment, error) {
	if err := in.Validate(); err != nil {
		return Appointment{}, err
	}
	var appt Appointment
	if err := c.do(ctx, http.MethodPost, "/api/appointments", in, &appt); err != nil {
		if errors.Is(err, errNotFound) {
			return Appointment{}, ErrSlotNotFound
		}
		return Appointment{}, err
	}
	return appt, nil
}

func (c *HTTPClient) CancelAppointment(ctx context.Context, id int64) (Appointment, error) {
	var appt Appointment
	path := fmt.Sprintf("/api/appointments/%d/cancel", id)
	if err := c.do(ctx, http.MethodPut, path, nil, &appt); err != nil {
		if errors.Is(err, errNotFound) {
			return Appointment{}, ErrAppointmentNotFound
		}
		return Appointment{}, err
	}
	return appt, nil
}

var errNotFound = errors.New("booking api: not found")

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	var key string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = raw
		key, err = IdempotencyKey(method+" "+path, raw)
		if err != nil {
			return err
		}
	}

	return reliability.Retry(ctx, c.attempts, c.backoff, 2*time.Second, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return reliability.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Idempotency-Key", key)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("booking api %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("read booking response: %w", err)
		}

		var env envelope
		_ = json.Unmarshal(data, &env)
		if resp.StatusCode >= 300 || !env.Success {
			apiErr := classifyStatus(resp.StatusCode, env.Error)
			if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
				return apiErr
			}
			return reliability.Permanent(apiErr)
		}
		if out == nil || len(env.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return reliability.Permanent(fmt.Errorf("decode booking data: %w", err))
		}
		return nil
	})
}

func classifyStatus(code int, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", errNotFound, msg)
	case code == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrSlotFull, msg)
	case strings.Contains(lower, "already cancelled"), strings.Contains(lower, "already canceled"):
		return fmt.Errorf("%w: %s", ErrAlreadyCancelled, msg)
	case code == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
	default:
		if msg == "" {
			msg = http.StatusText(code)
		}
		return fmt.Errorf("booking api status %d: %s", code, msg)
	}
}

// IdempotencyKey derives a stable key from the canonical (RFC 8785) form of a
// JSON request body, so retried writes can be de-duplicated server side.
func IdempotencyKey(scope string, body []byte) (string, error) {
	canonical, err := jcs.Transform(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize request: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
