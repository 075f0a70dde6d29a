// Package reporter pushes occupancy readings from a sensor host to the crowdwatch
// server.
package reporter

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// SendPath is the server endpoint readings are posted to.
const SendPath = "/api/sendCrowdLevel"

// Payload is one reading as the server expects it.
type Payload struct {
	ID           int    `json:"id"`
	Name         string `json:"name,omitempty"`
	SubName      string `json:"sub_name,omitempty"`
	MaxCapacity  int    `json:"max_capacity"`
	CurrentCount int    `json:"current_count"`
}

// Ack is the server's acknowledgement.
type Ack struct {
	Result       string `json:"result"`
	SubmissionID string `json:"submission_id"`
	ReadingID    int64  `json:"reading_id"`
}

// StatusError is a non-retryable rejection from the server (4xx).
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server rejected reading: %d %s", e.StatusCode, e.Body)
}

// Options configures a Client.
type Options struct {
	Timeout            time.Duration
	MaxRetries         int
	RetryDelayBase     time.Duration
	InsecureSkipVerify bool
}

// Client posts readings with retries behind a circuit breaker.
type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
	circuit        *gobreaker.CircuitBreaker
}

// NewClient creates a new reporter client
func NewClient(baseURL, token string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelayBase <= 0 {
		opts.RetryDelayBase = time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureSkipVerify {
		// Sensor hosts commonly talk to servers with self-signed certificates.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		httpClient:     &http.Client{Timeout: opts.Timeout, Transport: transport},
		maxRetries:     opts.MaxRetries,
		retryDelayBase: opts.RetryDelayBase,
		circuit: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "crowdwatch",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
		}),
	}
}

// Send posts one reading. 5xx responses and network errors are retried with linear
// backoff; 4xx responses are returned immediately as *StatusError.
func (c *Client) Send(ctx context.Context, p Payload) (Ack, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Ack{}, fmt.Errorf("failed to encode reading: %w", err)
	}

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		result, err := c.circuit.Execute(func() (interface{}, error) {
			ack, err := c.post(ctx, body)
			// A rejected reading means the server is healthy; keep it out of the breaker counts.
			var se *StatusError
			if errors.As(err, &se) {
				return se, nil
			}
			return ack, err
		})
		if err == nil {
			if se, ok := result.(*StatusError); ok {
				return Ack{}, se
			}
			return result.(Ack), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Ack{}, fmt.Errorf("circuit breaker open: %w", err)
		}
		lastErr = err

		if i == c.maxRetries-1 {
			break
		}
		timer := time.NewTimer(c.retryDelayBase * time.Duration(i+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Ack{}, ctx.Err()
		case <-timer.C:
		}
	}

	return Ack{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) post(ctx context.Context, body []byte) (Ack, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+SendPath, bytes.NewReader(body))
	if err != nil {
		return Ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Ack{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Ack{}, fmt.Errorf("server error: %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Ack{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return Ack{}, fmt.Errorf("failed to decode acknowledgement: %w", err)
	}
	return ack, nil
}

// ReadCount reads a non-negative integer count from a sensor output file.
func ReadCount(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read count file: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("count file %s does not hold an integer: %w", path, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("count file %s holds negative count %d", path, n)
	}
	return n, nil
}
