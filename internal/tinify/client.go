// Package tinify talks to the TinyPNG/Tinify image compression API.
//
// A compression is two requests: the source bytes are POSTed to /shrink,
// which answers 201 with a Location header, and the resize/preserve options
// are POSTed to that location, which answers with the optimized image.
// Every response carries a Compression-Count header with the number of
// compressions used in the current billing period.
package tinify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"image-squasher-go/internal/compressor"

	"github.com/sirupsen/logrus"
)

// DefaultEndpoint is the public Tinify API.
const DefaultEndpoint = "https://api.tinify.com"

const (
	compressionCountHeader = "Compression-Count"
	defaultUserAgent       = "image-squasher-go/1.0"
	maxAttempts            = 2
)

var retryDelay = 500 * time.Millisecond

// Client implements compressor.Client against the Tinify HTTP API.
// It is safe for concurrent use.
type Client struct {
	key       string
	endpoint  string
	userAgent string
	http      *http.Client
	logger    logrus.FieldLogger
	timeout   time.Duration
	count     int64
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint overrides the API base URL.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithHTTPClient replaces the underlying HTTP client. The client is never
// modified; WithTimeout applies to a copy of it.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a Client authenticating with key.
func NewClient(key string, opts ...Option) (*Client, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("tinify: API key is empty")
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	c := &Client{
		key:       key,
		endpoint:  DefaultEndpoint,
		userAgent: defaultUserAgent,
		http:      &http.Client{Timeout: 2 * time.Minute},
		logger:    discard,
		count:     -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		hc := *c.http
		hc.Timeout = c.timeout
		c.http = &hc
	}
	return c, nil
}

var _ compressor.Client = (*Client)(nil)

// CompressionCount returns the last reported number of compressions this
// month, or -1 if no response has been seen yet.
func (c *Client) CompressionCount() int {
	return int(atomic.LoadInt64(&c.count))
}

// Validate checks the API key without spending a compression. The service
// answers an empty upload with 400 for a valid key and 401 for an invalid one.
func (c *Client) Validate(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, c.endpoint+"/shrink", "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 || resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusTooManyRequests {
		return nil
	}
	return decodeError(resp)
}

// Compress uploads sourcePath and returns the image produced by directive.
func (c *Client) Compress(ctx context.Context, sourcePath string, directive compressor.Directive) ([]byte, error) {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}

	output, err := c.shrink(ctx, data)
	if err != nil {
		return nil, err
	}
	return c.result(ctx, output, directive)
}

// shrink uploads the image and returns the URL of the compressed output.
func (c *Client) shrink(ctx context.Context, data []byte) (string, error) {
	resp, err := c.doWithRetry(ctx, http.MethodPost, c.endpoint+"/shrink", "application/octet-stream", data)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", decodeError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	location := resp.Header.Get("Location")
	if location == "" {
		return "", &Error{Kind: KindServer, Status: resp.StatusCode, Message: "response has no Location header"}
	}
	return c.resolve(location)
}

type resultRequest struct {
	Resize   *compressor.Resize `json:"resize,omitempty"`
	Preserve []string           `json:"preserve,omitempty"`
}

// result fetches the output, applying the resize and preserve options.
func (c *Client) result(ctx context.Context, output string, directive compressor.Directive) ([]byte, error) {
	req := resultRequest{Preserve: directive.Preserve}
	if directive.Resize.Width > 0 {
		resize := directive.Resize
		if resize.Method == "" {
			resize.Method = compressor.ResizeMethodScale
		}
		req.Resize = &resize
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}

	resp, err := c.doWithRetry(ctx, http.MethodPost, output, "application/json", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Message: err.Error(), Err: fmt.Errorf("%w: %w", ErrConnection, err)}
	}
	return data, nil
}

func (c *Client) doWithRetry(ctx context.Context, method, target, contentType string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.do(ctx, method, target, contentType, body)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if err == nil {
			lastErr = decodeError(resp)
			resp.Body.Close()
		} else {
			lastErr = err
		}

		var tErr *Error
		if !errors.As(lastErr, &tErr) || !tErr.retryable() || attempt == maxAttempts {
			break
		}
		c.logger.WithError(lastErr).WithField("attempt", attempt).Warn("Retrying Tinify request")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, target, contentType string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth("api", c.key)
	req.Header.Set("User-Agent", c.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &Error{Kind: KindConnection, Message: err.Error(), Err: fmt.Errorf("%w: %w", ErrConnection, err)}
	}

	if v := resp.Header.Get(compressionCountHeader); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			atomic.StoreInt64(&c.count, n)
		}
	}
	c.logger.WithFields(logrus.Fields{
		"method": method,
		"url":    target,
		"status": resp.StatusCode,
	}).Debug("Tinify request")
	return resp, nil
}

// resolve turns a possibly relative Location into an absolute URL.
func (c *Client) resolve(location string) (string, error) {
	base, err := url.Parse(c.endpoint + "/")
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", &Error{Kind: KindServer, Message: "invalid Location header: " + location}
	}
	return base.ResolveReference(ref).String(), nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func decodeError(resp *http.Response) error {
	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil {
		body.Message = strings.TrimSpace(string(raw))
	}
	return errorForStatus(resp.StatusCode, body.Error, body.Message)
}
