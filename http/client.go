package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	x402 "github.com/whodisturbsmyslumber187-web/x402"
	"github.com/whodisturbsmyslumber187-web/x402/breaker"
	"github.com/whodisturbsmyslumber187-web/x402/encoding"
	"github.com/whodisturbsmyslumber187-web/x402/events"
	"github.com/whodisturbsmyslumber187-web/x402/retry"
)

// Request timeouts. Streams get triple the budget because the body
// outlives the payment handshake.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultStreamTimeout  = 90 * time.Second
)

// streamChunkSize is the read granularity for streaming bodies.
const streamChunkSize = 4096

// RequestOptions customizes a single engine request.
type RequestOptions struct {
	Method  string
	Headers map[string]string
	Body    []byte

	// MaxAmount caps what this request may pay, overriding the
	// client-level cap when set.
	MaxAmount *big.Int

	// PaymentDecision, when set, is consulted before signing. A false
	// return declines the payment.
	PaymentDecision func(*x402.PaymentRequirements) bool
}

// Result is the outcome of an engine request.
type Result struct {
	Data       []byte
	Status     int
	Paid       bool
	AmountPaid string
	TxHash     string
}

// Client is the payment engine: an HTTP client that detects 402
// responses, signs a matching authorization, and retries with the
// X-PAYMENT header. Each host gets its own circuit breaker.
type Client struct {
	httpClient      *http.Client
	signers         []x402.Signer
	breakers        *breaker.Group
	retryConfig     retry.Config
	bus             *events.Bus
	logger          *slog.Logger
	maxAmount       *big.Int
	paymentDecision func(*x402.PaymentRequirements) bool
	timeout         time.Duration
	streamTimeout   time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a payment engine. At least one signer is required.
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{
		httpClient:    &http.Client{},
		breakers:      breaker.NewGroup(breaker.DefaultConfig),
		retryConfig:   retry.DefaultConfig,
		logger:        slog.Default(),
		timeout:       DefaultRequestTimeout,
		streamTimeout: DefaultStreamTimeout,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if len(c.signers) == 0 {
		return nil, fmt.Errorf("%w: no signers configured", x402.ErrNoValidOption)
	}
	return c, nil
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) error {
		c.httpClient = httpClient
		return nil
	}
}

// WithSigner adds a payment signer. Multiple signers may be added; the
// engine picks whichever can satisfy the selected requirement.
func WithSigner(signer x402.Signer) ClientOption {
	return func(c *Client) error {
		c.signers = append(c.signers, signer)
		return nil
	}
}

// WithMaxAmount caps what any single request may pay, in atomic units.
func WithMaxAmount(amount string) ClientOption {
	return func(c *Client) error {
		maxAmount, err := x402.ParseAmount(amount)
		if err != nil {
			return err
		}
		c.maxAmount = maxAmount
		return nil
	}
}

// WithPaymentDecision installs a per-instance approval callback.
func WithPaymentDecision(decide func(*x402.PaymentRequirements) bool) ClientOption {
	return func(c *Client) error {
		c.paymentDecision = decide
		return nil
	}
}

// WithEvents attaches an event bus for payment lifecycle events.
func WithEvents(bus *events.Bus) ClientOption {
	return func(c *Client) error {
		c.bus = bus
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithRetryConfig overrides the request retry policy.
func WithRetryConfig(cfg retry.Config) ClientOption {
	return func(c *Client) error {
		c.retryConfig = cfg
		return nil
	}
}

// WithBreakerConfig overrides the per-host circuit breaker policy.
func WithBreakerConfig(cfg breaker.Config) ClientOption {
	return func(c *Client) error {
		c.breakers = breaker.NewGroup(cfg)
		return nil
	}
}

// WithTimeout overrides the request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) error {
		c.timeout = timeout
		c.streamTimeout = 3 * timeout
		return nil
	}
}

// Request performs an HTTP request, paying for it if the server
// demands payment. The whole exchange runs under the per-host circuit
// breaker and retry policy.
func (c *Client) Request(ctx context.Context, rawURL string, opts *RequestOptions) (*Result, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	host, err := hostOf(rawURL)
	if err != nil {
		return nil, err
	}
	br := c.breakers.Get(host)

	return retry.WithRetry(ctx, c.retryConfig, retryableRequest, func() (*Result, error) {
		if !br.Allow() {
			return nil, breaker.ErrOpen
		}
		result, err := c.exchange(ctx, rawURL, opts, c.timeout, nil)
		if err != nil {
			br.RecordFailure()
			return nil, err
		}
		br.RecordSuccess()
		return result, nil
	})
}

// StreamResult is the outcome of a streaming request. Chunks delivers
// the body as UTF-8 strings; Err reports a mid-stream failure after
// the channel closes. A failure after bytes have been delivered does
// not roll back the payment.
type StreamResult struct {
	Status     int
	Paid       bool
	AmountPaid string
	TxHash     string
	Chunks     <-chan string

	err *error
}

// Err reports the stream error, if any. Valid once Chunks is closed.
func (r *StreamResult) Err() error {
	if r.err == nil {
		return nil
	}
	return *r.err
}

// Stream performs a request whose body is consumed lazily as UTF-8
// chunks. The payment handshake is identical to Request.
func (c *Client) Stream(ctx context.Context, rawURL string, opts *RequestOptions) (*StreamResult, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	host, err := hostOf(rawURL)
	if err != nil {
		return nil, err
	}
	br := c.breakers.Get(host)

	var stream *StreamResult
	_, err = retry.WithRetry(ctx, c.retryConfig, retryableRequest, func() (*Result, error) {
		if !br.Allow() {
			return nil, breaker.ErrOpen
		}
		result, err := c.exchange(ctx, rawURL, opts, c.streamTimeout, func(resp *http.Response, r *Result, cancel context.CancelFunc) {
			stream = c.startStream(resp, r, cancel)
		})
		if err != nil {
			br.RecordFailure()
			return nil, err
		}
		br.RecordSuccess()
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// exchange runs the core pipeline: initial request, 402 handling,
// signed retry, receipt parsing. When takeBody is nil the body is read
// eagerly into the result; otherwise ownership of the response (and
// the context's cancel) is handed to takeBody.
func (c *Client) exchange(ctx context.Context, rawURL string, opts *RequestOptions, timeout time.Duration, takeBody func(*http.Response, *Result, context.CancelFunc)) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	resp, err := c.do(ctx, rawURL, opts, "")
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		return c.finish(resp, &Result{Status: resp.StatusCode, Paid: false}, takeBody, cancel)
	}

	var required x402.PaymentRequiredResponse
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to read 402 body: %w", err)
	}
	if err := decodeJSON(body, &required); err != nil || len(required.Accepts) == 0 {
		cancel()
		return nil, fmt.Errorf("%w: 402 without payment options", x402.ErrPaymentRequired)
	}

	selected, err := x402.SelectOption(required.Accepts)
	if err != nil {
		cancel()
		return nil, err
	}

	c.emit(events.Event{
		Type:    events.PaymentInitiated,
		URL:     rawURL,
		Amount:  selected.MaxAmountRequired,
		Network: selected.Network,
	})

	header, err := c.signFor(rawURL, selected, opts)
	if err != nil {
		cancel()
		c.emit(events.Event{Type: events.PaymentFailed, URL: rawURL, Network: selected.Network, Error: err.Error()})
		return nil, err
	}

	resp, err = c.do(ctx, rawURL, opts, header)
	if err != nil {
		cancel()
		c.emit(events.Event{Type: events.PaymentFailed, URL: rawURL, Network: selected.Network, Error: err.Error()})
		return nil, err
	}

	result := &Result{Status: resp.StatusCode}
	// The retried response is the source of truth: only a served request
	// counts as paid. A malformed receipt on a served response is
	// ignored.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Paid = true
		result.AmountPaid = selected.MaxAmountRequired
		if receipt, rerr := encoding.DecodeReceipt(resp.Header.Get(x402.PaymentResponseHeader)); rerr == nil {
			result.TxHash = receipt.TxHash
			if receipt.ActualAmount != "" {
				result.AmountPaid = receipt.ActualAmount
			}
		}
	}

	return c.finish(resp, result, takeBody, cancel)
}

func (c *Client) finish(resp *http.Response, result *Result, takeBody func(*http.Response, *Result, context.CancelFunc), cancel context.CancelFunc) (*Result, error) {
	if takeBody != nil {
		takeBody(resp, result, cancel)
		return result, nil
	}
	defer cancel()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	result.Data = data
	return result, nil
}

// signFor selects a capable signer, applies the spending caps and the
// approval callback, and produces the X-PAYMENT header value.
func (c *Client) signFor(rawURL string, selected *x402.PaymentRequirements, opts *RequestOptions) (string, error) {
	decide := opts.PaymentDecision
	if decide == nil {
		decide = c.paymentDecision
	}
	limit := opts.MaxAmount
	if limit == nil {
		limit = c.maxAmount
	}

	header, err := signPayment(rawURL, selected, c.signers, limit, decide)
	if err != nil {
		return "", err
	}

	c.emit(events.Event{
		Type:    events.PaymentSigned,
		URL:     rawURL,
		Amount:  selected.MaxAmountRequired,
		Network: selected.Network,
	})

	return header, nil
}

// signPayment applies the approval callback and spending cap, selects a
// capable signer, and encodes the X-PAYMENT header value. Shared by the
// engine and the Transport.
func signPayment(rawURL string, selected *x402.PaymentRequirements, signers []x402.Signer, limit *big.Int, decide func(*x402.PaymentRequirements) bool) (string, error) {
	if decide != nil && !decide(selected) {
		return "", fmt.Errorf("%w for %s", x402.ErrPaymentDeclined, rawURL)
	}

	required, err := x402.ParseAmount(selected.MaxAmountRequired)
	if err != nil {
		return "", err
	}
	if limit != nil && required.Cmp(limit) > 0 {
		return "", fmt.Errorf("%w: %s > %s", x402.ErrPriceExceedsMax,
			selected.MaxAmountRequired, limit.String())
	}

	var signer x402.Signer
	for _, s := range signers {
		if s.CanSign(selected) {
			signer = s
			break
		}
	}
	if signer == nil {
		return "", fmt.Errorf("%w: no signer for %s/%s", x402.ErrNoValidOption,
			selected.Network, selected.Scheme)
	}

	payment, err := signer.Sign(selected)
	if err != nil {
		return "", err
	}
	return encoding.EncodePayment(*payment)
}

func (c *Client) do(ctx context.Context, rawURL string, opts *RequestOptions, paymentHeader string) (*http.Response, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if paymentHeader != "" {
		req.Header.Set(x402.PaymentHeader, paymentHeader)
	}

	return c.httpClient.Do(req)
}

// startStream hands the response body to a reader goroutine that
// delivers UTF-8 chunks, carrying split runes across reads.
func (c *Client) startStream(resp *http.Response, result *Result, cancel context.CancelFunc) *StreamResult {
	chunks := make(chan string, 1)
	var streamErr error
	stream := &StreamResult{
		Status:     result.Status,
		Paid:       result.Paid,
		AmountPaid: result.AmountPaid,
		TxHash:     result.TxHash,
		Chunks:     chunks,
		err:        &streamErr,
	}

	c.emit(events.Event{Type: events.StreamStarted, URL: resp.Request.URL.String()})

	go func() {
		defer cancel()
		defer close(chunks)
		defer resp.Body.Close()

		buf := make([]byte, streamChunkSize)
		var carry []byte
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				data := append(carry, buf[:n]...)
				cut := splitCompleteUTF8(data)
				carry = append([]byte(nil), data[cut:]...)
				if cut > 0 {
					chunks <- string(data[:cut])
					c.emit(events.Event{Type: events.StreamChunk, URL: resp.Request.URL.String()})
				}
			}
			if err != nil {
				if len(carry) > 0 {
					chunks <- string(carry)
				}
				if !errors.Is(err, io.EOF) {
					streamErr = err
				}
				c.emit(events.Event{Type: events.StreamEnded, URL: resp.Request.URL.String()})
				return
			}
		}
	}()

	return stream
}

func (c *Client) emit(event events.Event) {
	if c.bus != nil {
		c.bus.Emit(event)
	}
}

// retryableRequest excludes deliberate refusals: a declined payment or
// a price over the cap will not change on retry, nor will an open
// breaker inside its reset window.
func retryableRequest(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, x402.ErrPaymentDeclined) || errors.Is(err, x402.ErrPriceExceedsMax) {
		return false
	}
	if errors.Is(err, breaker.ErrOpen) {
		return false
	}
	return true
}

// splitCompleteUTF8 returns the length of the longest prefix that ends
// on a rune boundary. An incomplete trailing rune is held back for the
// next read.
func splitCompleteUTF8(data []byte) int {
	for i := len(data) - 1; i >= 0 && len(data)-i < utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				return i
			}
			break
		}
	}
	return len(data)
}

func hostOf(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid URL %q", rawURL)
	}
	return parsed.Host, nil
}

func decodeJSON(data []byte, out interface{}) error {
	return json.Unmarshal(data, out)
}
