package paymentgateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	errors "github.com/frahmantamala/credit-recovery/internal"
	gatewaytypes "github.com/frahmantamala/credit-recovery/internal/core/datamodel/paymentgateway"
)

const maxResponseBytes = 1 << 20

type Config struct {
	Provider       string
	BaseURL        string
	SecretKey      string
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// provider hides the request and payload shape of one payment gateway.
type provider interface {
	name() string
	newRequest(ctx context.Context, baseURL, secret, reference string) (*http.Request, error)
	decode(reference string, statusCode int, body []byte) (*gatewaytypes.VerificationResult, error)
}

type Client struct {
	cfg        Config
	provider   provider
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	var p provider
	switch cfg.Provider {
	case "paystack", "":
		p = paystackProvider{}
	case "generic":
		p = genericProvider{}
	default:
		return nil, fmt.Errorf("unsupported payment gateway provider %q", cfg.Provider)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Client{
		cfg:        cfg,
		provider:   p,
		httpClient: &http.Client{},
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (c *Client) Provider() string {
	return c.provider.name()
}

// Verify asks the provider whether the charge behind reference succeeded.
// Transport failures, 429 and 5xx responses are retried with exponential backoff;
// what is left after the last attempt is GATEWAY_TIMEOUT or GATEWAY_UNREACHABLE.
// A reference the provider does not know yields an UNKNOWN result, not an error.
func (c *Client) Verify(ctx context.Context, reference string) (*gatewaytypes.VerificationResult, error) {
	backoff := retry.NewExponential(c.cfg.RetryBaseDelay)
	backoff = retry.WithCappedDuration(5*time.Second, backoff)
	backoff = retry.WithMaxRetries(uint64(c.cfg.MaxRetries), backoff)

	attempt := 0
	var result *gatewaytypes.VerificationResult
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		res, err := c.verifyOnce(ctx, reference)
		if err != nil {
			c.logger.Warn("gateway verify attempt failed",
				"reference", reference,
				"provider", c.provider.name(),
				"attempt", attempt,
				"error", err)
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if _, ok := errors.IsAppError(err); ok {
			return nil, err
		}
		return nil, classifyTransportError(err)
	}

	c.logger.Debug("gateway verify completed",
		"reference", reference,
		"provider", c.provider.name(),
		"status", result.Status,
		"attempts", attempt)
	return result, nil
}

func (c *Client) verifyOnce(ctx context.Context, reference string) (*gatewaytypes.VerificationResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.provider.newRequest(attemptCtx, c.cfg.BaseURL, c.cfg.SecretKey, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.RetryableError(classifyTransportError(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, retry.RetryableError(classifyTransportError(err))
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		cause := fmt.Errorf("provider returned status %d", resp.StatusCode)
		return nil, retry.RetryableError(errors.ErrGatewayUnreachable.WithCause(cause))
	}

	result, err := c.provider.decode(reference, resp.StatusCode, body)
	if err != nil {
		return nil, err
	}
	result.Provider = c.provider.name()
	if result.Reference == "" {
		result.Reference = reference
	}
	result.CheckedAt = c.now()
	return result, nil
}

func classifyTransportError(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ErrGatewayTimeout.WithCause(err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.ErrGatewayTimeout.WithCause(err)
	}
	return errors.ErrGatewayUnreachable.WithCause(err)
}
