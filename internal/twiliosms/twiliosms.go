// Package twiliosms wraps the Twilio REST API for plain SMS delivery in SoilPipe.
package twiliosms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/BTreeMap/SoilPipe/internal/models"
	"github.com/BTreeMap/SoilPipe/internal/retry"
	"github.com/google/uuid"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender delivers one SMS segment and reports the carrier's status and message id.
type Sender interface {
	Send(ctx context.Context, to string, body string) (models.DeliveryResult, error)
}

// Opts holds configuration options for the Twilio SMS client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	Retry      *retry.Policy
}

// Option defines a configuration option for the Twilio SMS client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number in E.164 form.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithRetryPolicy replaces the default transient-failure retry policy.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(o *Opts) { o.Retry = p }
}

// messageCreator is the subset of the Twilio API service used here.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client sends SMS through Twilio.
type Client struct {
	api        messageCreator
	fromNumber string
	retry      *retry.Policy
}

// NewClient creates a Twilio SMS client. Missing options fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio SMS client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.FromNumber == "" {
		return nil, ErrMissingFromNumber
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newClient(rest.Api, cfg), nil
}

func newClient(api messageCreator, cfg Opts) *Client {
	policy := cfg.Retry
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	return &Client{api: api, fromNumber: cfg.FromNumber, retry: policy}
}

// Errors returned by NewClient.
var (
	ErrMissingCredentials = errors.New("account SID and auth token must be provided")
	ErrMissingFromNumber  = errors.New("from number must be provided")
)

// DefaultRetryPolicy retries carrier throttling and server errors: 3 attempts, 1s then 2s apart.
func DefaultRetryPolicy(opts ...retry.Option) *retry.Policy {
	base := []retry.Option{
		retry.WithRetryable(IsTransient),
		retry.WithNotify(func(err error, wait time.Duration) {
			slog.Warn("twiliosms: transient send failure, backing off", "wait", wait, "error", err)
		}),
	}
	return retry.New(append(base, opts...)...)
}

// IsTransient reports whether a send failure is worth retrying: a Twilio 429 or 5xx, or a
// transport failure before any response arrived. Cancellation is never retried.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		return restErr.Status == http.StatusTooManyRequests || restErr.Status >= http.StatusInternalServerError
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Send delivers body to the E.164 number to. The carrier's status string is returned verbatim.
func (c *Client) Send(ctx context.Context, to string, body string) (models.DeliveryResult, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.fromNumber)
	params.SetBody(body)

	var resp *twilioApi.ApiV2010Message
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		resp, err = c.api.CreateMessage(params)
		return err
	})
	if err != nil {
		slog.Error("Twilio Send failed", "to", to, "error", err)
		return models.DeliveryResult{Status: models.MessageStatusFailed},
			fmt.Errorf("%w: failed to send SMS to %s: %w", models.ErrUpstreamUnavailable, to, err)
	}

	result := models.DeliveryResult{Status: models.MessageStatusSent}
	if resp != nil {
		if resp.Status != nil && *resp.Status != "" {
			result.Status = models.MessageStatus(*resp.Status)
		}
		if resp.Sid != nil {
			result.GatewayID = *resp.Sid
		}
	}
	slog.Debug("Twilio SMS sent", "to", to, "sid", result.GatewayID, "status", result.Status)
	return result, nil
}

// MockClient records sent messages in memory. It is used when no Twilio credentials are configured.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	// FailFor makes Send fail for the listed destination numbers.
	FailFor map[string]error
}

// SentMessage is one recorded mock delivery.
type SentMessage struct {
	To   string
	Body string
	ID   string
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{
		SentMessages: []SentMessage{},
		FailFor:      map[string]error{},
	}
}

// Send records the message and returns a "sent" result with a generated id.
func (m *MockClient) Send(ctx context.Context, to string, body string) (models.DeliveryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailFor[to]; ok {
		return models.DeliveryResult{Status: models.MessageStatusFailed}, err
	}
	id := "SM" + uuid.NewString()
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body, ID: id})
	slog.Debug("MockClient.Send: message recorded", "to", to, "length", len(body))
	return models.DeliveryResult{Status: models.MessageStatusSent, GatewayID: id}, nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}
