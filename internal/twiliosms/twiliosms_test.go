package twiliosms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/BTreeMap/SoilPipe/internal/models"
	"github.com/BTreeMap/SoilPipe/internal/retry"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeAPI struct {
	errs   []error
	calls  int
	params []*twilioApi.CreateMessageParams
}

func (f *fakeAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.calls++
	f.params = append(f.params, params)
	if f.calls <= len(f.errs) && f.errs[f.calls-1] != nil {
		return nil, f.errs[f.calls-1]
	}
	sid := "SM123"
	status := "queued"
	return &twilioApi.ApiV2010Message{Sid: &sid, Status: &status}, nil
}

type instantTimer struct{ c chan time.Time }

func (t *instantTimer) Start(time.Duration) {
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

func testClient(api messageCreator) *Client {
	return newClient(api, Opts{FromNumber: "+15550000000", Retry: DefaultRetryPolicy(retry.WithTimer(&instantTimer{}))})
}

func TestClient_SendReportsCarrierStatus(t *testing.T) {
	api := &fakeAPI{}
	c := testClient(api)

	res, err := c.Send(context.Background(), "+256700000001", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.GatewayID != "SM123" || res.Status != "queued" {
		t.Errorf("unexpected result: %+v", res)
	}
	if api.calls != 1 {
		t.Errorf("expected 1 call, got %d", api.calls)
	}
}

func TestClient_SendRetriesThrottling(t *testing.T) {
	api := &fakeAPI{errs: []error{&twilioclient.TwilioRestError{Status: 429, Message: "Too Many Requests"}}}
	c := testClient(api)

	if _, err := c.Send(context.Background(), "+256700000001", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.calls != 2 {
		t.Errorf("expected 2 calls, got %d", api.calls)
	}
}

func TestClient_SendRetriesNetworkErrors(t *testing.T) {
	api := &fakeAPI{errs: []error{
		&url.Error{Op: "Post", URL: "https://api.twilio.com", Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}},
		&url.Error{Op: "Post", URL: "https://api.twilio.com", Err: errors.New("EOF")},
	}}
	c := testClient(api)

	res, err := c.Send(context.Background(), "+256700000001", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.GatewayID != "SM123" {
		t.Errorf("unexpected result: %+v", res)
	}
	if api.calls != 3 {
		t.Errorf("expected 3 calls, got %d", api.calls)
	}
}

func TestClient_SendPermanentFailure(t *testing.T) {
	api := &fakeAPI{errs: []error{&twilioclient.TwilioRestError{Status: 400, Code: 21211, Message: "invalid To"}}}
	c := testClient(api)

	res, err := c.Send(context.Background(), "bogus", "hello")
	if !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if res.Status != models.MessageStatusFailed {
		t.Errorf("expected failed status, got %q", res.Status)
	}
	if api.calls != 1 {
		t.Errorf("expected no retry for 400, got %d calls", api.calls)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&twilioclient.TwilioRestError{Status: 429}, true},
		{&twilioclient.TwilioRestError{Status: 503}, true},
		{&twilioclient.TwilioRestError{Status: 400}, false},
		{&url.Error{Op: "Post", URL: "https://api.twilio.com", Err: errors.New("connection reset by peer")}, true},
		{&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{fmt.Errorf("send: %w", &net.DNSError{Err: "no such host", Name: "api.twilio.com", IsTimeout: true}), true},
		{&url.Error{Op: "Post", URL: "https://api.twilio.com", Err: context.Canceled}, false},
		{errors.New("dial tcp: refused"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestNewClient_MissingCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("expected ErrMissingCredentials, got %v", err)
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); !errors.Is(err, ErrMissingFromNumber) {
		t.Errorf("expected ErrMissingFromNumber, got %v", err)
	}
}

func TestMockClient_Send(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	res, err := mock.Send(ctx, "+256700000001", "Hello Test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != models.MessageStatusSent || res.GatewayID == "" {
		t.Errorf("unexpected result: %+v", res)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].Body != "Hello Test" {
		t.Fatalf("unexpected recorded messages: %+v", sent)
	}

	mock.FailFor["+256700000002"] = errors.New("boom")
	if _, err := mock.Send(ctx, "+256700000002", "x"); err == nil {
		t.Error("expected configured failure")
	}
}
