package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/caseflow/internal/dispatch"
	"github.com/wolfeidau/caseflow/internal/models"
)

// LogRequest is the body of an executor log append.
type LogRequest struct {
	Level   models.LogLevel `json:"level"`
	Message string          `json:"message"`
}

// Callback reports on one job from the executor side, authenticated with the
// job's task token.
type Callback struct {
	client *Client
}

// NewCallback creates a reporter for the callback URL and token received
// with a dispatch.
func NewCallback(callbackURL, taskToken string, httpClient *http.Client) (*Callback, error) {
	u, err := url.Parse(strings.TrimSuffix(callbackURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid callback url %q", callbackURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &Callback{
		client: &Client{name: "callback", base: u, http: &http.Client{
			Timeout:   httpClient.Timeout,
			Transport: bearerTransport{token: taskToken, next: httpClient.Transport},
		}},
	}, nil
}

// Event posts a status event.
func (c *Callback) Event(ctx context.Context, evt dispatch.Event) error {
	return c.client.do(ctx, http.MethodPost, "/events", evt, false)
}

// Log appends a log line.
func (c *Callback) Log(ctx context.Context, level models.LogLevel, message string) error {
	return c.client.do(ctx, http.MethodPost, "/logs", LogRequest{Level: level, Message: message}, false)
}

type bearerTransport struct {
	token string
	next  http.RoundTripper
}

func (t bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return next.RoundTrip(req)
}
