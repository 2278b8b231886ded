// Package kimi drives the private REST/SSE API of the Kimi web client: anonymous
// device registration, conversation creation and the streamed completion call.
//
// A Client is single-use. It owns one Session and is created per downstream request;
// only the underlying *http.Client is shared across requests.
package kimi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/router-for-me/KimiProxyAPI/internal/config"
	"github.com/router-for-me/KimiProxyAPI/internal/util"
	log "github.com/sirupsen/logrus"
)

const (
	pathDeviceRegister = "/api/device/register"
	pathCreateChat     = "/api/chat"
	pathCompletionFmt  = "/api/chat/%s/completion/stream"
)

// Client talks to one Kimi origin on behalf of one downstream request.
type Client struct {
	httpClient *http.Client
	observer   Observer

	baseURL          string
	platform         string
	upstreamModel    string
	conversationName string
	bootstrapTimeout time.Duration
	idleTimeout      time.Duration

	session        Session
	conversationID string
}

// Option customises a Client.
type Option func(*Client)

// WithObserver installs an observer for upstream call outcomes.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithSession seeds the client with an existing credential, skipping registration.
func WithSession(s Session) Option {
	return func(c *Client) { c.session = s }
}

// NewClient builds a Client from the upstream section of the configuration.
// A nil httpClient falls back to http.DefaultClient.
func NewClient(cfg config.KimiConfig, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		httpClient:       httpClient,
		observer:         nopObserver{},
		baseURL:          strings.TrimRight(orDefault(cfg.BaseURL, config.DefaultKimiBaseURL), "/"),
		platform:         orDefault(cfg.Platform, config.DefaultKimiPlatform),
		upstreamModel:    orDefault(cfg.UpstreamModel, config.DefaultUpstreamModel),
		conversationName: orDefault(cfg.ConversationName, config.DefaultConversationName),
		bootstrapTimeout: seconds(cfg.BootstrapTimeoutSeconds),
		idleTimeout:      seconds(cfg.StreamIdleTimeoutSeconds),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConversationID returns the upstream conversation used by the last Complete call.
func (c *Client) ConversationID() string {
	return c.conversationID
}

// Session returns the current credential, which may be empty before the first call.
func (c *Client) Session() Session {
	return c.session
}

func (c *Client) applyDeviceHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-msh-device-id", c.session.DeviceID)
	req.Header.Set("x-msh-platform", c.platform)
	req.Header.Set("x-traffic-id", c.session.DeviceID)
}

func (c *Client) applyAuthHeaders(req *http.Request) {
	c.applyDeviceHeaders(req)
	req.Header.Set("Authorization", "Bearer "+c.session.AccessToken)
}

// post sends body to path and returns the response. The caller owns the body.
func (c *Client) post(ctx context.Context, path string, body []byte, prepare func(*http.Request)) (*http.Response, error) {
	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	prepare(httpReq)
	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{
			"url":     url,
			"headers": util.RedactHeaders(httpReq.Header),
			"body":    string(util.RedactSensitiveJSON(body)),
		}).Debug("kimi upstream request")
	}
	return c.httpClient.Do(httpReq)
}

// readBody drains and closes an upstream response body.
func readBody(resp *http.Response) []byte {
	if resp.Body == nil {
		return nil
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("kimi client: close response body error: %v", errClose)
		}
	}()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Debugf("kimi client: read response body error: %v", err)
	}
	return b
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func upstreamFailure(stage string, status int, body []byte) string {
	return fmt.Sprintf("%s failed with status %d: %s", stage, status, truncate(util.RedactSensitiveJSON(body), 512))
}
