// Package upstream implements a session-oriented HTTP client speaking the
// Urbit Airlock protocol: login, channel pokes, scrys, and disconnect. This
// is the bridge's C4 component.
package upstream

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/lora-gwmp/bridge/inet"
	"github.com/lora-gwmp/bridge/lalog"
)

// Config carries the parameters needed to reach and authenticate against the
// upstream application host.
type Config struct {
	URL   string
	Ship  string
	Code  string
	Agent string
}

// Client is a session-oriented Airlock-style HTTP client. It is owned by
// exactly one task at a time (the uplink forwarder or the outbox poller);
// each owner constructs its own Client instance.
type Client struct {
	cfg    Config
	name   string
	http   *http.Client
	logger lalog.Logger

	mu        sync.Mutex
	channelID string
	nextID    uint64
	connected bool
}

// New constructs a Client that has not yet authenticated.
func New(name string, cfg Config) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("upstream: failed to build cookie jar: %w", err)
	}
	c := &Client{
		cfg:    cfg,
		name:   name,
		http:   &http.Client{Jar: jar},
		logger: lalog.Logger{ComponentName: "upstream", ComponentID: []lalog.LoggerIDField{{Key: "Client", Value: name}}},
	}
	c.resetSession()
	return c, nil
}

func (c *Client) resetSession() {
	c.channelID = c.name + "-" + randomSuffix()
	c.nextID = 1
}

func randomSuffix() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// IsConnected reports whether the client currently holds a live session.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect authenticates against the upstream host via POST /~/login.
func (c *Client) Connect(ctx context.Context) error {
	resp, err := inet.DoHTTPWithClient(ctx, c.http, inet.HTTPRequest{
		Method: http.MethodPost,
		Body:   strings.NewReader("password=" + c.cfg.Code),
	}, c.cfg.URL+"/~/login")
	if err != nil {
		return fmt.Errorf("upstream: login request failed: %w", err)
	}
	if resp.StatusCode/100 != 2 && resp.StatusCode/100 != 3 {
		return fmt.Errorf("upstream: login failed with status %d", resp.StatusCode)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info(c.cfg.Ship, nil, "authenticated (channel %s)", c.channelID)
	return nil
}

// ConnectWithRetry attempts Connect up to maxAttempts times, backing off
// exponentially (2^min(attempt,5) seconds) between failures.
func (c *Client) ConnectWithRetry(ctx context.Context, maxAttempts int) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.Connect(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt+1 == maxAttempts {
			break
		}
		backoff := backoffFor(attempt + 1)
		c.logger.Warning(c.cfg.Ship, lastErr, "attempt %d/%d failed, retrying in %v", attempt+1, maxAttempts, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("upstream: failed to connect after %d attempts: %w", maxAttempts, lastErr)
}

func backoffFor(attempt int) time.Duration {
	exp := attempt
	if exp > 5 {
		exp = 5
	}
	return time.Duration(1<<uint(exp)) * time.Second
}

func (c *Client) nextMessageID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

func (c *Client) channelURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.URL + "/~/channel/" + c.channelID
}

// Poke PUTs a poke action to the agent's channel. On a 401/403 it rebinds
// the session (new channel id, fresh login) and retries once.
func (c *Client) Poke(ctx context.Context, app, mark string, data interface{}) error {
	if !c.IsConnected() {
		return fmt.Errorf("upstream: not connected")
	}
	if err := c.poke(ctx, app, mark, data); err != nil {
		if isAuthError(err) {
			c.logger.Warning(app, err, "auth expired, rebinding session")
			c.mu.Lock()
			c.connected = false
			c.resetSession()
			c.mu.Unlock()
			if connErr := c.Connect(ctx); connErr != nil {
				return fmt.Errorf("upstream: rebind failed: %w", connErr)
			}
			return c.poke(ctx, app, mark, data)
		}
		return err
	}
	c.ackEvents(ctx)
	return nil
}

type authError struct{ status int }

func (e *authError) Error() string { return fmt.Sprintf("upstream: auth error, status %d", e.status) }

func isAuthError(err error) bool {
	_, ok := err.(*authError)
	return ok
}

func (c *Client) poke(ctx context.Context, app, mark string, data interface{}) error {
	id := c.nextMessageID()
	body := []map[string]interface{}{{
		"id":     id,
		"action": "poke",
		"ship":   c.cfg.Ship,
		"app":    app,
		"mark":   mark,
		"json":   data,
	}}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("upstream: failed to marshal poke body: %w", err)
	}
	resp, err := inet.DoHTTPWithClient(ctx, c.http, inet.HTTPRequest{
		Method:      http.MethodPut,
		ContentType: "application/json",
		Body:        bytes.NewReader(payload),
		// One attempt only, so that a 401/403 reaches Poke's rebind.
		MaxRetry:    1,
	}, c.channelURL())
	if err != nil {
		return fmt.Errorf("upstream: poke request failed: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &authError{status: resp.StatusCode}
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("upstream: poke failed with status %d", resp.StatusCode)
	}
	return nil
}

// ackEvents fires a best-effort ack to keep the server-side event stream
// drained. Failures are logged but never surfaced to the caller.
func (c *Client) ackEvents(ctx context.Context) {
	id := c.nextMessageID()
	body := []map[string]interface{}{{
		"id":       id,
		"action":   "ack",
		"event-id": 0,
	}}
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	if _, err := inet.DoHTTPWithClient(ctx, c.http, inet.HTTPRequest{
		Method:      http.MethodPut,
		ContentType: "application/json",
		Body:        bytes.NewReader(payload),
		MaxRetry:    1,
	}, c.channelURL()); err != nil {
		c.logger.MaybeMinorError(err)
	}
}

// Scry issues a read request against the given app/path and returns the
// decoded JSON value.
func (c *Client) Scry(ctx context.Context, app, path string) (json.RawMessage, error) {
	resp, err := inet.DoHTTPWithClient(ctx, c.http, inet.HTTPRequest{
		Method: http.MethodGet,
	}, c.cfg.URL+"/~/scry/"+app+path+".json")
	if err != nil {
		return nil, fmt.Errorf("upstream: scry request failed: %w", err)
	}
	if err := resp.Non2xxToError(); err != nil {
		return nil, fmt.Errorf("upstream: scry failed: %w", err)
	}
	return json.RawMessage(resp.Body), nil
}

// Disconnect best-effort deletes the channel and drops the session.
func (c *Client) Disconnect(ctx context.Context) {
	if !c.IsConnected() {
		return
	}
	id := c.nextMessageID()
	body := []map[string]interface{}{{"id": id, "action": "delete"}}
	payload, err := json.Marshal(body)
	if err == nil {
		if _, err := inet.DoHTTPWithClient(ctx, c.http, inet.HTTPRequest{
			Method:      http.MethodPut,
			ContentType: "application/json",
			Body:        bytes.NewReader(payload),
			MaxRetry:    1,
		}, c.channelURL()); err != nil {
			c.logger.MaybeMinorError(err)
		}
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}
